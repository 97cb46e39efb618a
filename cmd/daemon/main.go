// SPDX-License-Identifier: MIT

// Command daemon runs the riffbench orchestration core: the HTTP front
// door, the worker pool, and the supervisor, all over one durable store and
// one queue broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riffbench/riffbench/internal/admission"
	"github.com/riffbench/riffbench/internal/api"
	"github.com/riffbench/riffbench/internal/artifacts"
	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/clock"
	"github.com/riffbench/riffbench/internal/config"
	"github.com/riffbench/riffbench/internal/core"
	"github.com/riffbench/riffbench/internal/creds"
	"github.com/riffbench/riffbench/internal/hub"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/render"
	"github.com/riffbench/riffbench/internal/store"
	"github.com/riffbench/riffbench/internal/supervisor"
	"github.com/riffbench/riffbench/internal/telemetry"
	"github.com/riffbench/riffbench/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("riffbench %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	log.Configure(log.Config{Service: "riffbench"})
	logger := log.WithComponent("daemon")

	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited")
	}
	logger.Info().Msg("daemon stopped")
}

func run() error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "riffbench",
		ServiceVersion: version,
		ExporterType:   cfg.OTELExporter,
		Endpoint:       cfg.OTELEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	for _, dir := range []string{cfg.UploadsRoot(), cfg.ModelsRoot(), cfg.OutputsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}

	st, err := store.OpenBadger(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var br broker.Broker
	if cfg.BrokerURL == "memory" {
		br = broker.NewMemory(cfg.LeaseTTL)
	} else {
		br, err = broker.NewRedis(cfg.BrokerURL, cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
	}
	defer func() { _ = br.Close() }()

	h := hub.New(st)
	credsSvc := creds.NewService(st, creds.NewIDPClient(cfg.IDPURL, cfg.IDPClientID, cfg.IDPClientSecret))
	cache := artifacts.NewCache(cfg.ModelsRoot(), cfg.RegistryURL)
	c := core.New(st, admission.New(st, br), h, credsSvc)

	var engine render.Engine
	if cfg.RenderEngine == "fake" {
		logger.Warn().Msg("using the fake render engine; artifacts are markers, not videos")
		engine = &render.Fake{StepDelay: 100 * time.Millisecond}
	} else {
		engine = &render.Exec{Binary: cfg.RenderEngine}
	}

	pool := worker.New(st, br, h, credsSvc, cache, engine, worker.Config{
		Slots:           cfg.WorkerSlots,
		LeaseTTL:        cfg.LeaseTTL,
		MaxAttempts:     cfg.MaxAttempts,
		WallClock:       cfg.JobWallClock,
		ProgressSilence: cfg.ProgressSilence,
		UploadsRoot:     cfg.UploadsRoot(),
		OutputsRoot:     cfg.OutputsRoot(),
	})
	sup := supervisor.New(st, br, h, clock.Real{}, supervisor.Config{
		WallClock: cfg.JobWallClock,
		Retention: cfg.Retention(),
	})

	tracingService := ""
	if cfg.OTELEnabled {
		tracingService = "riffbench-api"
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(c, api.Options{RequestsPerMinute: 120, TracingService: tracingService}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info().Int("slots", cfg.WorkerSlots).Msg("worker pool started")
		return pool.Run(ctx)
	})
	g.Go(func() error {
		logger.Info().Msg("supervisor started")
		return sup.Run(ctx)
	})

	return g.Wait()
}
