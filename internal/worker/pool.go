// SPDX-License-Identifier: MIT

// Package worker runs the lease loop: pull a lease, promote the job to
// running, resolve model artifacts, drive the render engine, and commit the
// outcome. Delivery is at-least-once, so every step tolerates stale leases
// and lost races.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/hub"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/render"
	"github.com/riffbench/riffbench/internal/store"
)

// Defaults for the lease loop. Tests shrink them.
const (
	DefaultLeaseWait = 30 * time.Second
	DefaultLeaseTTL  = 60 * time.Second
)

// TokenSource supplies bearer tokens for artifact downloads.
type TokenSource interface {
	BearerFor(ctx context.Context, ownerID string) (string, error)
}

// ArtifactResolver resolves a model reference to a local file path.
type ArtifactResolver interface {
	Resolve(ctx context.Context, ownerID, modelRef, bearer string) (string, error)
}

// Config carries the execution policy for a pool.
type Config struct {
	Slots           int
	LeaseTTL        time.Duration
	LeaseWait       time.Duration
	MaxAttempts     int
	WallClock       time.Duration
	ProgressSilence time.Duration
	UploadsRoot     string
	OutputsRoot     string

	// Backoff maps the attempt count to the re-queue delay. Defaults to
	// DefaultBackoff; tests shrink it.
	Backoff func(attempt int) time.Duration
}

func (c *Config) fillDefaults() {
	if c.Slots < 1 {
		c.Slots = 1
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = DefaultLeaseWait
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.WallClock <= 0 {
		c.WallClock = 30 * time.Minute
	}
	if c.ProgressSilence <= 0 {
		c.ProgressSilence = 5 * time.Minute
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
}

// Pool owns N execution slots over one broker connection.
type Pool struct {
	store  store.Store
	broker broker.Broker
	hub    *hub.Hub
	creds  TokenSource
	cache  ArtifactResolver
	engine render.Engine
	cfg    Config
	idBase string
}

// New wires a pool. The config is defaulted in place.
func New(st store.Store, br broker.Broker, h *hub.Hub, creds TokenSource, cache ArtifactResolver, engine render.Engine, cfg Config) *Pool {
	cfg.fillDefaults()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		store:  st,
		broker: br,
		hub:    h,
		creds:  creds,
		cache:  cache,
		engine: engine,
		cfg:    cfg,
		idBase: host + "-" + uuid.NewString()[:8],
	}
}

// Run blocks until ctx is cancelled, running cfg.Slots concurrent slot loops.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Slots; i++ {
		workerID := fmt.Sprintf("%s-%d", p.idBase, i)
		g.Go(func() error {
			p.slot(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) slot(ctx context.Context, workerID string) {
	logger := log.WithComponent("worker").With().Str("worker_id", workerID).Logger()
	logger.Debug().Msg("slot started")
	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("slot stopped")
			return
		}
		lease, err := p.broker.Lease(ctx, workerID, p.cfg.LeaseWait)
		if err != nil {
			if errors.Is(err, broker.ErrEmpty) || ctx.Err() != nil {
				continue
			}
			logger.Warn().Err(err).Msg("lease failed, backing off")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, logger, lease)
	}
}

func ptr[T any](v T) *T { return &v }
