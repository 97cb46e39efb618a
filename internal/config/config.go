// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the full daemon configuration, resolved once at startup.
// All knobs come from the environment; there is no config file.
type Config struct {
	ListenAddr string

	// Collaborator addresses.
	StoreURL  string // badger directory path, e.g. /var/lib/riffbench/store
	BrokerURL string // redis address host:port, or "memory" for tests/dev

	// Identity provider used for model-artifact credentials.
	IDPURL          string
	IDPClientID     string
	IDPClientSecret string

	// Registry serving model artifacts.
	RegistryURL string

	// Filesystem roots. Uploads are read below ArtifactsRoot/uploads; outputs
	// and cached models are written below it.
	ArtifactsRoot string

	// Policy knobs.
	MaxAttempts     int
	JobWallClock    time.Duration
	ProgressSilence time.Duration
	RetentionDays   int
	WorkerSlots     int
	LeaseTTL        time.Duration

	// Render engine selection: "fake" renders deterministically without the
	// native pipeline, anything else is treated as the engine binary path.
	RenderEngine string

	// Telemetry.
	OTELEnabled  bool
	OTELExporter string
	OTELEndpoint string
}

// FromEnv resolves the configuration from the process environment.
func FromEnv() Config {
	slots := runtime.NumCPU() - 1
	if slots < 1 {
		slots = 1
	}
	return Config{
		ListenAddr:      ParseString("LISTEN_ADDR", ":8080"),
		StoreURL:        ParseString("STORE_URL", "/var/lib/riffbench/store"),
		BrokerURL:       ParseString("BROKER_URL", "localhost:6379"),
		IDPURL:          ParseString("IDP_URL", ""),
		IDPClientID:     ParseString("IDP_CLIENT_ID", ""),
		IDPClientSecret: ParseString("IDP_CLIENT_SECRET", ""),
		RegistryURL:     ParseString("REGISTRY_URL", ""),
		ArtifactsRoot:   ParseString("ARTIFACTS_ROOT", "/var/lib/riffbench/artifacts"),
		MaxAttempts:     ParseInt("MAX_ATTEMPTS", 3),
		JobWallClock:    ParseDuration("JOB_WALL_CLOCK", 30*time.Minute),
		ProgressSilence: ParseDuration("PROGRESS_SILENCE", 5*time.Minute),
		RetentionDays:   ParseInt("RETENTION_DAYS", 14),
		WorkerSlots:     ParseInt("WORKER_SLOTS", slots),
		LeaseTTL:        ParseDuration("LEASE_TTL", 60*time.Second),
		RenderEngine:    ParseString("RENDER_ENGINE", "fake"),
		OTELEnabled:     ParseBool("OTEL_ENABLED", false),
		OTELExporter:    ParseString("OTEL_EXPORTER", "http"),
		OTELEndpoint:    ParseString("OTEL_ENDPOINT", "localhost:4318"),
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL must not be empty")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("BROKER_URL must not be empty")
	}
	if c.ArtifactsRoot == "" || !filepath.IsAbs(c.ArtifactsRoot) {
		return fmt.Errorf("ARTIFACTS_ROOT must be an absolute path, got %q", c.ArtifactsRoot)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.WorkerSlots < 1 {
		return fmt.Errorf("WORKER_SLOTS must be >= 1, got %d", c.WorkerSlots)
	}
	if c.JobWallClock <= 0 || c.ProgressSilence <= 0 || c.LeaseTTL <= 0 {
		return fmt.Errorf("JOB_WALL_CLOCK, PROGRESS_SILENCE and LEASE_TTL must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be >= 1, got %d", c.RetentionDays)
	}
	return nil
}

// UploadsRoot is the directory DI-track paths are resolved against.
func (c Config) UploadsRoot() string {
	return filepath.Join(c.ArtifactsRoot, "uploads")
}

// ModelsRoot is the on-disk cache for downloaded model artifacts.
func (c Config) ModelsRoot() string {
	return filepath.Join(c.ArtifactsRoot, "models")
}

// OutputsRoot is where finished render artifacts are written.
func (c Config) OutputsRoot() string {
	return filepath.Join(c.ArtifactsRoot, "outputs")
}

// Retention returns the artifact retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
