// SPDX-License-Identifier: MIT

// Package supervisor is the out-of-band janitor: it returns lost leases to
// the queue, drains parked pending jobs, enforces the job wall clock, and
// garbage-collects expired artifacts. Every write is CAS-guarded, so running
// more than one instance is safe.
package supervisor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/clock"
	"github.com/riffbench/riffbench/internal/hub"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/metrics"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/store"
)

// Defaults for the sweep policy.
const (
	DefaultInterval   = 10 * time.Second
	DefaultPendingAge = 60 * time.Second
)

// Config carries the sweep policy.
type Config struct {
	Interval   time.Duration
	PendingAge time.Duration
	WallClock  time.Duration
	Retention  time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.PendingAge <= 0 {
		c.PendingAge = DefaultPendingAge
	}
	if c.WallClock <= 0 {
		c.WallClock = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 14 * 24 * time.Hour
	}
}

// Supervisor owns the periodic sweep.
type Supervisor struct {
	store  store.Store
	broker broker.Broker
	hub    *hub.Hub
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger
}

// New wires a supervisor. The config is defaulted in place.
func New(st store.Store, br broker.Broker, h *hub.Hub, clk clock.Clock, cfg Config) *Supervisor {
	cfg.fillDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Supervisor{
		store:  st,
		broker: br,
		hub:    h,
		clock:  clk,
		cfg:    cfg,
		logger: log.WithComponent("supervisor"),
	}
}

// Run sweeps every cfg.Interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Storage errors are logged and retried on the
// next tick; a sweep never aborts the loop.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.reapLeases(ctx)
	s.scanJobs(ctx)
}

// reapLeases returns expired leases to the queue. The broker already made
// the jobs leasable again; the store row is brought back to queued so the
// next worker's CAS succeeds.
func (s *Supervisor) reapLeases(ctx context.Context) {
	ids, err := s.broker.ReapExpired(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reap expired leases failed, will retry")
		return
	}
	for _, id := range ids {
		job, err := s.store.LoadJob(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn().Err(err).Str("job_id", id).Msg("load reaped job failed")
			}
			continue
		}
		if job.Status != model.JobRunning {
			continue
		}
		if _, err := s.store.TransitionJob(ctx, id, model.JobRunning, model.JobQueued, store.JobPatch{
			Message: ptr("worker lost"),
		}); err != nil {
			// A worker settled or resumed the job in the meantime.
			continue
		}
		metrics.JobTransitionsTotal.WithLabelValues(string(model.JobRunning), string(model.JobQueued)).Inc()
		metrics.SupervisorSweepsTotal.WithLabelValues("reaped").Inc()
		// Re-admit in case a racing worker drained the reaped handle before
		// the CAS landed. Duplicate delivery is tolerated. The zero notBefore
		// means immediately.
		if err := s.broker.Enqueue(ctx, id, time.Time{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("re-enqueue reaped job failed")
		}
		s.logger.Info().Str("job_id", id).Msg("lost lease returned to queue")
	}
}

func (s *Supervisor) scanJobs(ctx context.Context) {
	now := s.clock.Now()
	err := s.store.ScanJobs(ctx, func(job *model.Job) error {
		switch {
		case job.Status == model.JobPending && now.Unix()-job.CreatedAtUnix > int64(s.cfg.PendingAge/time.Second):
			s.drainPending(ctx, job)
		case job.Status == model.JobRunning && job.StartedAtUnix > 0 && now.Unix()-job.StartedAtUnix > int64(s.cfg.WallClock/time.Second):
			s.timeOut(ctx, job)
		case job.Status.IsTerminal() && job.ResultPath != "" && job.CompletedAtUnix > 0 && now.Unix()-job.CompletedAtUnix > int64(s.cfg.Retention/time.Second):
			s.gcArtifact(ctx, job)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("job scan failed, will retry")
	}
}

// drainPending re-admits a job that was parked because the broker was down
// at submission time.
func (s *Supervisor) drainPending(ctx context.Context, job *model.Job) {
	if _, err := s.store.TransitionJob(ctx, job.JobID, model.JobPending, model.JobQueued, store.JobPatch{}); err != nil {
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobPending), string(model.JobQueued)).Inc()
	if err := s.broker.Enqueue(ctx, job.JobID, time.Time{}); err != nil {
		// Still down; the row stays queued and the reap path cannot help, so
		// park it again for the next sweep.
		if _, terr := s.store.TransitionJob(ctx, job.JobID, model.JobQueued, model.JobPending, store.JobPatch{}); terr != nil {
			s.logger.Warn().Err(terr).Str("job_id", job.JobID).Msg("re-park pending job failed")
		}
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("broker still unavailable")
		return
	}
	metrics.SupervisorSweepsTotal.WithLabelValues("pending_drained").Inc()
	s.logger.Info().Str("job_id", job.JobID).Msg("pending job drained into queue")
}

// timeOut enforces the wall-clock ceiling on runaway jobs.
func (s *Supervisor) timeOut(ctx context.Context, job *model.Job) {
	kind := model.ErrKindTimeout
	detail := "job wall clock exceeded"
	if _, err := s.store.TransitionJob(ctx, job.JobID, model.JobRunning, model.JobFailed, store.JobPatch{
		Message:         ptr(detail),
		ErrorKind:       &kind,
		ErrorDetail:     ptr(detail),
		CompletedAtUnix: ptr(s.clock.Now().Unix()),
	}); err != nil {
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobRunning), string(model.JobFailed)).Inc()
	metrics.JobTerminalTotal.WithLabelValues(string(model.JobFailed), string(kind)).Inc()
	metrics.SupervisorSweepsTotal.WithLabelValues("timed_out").Inc()
	// Best effort: tell the worker to stop burning CPU on a dead row.
	s.hub.CancelToken(job.JobID).Trip()
	s.hub.Publish(job.JobID, model.TerminalEvent{
		Status:      model.JobFailed,
		ErrorKind:   kind,
		ErrorDetail: detail,
	})
	s.logger.Warn().Str("job_id", job.JobID).Msg("job timed out")
}

// gcArtifact unlinks an expired result artifact. The job row stays as
// history with result_path cleared.
func (s *Supervisor) gcArtifact(ctx context.Context, job *model.Job) {
	if err := os.Remove(job.ResultPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Str("result_path", job.ResultPath).Msg("artifact unlink failed")
		return
	}
	if err := s.store.ClearJobResult(ctx, job.JobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("clear result path failed")
		return
	}
	metrics.SupervisorSweepsTotal.WithLabelValues("artifacts_gced").Inc()
	s.logger.Info().Str("job_id", job.JobID).Msg("expired artifact removed")
}

func ptr[T any](v T) *T { return &v }
