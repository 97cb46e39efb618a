// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/riffbench/riffbench/internal/artifacts"
	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/creds"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/metrics"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/render"
	"github.com/riffbench/riffbench/internal/store"
)

// Abort causes for a running attempt. context.Cause distinguishes them after
// the render returns.
var (
	errCancelRequested = errors.New("cancel requested")
	errWallClock       = errors.New("wall clock exceeded")
	errStalled         = errors.New("progress silence exceeded")
	errLeaseLost       = errors.New("lease lost")
)

// progressWriteRate caps durable progress writes per job.
var progressWriteRate = rate.Limit(4)

// cleanupTimeout bounds terminal writes when the slot context is already
// cancelled (graceful shutdown).
const cleanupTimeout = 10 * time.Second

// process executes one leased job end to end.
func (p *Pool) process(ctx context.Context, logger zerolog.Logger, lease *broker.Lease) {
	logger = logger.With().Str("job_id", lease.JobID).Logger()

	job, err := p.store.LoadJob(ctx, lease.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// The row is gone; the delivery is garbage.
		p.ackQuiet(lease)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("load job failed, returning lease")
		p.nackQuiet(lease, time.Second)
		return
	}
	if job.Status.IsTerminal() {
		// Stale delivery from a previous attempt.
		p.ackQuiet(lease)
		return
	}

	job, err = p.store.TransitionJob(ctx, job.JobID, model.JobQueued, model.JobRunning, store.JobPatch{
		StartedAtUnix: ptr(time.Now().Unix()),
		Progress:      ptr(0),
		Message:       ptr("starting"),
		AttemptsDelta: 1,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another worker won, or the job was cancelled between lease and CAS.
		p.ackQuiet(lease)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("promote to running failed, returning lease")
		p.nackQuiet(lease, time.Second)
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobQueued), string(model.JobRunning)).Inc()

	// A crash-looping worker never reaches the in-process retry check: the
	// reaper re-queues without touching the counter, so the ceiling must be
	// enforced here too.
	if job.Attempts > p.cfg.MaxAttempts {
		logger.Warn().Int("attempt", job.Attempts).Msg("retry ceiling exceeded on re-admission")
		p.finishFailed(logger, lease, job, model.ErrKindInternal, "attempts exhausted")
		return
	}
	logger.Info().Int("attempt", job.Attempts).Msg("job running")

	p.hub.Publish(job.JobID, model.ProgressEvent{Progress: 0, Message: "starting"})
	p.execute(ctx, logger, lease, job)
}

// execute runs the attempt: artifact resolution, render, outcome commit. The
// job is running and the lease is held on entry; every return path settles
// both.
func (p *Pool) execute(ctx context.Context, logger zerolog.Logger, lease *broker.Lease, job *model.Job) {
	token := p.hub.CancelToken(job.JobID)
	if token.Tripped() {
		p.finishCancelled(logger, lease, job)
		return
	}

	jobCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	wallTimer := time.AfterFunc(p.cfg.WallClock, func() { abort(errWallClock) })
	defer wallTimer.Stop()
	stallTimer := time.AfterFunc(p.cfg.ProgressSilence, func() { abort(errStalled) })
	defer stallTimer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-token.Done():
			abort(errCancelRequested)
		case <-jobCtx.Done():
		case <-watchDone:
		}
	}()
	go p.heartbeat(jobCtx, lease, abort)

	shootout, err := p.store.LoadShootout(jobCtx, job.ShootoutID)
	if err != nil {
		if p.settleAborted(jobCtx, logger, lease, job) {
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			// No retry can bring back a missing parent.
			p.finishFailed(logger, lease, job, model.ErrKindInternal, "shootout missing: "+job.ShootoutID)
			return
		}
		logger.Warn().Err(err).Msg("load shootout failed, releasing for retry")
		p.releaseForRetry(logger, lease, job, true, "waiting for retry")
		return
	}

	modelPaths, err := p.resolveModels(jobCtx, job, shootout)
	if err != nil {
		if p.settleAborted(jobCtx, logger, lease, job) {
			return
		}
		switch {
		case creds.IsPermanent(err):
			p.finishFailed(logger, lease, job, model.ErrKindAuth, err.Error())
		case artifacts.IsPermanent(err):
			p.finishFailed(logger, lease, job, model.ErrKindModelFetch, err.Error())
		default:
			// Transient fetch trouble is not a consumed attempt.
			logger.Warn().Err(err).Msg("model resolution failed, releasing for retry")
			p.releaseForRetry(logger, lease, job, true, "waiting for retry")
		}
		return
	}

	spec := render.Spec{
		JobID:      job.JobID,
		Shootout:   shootout,
		ModelPaths: modelPaths,
		InputsRoot: p.cfg.UploadsRoot,
		OutputPath: filepath.Join(p.cfg.OutputsRoot, job.JobID+".mp4"),
	}

	limiter := rate.NewLimiter(progressWriteRate, 1)
	var progressMu sync.Mutex
	lastPct := 0
	progress := func(pct int, msg string) {
		stallTimer.Reset(p.cfg.ProgressSilence)
		progressMu.Lock()
		if pct < lastPct {
			progressMu.Unlock()
			return
		}
		lastPct = pct
		progressMu.Unlock()
		if pct < 100 && !limiter.Allow() {
			return
		}
		if err := p.store.UpdateJobProgress(jobCtx, job.JobID, pct, msg); err != nil {
			return
		}
		p.hub.Publish(job.JobID, model.ProgressEvent{Progress: pct, Message: msg})
	}

	renderStart := time.Now()
	resultPath, err := p.engine.Render(jobCtx, spec, progress)
	duration := time.Since(renderStart)

	if err == nil {
		metrics.RenderDuration.WithLabelValues("ok").Observe(duration.Seconds())
		p.finishSucceeded(logger, lease, job, resultPath)
		return
	}
	metrics.RenderDuration.WithLabelValues("error").Observe(duration.Seconds())

	if p.settleAborted(jobCtx, logger, lease, job) {
		return
	}
	if render.IsPermanent(err) {
		p.finishFailed(logger, lease, job, model.ErrKindRender, err.Error())
		return
	}
	// Transient and unclassified failures retry while attempts remain.
	// Unclassified ones surface as internal once the budget is spent.
	kind := model.ErrKindRender
	if !render.IsTransient(err) {
		kind = model.ErrKindInternal
	}
	if job.Attempts >= p.cfg.MaxAttempts {
		p.finishFailed(logger, lease, job, kind, "attempts exhausted: "+err.Error())
		return
	}
	logger.Warn().Err(err).Int("attempt", job.Attempts).Msg("render failed, releasing for retry")
	p.releaseForRetry(logger, lease, job, false, "waiting for retry")
}

// settleAborted handles the abort causes. It returns true when the attempt
// was settled (or deliberately left to the reaper) and the caller must stop.
func (p *Pool) settleAborted(jobCtx context.Context, logger zerolog.Logger, lease *broker.Lease, job *model.Job) bool {
	cause := context.Cause(jobCtx)
	switch {
	case cause == nil:
		return false
	case errors.Is(cause, errCancelRequested):
		p.finishCancelled(logger, lease, job)
	case errors.Is(cause, errWallClock):
		p.finishFailed(logger, lease, job, model.ErrKindTimeout, "job wall clock exceeded")
	case errors.Is(cause, errStalled):
		if job.Attempts >= p.cfg.MaxAttempts {
			p.finishFailed(logger, lease, job, model.ErrKindTimeout, "no progress within silence window")
		} else {
			logger.Warn().Msg("progress silence exceeded, releasing for retry")
			p.releaseForRetry(logger, lease, job, false, "stalled, waiting for retry")
		}
	case errors.Is(cause, errLeaseLost):
		// Another worker may already hold the job; leave the row alone and do
		// not ack the dead lease.
		logger.Warn().Msg("lease lost mid-attempt, abandoning")
	default:
		// Slot shutdown: hand the job back untouched.
		logger.Info().Msg("shutting down, releasing job")
		p.releaseForRetry(logger, lease, job, true, "worker shutdown")
	}
	return true
}

func (p *Pool) resolveModels(ctx context.Context, job *model.Job, shootout *model.Shootout) (map[string]string, error) {
	refs := shootout.ModelRefs()
	paths := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return paths, nil
	}
	bearer, err := p.creds.BearerFor(ctx, job.OwnerID)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		path, err := p.cache.Resolve(ctx, job.OwnerID, ref, bearer)
		if err != nil {
			return nil, err
		}
		paths[ref] = path
	}
	return paths, nil
}

// heartbeat extends the lease every LeaseTTL/3 while the attempt runs.
func (p *Pool) heartbeat(ctx context.Context, lease *broker.Lease, abort context.CancelCauseFunc) {
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.broker.Extend(ctx, lease, time.Now().Add(p.cfg.LeaseTTL))
		switch {
		case err == nil:
			metrics.LeaseExtensionsTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, broker.ErrLeaseExpired):
			metrics.LeaseExtensionsTotal.WithLabelValues("expired").Inc()
			abort(errLeaseLost)
			return
		case ctx.Err() != nil:
			return
		default:
			metrics.LeaseExtensionsTotal.WithLabelValues("error").Inc()
		}
	}
}

// finishSucceeded commits the success: transition first, ack second, terminal
// event last. A crash after the transition leaves a terminal row a late reap
// will skip.
func (p *Pool) finishSucceeded(logger zerolog.Logger, lease *broker.Lease, job *model.Job, resultPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	updated, err := p.store.TransitionJob(ctx, job.JobID, model.JobRunning, model.JobSucceeded, store.JobPatch{
		Progress:        ptr(100),
		Message:         ptr("done"),
		ResultPath:      ptr(resultPath),
		CompletedAtUnix: ptr(time.Now().Unix()),
	})
	if err != nil {
		// Lost to a concurrent cancel or timeout; the winner settled the row.
		logger.Warn().Err(err).Msg("succeed transition lost, acking anyway")
		p.ackQuiet(lease)
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobRunning), string(model.JobSucceeded)).Inc()
	metrics.JobTerminalTotal.WithLabelValues(string(model.JobSucceeded), "").Inc()
	p.ackQuiet(lease)
	p.hub.Publish(job.JobID, model.TerminalEvent{
		Status:     model.JobSucceeded,
		ResultPath: updated.ResultPath,
	})
	logger.Info().Str("result_path", resultPath).Msg("job succeeded")
}

func (p *Pool) finishFailed(logger zerolog.Logger, lease *broker.Lease, job *model.Job, kind model.ErrorKind, detail string) {
	p.finishTerminal(logger, lease, job, model.JobFailed, kind, detail)
}

func (p *Pool) finishCancelled(logger zerolog.Logger, lease *broker.Lease, job *model.Job) {
	p.finishTerminal(logger, lease, job, model.JobCancelled, model.ErrKindCancelled, "cancelled by owner")
}

func (p *Pool) finishTerminal(logger zerolog.Logger, lease *broker.Lease, job *model.Job, to model.JobStatus, kind model.ErrorKind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_, err := p.store.TransitionJob(ctx, job.JobID, model.JobRunning, to, store.JobPatch{
		Message:         ptr(detail),
		ErrorKind:       &kind,
		ErrorDetail:     ptr(detail),
		CompletedAtUnix: ptr(time.Now().Unix()),
	})
	if err != nil {
		logger.Warn().Err(err).Str("to", string(to)).Msg("terminal transition lost, acking anyway")
		p.ackQuiet(lease)
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobRunning), string(to)).Inc()
	metrics.JobTerminalTotal.WithLabelValues(string(to), string(kind)).Inc()
	p.ackQuiet(lease)
	p.hub.Publish(job.JobID, model.TerminalEvent{
		Status:      to,
		ErrorKind:   kind,
		ErrorDetail: detail,
	})
	logger.Info().Str("status", string(to)).Str("error_kind", string(kind)).Msg("job finished")
}

// releaseForRetry hands the job back: CAS running→queued, then nack with
// backoff. compensate undoes the attempt counter when the attempt never
// reached the engine.
func (p *Pool) releaseForRetry(logger zerolog.Logger, lease *broker.Lease, job *model.Job, compensate bool, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	patch := store.JobPatch{
		Progress: ptr(0),
		Message:  ptr(msg),
	}
	if compensate {
		patch.AttemptsDelta = -1
	}
	if _, err := p.store.TransitionJob(ctx, job.JobID, model.JobRunning, model.JobQueued, patch); err != nil {
		// The row moved on without us; drop the lease.
		logger.Warn().Err(err).Msg("release transition lost, acking")
		p.ackQuiet(lease)
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobRunning), string(model.JobQueued)).Inc()
	p.nackQuiet(lease, p.cfg.Backoff(job.Attempts))
}

func (p *Pool) ackQuiet(lease *broker.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := p.broker.Ack(ctx, lease); err != nil && !errors.Is(err, broker.ErrLeaseExpired) {
		lg := log.WithComponent("worker")
		lg.Warn().Err(err).Str("job_id", lease.JobID).Msg("ack failed")
	}
}

func (p *Pool) nackQuiet(lease *broker.Lease, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := p.broker.Nack(ctx, lease, delay); err != nil && !errors.Is(err, broker.ErrLeaseExpired) {
		lg := log.WithComponent("worker")
		lg.Warn().Err(err).Str("job_id", lease.JobID).Msg("nack failed")
	}
}

// DefaultBackoff returns the re-queue delay for the given attempt count:
// 2s, 4s, 8s, ... capped at two minutes.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 2 * time.Second << uint(attempt-1)
	if d > 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}
