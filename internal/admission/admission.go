// SPDX-License-Identifier: MIT

// Package admission validates shootout submissions and turns them into
// queued jobs. Validation is total: a draft either yields a job or a field
// error, never a partial row.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/metrics"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/store"
)

// Draft is the unvalidated user submission.
type Draft struct {
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	DITracks     []model.DITrack     `json:"di_tracks"`
	SignalChains []model.SignalChain `json:"signal_chains"`
}

// InvalidShootoutError names the first offending field. Reasons are stable
// strings surfaced verbatim to clients.
type InvalidShootoutError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *InvalidShootoutError) Error() string {
	return fmt.Sprintf("invalid shootout: %s: %s", e.Field, e.Reason)
}

// Admission is the public entry point for job submission.
type Admission struct {
	store  store.Store
	broker broker.Broker
}

// New wires admission over its collaborators.
func New(st store.Store, br broker.Broker) *Admission {
	return &Admission{store: st, broker: br}
}

// Submit validates the draft, persists shootout and job atomically, and
// enqueues the job. If the broker is down the job is kept as pending and the
// supervisor drains it later; the submission still succeeds.
func (a *Admission) Submit(ctx context.Context, ownerID string, draft Draft) (string, error) {
	if err := Validate(draft); err != nil {
		metrics.AdmissionTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	now := time.Now().Unix()
	shootout := &model.Shootout{
		ShootoutID:    uuid.NewString(),
		OwnerID:       ownerID,
		Title:         draft.Title,
		Description:   draft.Description,
		DITracks:      draft.DITracks,
		SignalChains:  draft.SignalChains,
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	job := &model.Job{
		JobID:         uuid.NewString(),
		ShootoutID:    shootout.ShootoutID,
		OwnerID:       ownerID,
		Status:        model.JobQueued,
		CreatedAtUnix: now,
	}

	if err := a.store.CreateShootoutAndJob(ctx, shootout, job); err != nil {
		metrics.AdmissionTotal.WithLabelValues("error").Inc()
		return "", err
	}

	logger := log.WithContext(ctx, log.WithComponent("admission")).With().
		Str("job_id", job.JobID).Logger()

	if err := a.broker.Enqueue(ctx, job.JobID, time.Now()); err != nil {
		// Compensate: park the job as pending; the supervisor sweep will
		// re-enqueue once the broker is back.
		if _, terr := a.store.TransitionJob(ctx, job.JobID, model.JobQueued, model.JobPending, store.JobPatch{}); terr != nil {
			logger.Error().Err(terr).Msg("failed to park job after enqueue failure")
		}
		logger.Warn().Err(err).Msg("broker unavailable, job parked as pending")
		metrics.AdmissionTotal.WithLabelValues("degraded").Inc()
		return job.JobID, nil
	}

	metrics.AdmissionTotal.WithLabelValues("admitted").Inc()
	logger.Info().Str("shootout_id", shootout.ShootoutID).Msg("shootout admitted")
	return job.JobID, nil
}
