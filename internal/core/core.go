// SPDX-License-Identifier: MIT

// Package core is the operation surface the HTTP front door calls into.
// Every job-scoped operation enforces ownership before touching state.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/riffbench/riffbench/internal/admission"
	"github.com/riffbench/riffbench/internal/hub"
	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/metrics"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/store"
)

// ErrForbidden signals an ownership mismatch: the row exists but belongs to
// someone else.
var ErrForbidden = errors.New("forbidden")

// Invalidator drops cached bearer tokens when a credential changes.
type Invalidator interface {
	Invalidate(ownerID string)
}

// Core bundles the public operations.
type Core struct {
	store     store.Store
	admission *admission.Admission
	hub       *hub.Hub
	creds     Invalidator
}

// New wires the operation surface.
func New(st store.Store, adm *admission.Admission, h *hub.Hub, creds Invalidator) *Core {
	return &Core{store: st, admission: adm, hub: h, creds: creds}
}

// SubmitShootout validates and admits a draft, returning the job ID.
func (c *Core) SubmitShootout(ctx context.Context, ownerID string, draft admission.Draft) (string, error) {
	return c.admission.Submit(ctx, ownerID, draft)
}

// GetJob returns the job if ownerID owns it.
func (c *Core) GetJob(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return job, nil
}

// ListJobs pages through the owner's jobs, newest first.
func (c *Core) ListJobs(ctx context.Context, ownerID string, filter store.JobFilter, page store.Page) ([]*model.Job, error) {
	return c.store.ListJobs(ctx, ownerID, filter, page)
}

// CancelJob requests cancellation. Pending and queued jobs are cancelled
// directly; running jobs get the cancel token tripped and the worker settles
// the row. Cancelling a terminal job returns ErrConflict.
func (c *Core) CancelJob(ctx context.Context, ownerID, jobID string) error {
	for {
		job, err := c.store.LoadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.OwnerID != ownerID {
			return ErrForbidden
		}

		switch job.Status {
		case model.JobSucceeded, model.JobFailed, model.JobCancelled:
			return store.ErrConflict

		case model.JobPending, model.JobQueued:
			kind := model.ErrKindCancelled
			detail := "cancelled by owner"
			_, err := c.store.TransitionJob(ctx, jobID, job.Status, model.JobCancelled, store.JobPatch{
				Message:         ptr(detail),
				ErrorKind:       &kind,
				ErrorDetail:     ptr(detail),
				CompletedAtUnix: ptr(time.Now().Unix()),
			})
			if errors.Is(err, store.ErrConflict) {
				// Lost a race with a worker promotion; re-read and retry.
				continue
			}
			if err != nil {
				return err
			}
			metrics.JobTransitionsTotal.WithLabelValues(string(job.Status), string(model.JobCancelled)).Inc()
			metrics.JobTerminalTotal.WithLabelValues(string(model.JobCancelled), string(kind)).Inc()
			// Trip the token anyway so a worker racing on a stale delivery
			// stops immediately.
			c.hub.CancelToken(jobID).Trip()
			c.hub.Publish(jobID, model.TerminalEvent{
				Status:      model.JobCancelled,
				ErrorKind:   kind,
				ErrorDetail: detail,
			})
			lg := log.WithContext(ctx, log.WithComponent("core"))
			lg.Info().
				Str("job_id", jobID).Msg("job cancelled before execution")
			return nil

		case model.JobRunning:
			c.hub.CancelToken(jobID).Trip()
			lg := log.WithContext(ctx, log.WithComponent("core"))
			lg.Info().
				Str("job_id", jobID).Msg("cancel requested for running job")
			return nil

		default:
			return store.ErrConflict
		}
	}
}

// SubscribeJob attaches an event stream for the job if ownerID owns it.
func (c *Core) SubscribeJob(ctx context.Context, ownerID, jobID string) (*hub.Subscription, error) {
	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return c.hub.Subscribe(ctx, jobID)
}

// StoreCredential upserts the owner's credential and drops any cached token.
func (c *Core) StoreCredential(ctx context.Context, ownerID string, cred model.Credential) error {
	cred.OwnerID = ownerID
	cred.Broken = false
	if cred.RefreshedAtUnix == 0 {
		cred.RefreshedAtUnix = time.Now().Unix()
	}
	if err := c.store.PutCredential(ctx, &cred); err != nil {
		return err
	}
	c.creds.Invalidate(ownerID)
	lg := log.WithContext(ctx, log.WithComponent("core"))
	lg.Info().Msg("credential stored")
	return nil
}

// RevokeCredential deletes the owner's credential and drops any cached token.
func (c *Core) RevokeCredential(ctx context.Context, ownerID string) error {
	if err := c.store.DeleteCredential(ctx, ownerID); err != nil {
		return err
	}
	c.creds.Invalidate(ownerID)
	lg := log.WithContext(ctx, log.WithComponent("core"))
	lg.Info().Msg("credential revoked")
	return nil
}

func ptr[T any](v T) *T { return &v }
