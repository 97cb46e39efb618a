// SPDX-License-Identifier: MIT

// Package store is the system-of-record for shootouts, jobs and credentials.
//
// Design intent:
//   - Every status change goes through a compare-and-set against the current
//     status, inside one transaction. Terminal rows never change again, with
//     the single exception of retention clearing result_path.
//   - Implementations hand out clones; callers never see shared state.
package store

import (
	"context"
	"errors"

	"github.com/riffbench/riffbench/internal/model"
)

var (
	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a lost compare-and-set race, including any write
	// attempted against a terminal job.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps infrastructure failures. Callers must not
	// catch-and-continue, except the supervisor which retries.
	ErrUnavailable = errors.New("store unavailable")
)

// JobPatch is the field merge applied together with a status transition.
// Nil pointers leave the field untouched.
type JobPatch struct {
	Progress        *int
	Message         *string
	StartedAtUnix   *int64
	CompletedAtUnix *int64
	ResultPath      *string
	ErrorKind       *model.ErrorKind
	ErrorDetail     *string
	AttemptsDelta   int
}

// JobFilter narrows ListJobs. Zero value matches everything.
type JobFilter struct {
	Status model.JobStatus
}

// Page bounds a listing. Limit 0 means the implementation default (50).
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit caps unbounded listings.
const DefaultPageLimit = 50

// Store is the durable persistence contract.
type Store interface {
	// CreateShootoutAndJob inserts both rows atomically; either both appear
	// or neither.
	CreateShootoutAndJob(ctx context.Context, s *model.Shootout, j *model.Job) error

	LoadJob(ctx context.Context, jobID string) (*model.Job, error)
	LoadShootout(ctx context.Context, shootoutID string) (*model.Shootout, error)

	// UpdateJobProgress is a compare-and-set against status=running. It
	// returns ErrConflict when the job is not running (terminal included).
	UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error

	// TransitionJob moves a job from one status to another and applies the
	// patch in the same commit. ErrConflict when the current status differs
	// from from, or the row is terminal.
	TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus, patch JobPatch) (*model.Job, error)

	// ClearJobResult nulls result_path on a terminal job. This is the only
	// permitted write to a terminal row; used by retention GC.
	ClearJobResult(ctx context.Context, jobID string) error

	ListJobs(ctx context.Context, ownerID string, filter JobFilter, page Page) ([]*model.Job, error)

	// ScanJobs iterates over all jobs. Supervisor sweeps only.
	ScanJobs(ctx context.Context, fn func(*model.Job) error) error

	GetCredential(ctx context.Context, ownerID string) (*model.Credential, error)
	PutCredential(ctx context.Context, cred *model.Credential) error
	DeleteCredential(ctx context.Context, ownerID string) error

	Close() error
}

// applyPatch merges the patch into j. Shared by implementations.
func applyPatch(j *model.Job, patch JobPatch) {
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.Message != nil {
		j.Message = *patch.Message
	}
	if patch.StartedAtUnix != nil {
		j.StartedAtUnix = *patch.StartedAtUnix
	}
	if patch.CompletedAtUnix != nil {
		j.CompletedAtUnix = *patch.CompletedAtUnix
	}
	if patch.ResultPath != nil {
		j.ResultPath = *patch.ResultPath
	}
	if patch.ErrorKind != nil {
		j.ErrorKind = *patch.ErrorKind
	}
	if patch.ErrorDetail != nil {
		j.ErrorDetail = *patch.ErrorDetail
	}
	j.Attempts += patch.AttemptsDelta
	if j.Attempts < 0 {
		j.Attempts = 0
	}
}
