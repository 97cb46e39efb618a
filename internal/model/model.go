// SPDX-License-Identifier: MIT

// Package model holds the persisted records and state enums shared by the
// orchestration core. It is deliberately dependency-free.
package model

// JobStatus is the client-visible lifecycle of a render job.
// Keep these stable: persisted rows, metrics and clients depend on them.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is a final state. Terminal rows are
// immutable except for retention bookkeeping.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ErrorKind is a compact, stable failure signal surfaced to clients.
type ErrorKind string

const (
	ErrKindOK          ErrorKind = "ok"
	ErrKindInvalidSpec ErrorKind = "invalid_spec"
	ErrKindAuth        ErrorKind = "auth"
	ErrKindModelFetch  ErrorKind = "model_fetch"
	ErrKindRender      ErrorKind = "render"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindCancelled   ErrorKind = "cancelled"
	ErrKindInternal    ErrorKind = "internal"
)

// StageKind tags a processing step inside a signal chain.
type StageKind string

const (
	StageModel  StageKind = "model"
	StageIR     StageKind = "ir"
	StageEQ     StageKind = "eq"
	StageReverb StageKind = "reverb"
	StageDelay  StageKind = "delay"
	StageGain   StageKind = "gain"
)

// Valid reports whether k is one of the recognized stage kinds.
func (k StageKind) Valid() bool {
	switch k {
	case StageModel, StageIR, StageEQ, StageReverb, StageDelay, StageGain:
		return true
	}
	return false
}

// Stage is one tagged processing step. Parameter shape depends on Kind
// (model/ir: artifact reference, eq/reverb/delay/gain: preset string).
type Stage struct {
	Kind      StageKind `json:"kind"`
	Parameter string    `json:"parameter"`
}

// DITrack references one direct-input recording by upload-relative path.
type DITrack struct {
	Path   string `json:"path"`
	Guitar string `json:"guitar,omitempty"`
	Pickup string `json:"pickup,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// SignalChain is an ordered sequence of stages applied to every DI track.
type SignalChain struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Stages      []Stage `json:"stages"`
}

// Shootout is the user-declared work description: signal chains crossed with
// DI tracks. One shootout spawns exactly one job.
type Shootout struct {
	ShootoutID    string        `json:"shootout_id"`
	OwnerID       string        `json:"owner_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	DITracks      []DITrack     `json:"di_tracks"`
	SignalChains  []SignalChain `json:"signal_chains"`
	CreatedAtUnix int64         `json:"created_at"`
	UpdatedAtUnix int64         `json:"updated_at"`
}

// ModelRefs returns the distinct model and IR artifact references across all
// chains, in first-seen order. These are the artifacts a worker must resolve
// before rendering.
func (s *Shootout) ModelRefs() []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, c := range s.SignalChains {
		for _, st := range c.Stages {
			if st.Kind != StageModel && st.Kind != StageIR {
				continue
			}
			if _, ok := seen[st.Parameter]; ok {
				continue
			}
			seen[st.Parameter] = struct{}{}
			refs = append(refs, st.Parameter)
		}
	}
	return refs
}

// Job is the executable unit derived from one shootout.
// Field names are canonical wire names; do not rename.
type Job struct {
	JobID           string    `json:"job_id"`
	ShootoutID      string    `json:"shootout_id"`
	OwnerID         string    `json:"owner_id"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message,omitempty"`
	Attempts        int       `json:"attempts"`
	ResultPath      string    `json:"result_path,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	CreatedAtUnix   int64     `json:"created_at"`
	StartedAtUnix   int64     `json:"started_at,omitempty"`
	CompletedAtUnix int64     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy. Store implementations hand out clones so callers
// can never mutate committed state in place.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}

// Credential is the per-owner secret used to fetch model artifacts.
type Credential struct {
	OwnerID         string `json:"owner_id"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	AccessExpiresAt int64  `json:"access_expires_at"`
	RefreshedAtUnix int64  `json:"refreshed_at"`
	Broken          bool   `json:"broken,omitempty"`
}
