// SPDX-License-Identifier: MIT

package model

// Event is a progress-hub message. The concrete types below are the only
// implementations; Type() matches the wire frame name used by the front door.
type Event interface {
	Type() string
}

// SnapshotEvent is sent once per subscription, drawn from the durable store,
// so a late subscriber never misses the current state.
type SnapshotEvent struct {
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Attempts int       `json:"attempts"`
}

func (SnapshotEvent) Type() string { return "snapshot" }

// ProgressEvent reports render advancement within one attempt.
type ProgressEvent struct {
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

func (ProgressEvent) Type() string { return "progress" }

// TerminalEvent reports the final outcome of a job. Exactly one is delivered
// per subscriber per attempt-sequence.
type TerminalEvent struct {
	Status      JobStatus `json:"status"`
	ResultPath  string    `json:"result_path,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

func (TerminalEvent) Type() string { return "terminal" }

// LaggedEvent marks a subscriber that was detached for not draining. It is
// delivered on the lagging stream only and closes it.
type LaggedEvent struct {
	Reason string `json:"reason"`
}

func (LaggedEvent) Type() string { return "lagged" }
