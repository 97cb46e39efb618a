// SPDX-License-Identifier: MIT

// Package render is the seam to the audio/video render pipeline. The engine
// itself lives outside this repository; workers drive it through Engine and
// classify its failures with the error types below.
package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/riffbench/riffbench/internal/model"
)

// Spec is everything a render attempt needs, fully resolved: the shootout
// description, local paths for every model artifact, and where to write the
// output.
type Spec struct {
	JobID      string
	Shootout   *model.Shootout
	ModelPaths map[string]string // model_ref -> local artifact path
	InputsRoot string            // DI track paths resolve against this
	OutputPath string            // final artifact location
}

// ProgressFunc receives periodic advancement callbacks from the engine.
// pct is 0..100; implementations must tolerate bursts.
type ProgressFunc func(pct int, msg string)

// Engine renders one spec synchronously. It is CPU-bound and blocking; the
// caller must run it off the I/O paths and must honor cancellation through
// ctx. On success it returns the path of the finished artifact.
type Engine interface {
	Render(ctx context.Context, spec Spec, progress ProgressFunc) (string, error)
}

// TransientError marks a failure worth retrying (I/O hiccups, decode stalls,
// engine restarts).
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render transient: %s: %v", e.Reason, e.Err)
	}
	return "render transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry can fix (invalid shootout
// semantics detected deep in the pipeline, missing model data).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render permanent: %s: %v", e.Reason, e.Err)
	}
	return "render permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable render failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable render failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
