// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Fake is a deterministic engine for tests and RENDER_ENGINE=fake runs. It
// steps progress from 0 to 100, honors cancellation promptly, and writes a
// marker artifact at spec.OutputPath.
type Fake struct {
	// StepDelay is the pause between progress steps (default 1ms).
	StepDelay time.Duration
	// FailFirst makes the first N attempts fail with a TransientError.
	FailFirst int
	// PermanentFailure, when set, fails every attempt permanently.
	PermanentFailure bool

	attempts atomic.Int64
}

// Attempts reports how many renders were started.
func (f *Fake) Attempts() int { return int(f.attempts.Load()) }

func (f *Fake) Render(ctx context.Context, spec Spec, progress ProgressFunc) (string, error) {
	attempt := f.attempts.Add(1)

	if f.PermanentFailure {
		return "", &PermanentError{Reason: "fake engine configured to fail"}
	}
	if int(attempt) <= f.FailFirst {
		return "", &TransientError{Reason: fmt.Sprintf("fake engine transient failure %d", attempt)}
	}

	delay := f.StepDelay
	if delay <= 0 {
		delay = time.Millisecond
	}

	for pct := 0; pct <= 100; pct += 5 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		if progress != nil {
			progress(pct, fmt.Sprintf("rendering chain %d/%d", 1+pct*len(spec.Shootout.SignalChains)/101, len(spec.Shootout.SignalChains)))
		}
	}

	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return "", &TransientError{Reason: "create output dir", Err: err}
	}
	if err := os.WriteFile(spec.OutputPath, []byte("riffbench-fake-render\n"), 0o644); err != nil {
		return "", &TransientError{Reason: "write output", Err: err}
	}
	return spec.OutputPath, nil
}

var _ Engine = (*Fake)(nil)
