// SPDX-License-Identifier: MIT

package render

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Exec drives an external engine binary. The render spec is written to
// stdin as JSON; the binary reports on stdout, one line per event:
//
//	progress <pct> <message>
//	result <path>
//
// Exit code 0 requires a result line. Exit code 2 marks the spec as
// unrenderable; any other failure is treated as transient.
type Exec struct {
	Binary string
}

// permanentExitCode is the engine's "this spec can never render" signal.
const permanentExitCode = 2

func (e *Exec) Render(ctx context.Context, spec Spec, progress ProgressFunc) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", &PermanentError{Reason: "encode render spec", Err: err}
	}

	cmd := exec.CommandContext(ctx, e.Binary)
	cmd.Stdin = bytes.NewReader(payload)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &TransientError{Reason: "engine stdout pipe", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &TransientError{Reason: "start engine", Err: err}
	}

	var resultPath string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "progress "):
			rest := strings.TrimPrefix(line, "progress ")
			pctStr, msg, _ := strings.Cut(rest, " ")
			pct, err := strconv.Atoi(pctStr)
			if err != nil || pct < 0 || pct > 100 {
				continue
			}
			if progress != nil {
				progress(pct, msg)
			}
		case strings.HasPrefix(line, "result "):
			resultPath = strings.TrimPrefix(line, "result ")
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == permanentExitCode {
			return "", &PermanentError{Reason: engineFailure(detail), Err: waitErr}
		}
		return "", &TransientError{Reason: engineFailure(detail), Err: waitErr}
	}
	if err := scanner.Err(); err != nil {
		return "", &TransientError{Reason: "read engine output", Err: err}
	}

	if resultPath == "" {
		return "", &TransientError{Reason: "engine exited without a result line"}
	}
	return resultPath, nil
}

func engineFailure(stderr string) string {
	if stderr == "" {
		return "engine failed"
	}
	return fmt.Sprintf("engine failed: %s", stderr)
}

var _ Engine = (*Exec)(nil)
