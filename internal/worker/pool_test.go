// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/riffbench/riffbench/internal/artifacts"
	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/creds"
	"github.com/riffbench/riffbench/internal/hub"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/render"
	"github.com/riffbench/riffbench/internal/store"
)

type fakeTokens struct {
	err error
}

func (f fakeTokens) BearerFor(ctx context.Context, ownerID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "tok-" + ownerID, nil
}

type fakeResolver struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	dir       string
}

func (r *fakeResolver) Resolve(ctx context.Context, ownerID, modelRef, bearer string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFirst {
		return "", &artifacts.FetchError{Reason: "registry hiccup"}
	}
	return filepath.Join(r.dir, modelRef+".bin"), nil
}

func (r *fakeResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	st     *store.MemoryStore
	br     *broker.MemoryBroker
	hub    *hub.Hub
	tokens fakeTokens
	models *fakeResolver
	engine *render.Fake
	cfg    Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	return &harness{
		st:     st,
		br:     broker.NewMemory(time.Minute),
		hub:    hub.New(st),
		models: &fakeResolver{dir: t.TempDir()},
		engine: &render.Fake{StepDelay: time.Millisecond},
		cfg: Config{
			Slots:       1,
			LeaseWait:   50 * time.Millisecond,
			MaxAttempts: 3,
			OutputsRoot: t.TempDir(),
			UploadsRoot: t.TempDir(),
			Backoff:     func(int) time.Duration { return 5 * time.Millisecond },
		},
	}
}

// start runs the pool until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	pool := New(h.st, h.br, h.hub, h.tokens, h.models, h.engine, h.cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// admit seeds a queued job with one model and one ir stage and enqueues it.
func (h *harness) admit(t *testing.T, ownerID string) string {
	t.Helper()
	now := time.Now().Unix()
	sh := &model.Shootout{
		ShootoutID: uuid.NewString(),
		OwnerID:    ownerID,
		Title:      "A",
		DITracks:   []model.DITrack{{Path: "u/1.wav"}},
		SignalChains: []model.SignalChain{{
			Name: "c",
			Stages: []model.Stage{
				{Kind: model.StageModel, Parameter: "m1"},
				{Kind: model.StageIR, Parameter: "i1"},
			},
		}},
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	job := &model.Job{
		JobID:         uuid.NewString(),
		ShootoutID:    sh.ShootoutID,
		OwnerID:       ownerID,
		Status:        model.JobQueued,
		CreatedAtUnix: now,
	}
	require.NoError(t, h.st.CreateShootoutAndJob(context.Background(), sh, job))
	require.NoError(t, h.br.Enqueue(context.Background(), job.JobID, time.Now()))
	return job.JobID
}

func (h *harness) waitTerminal(t *testing.T, jobID string) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := h.st.LoadJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

// waitTerminalEvent drains the subscription until the terminal event arrives.
func waitTerminalEvent(t *testing.T, sub *hub.Subscription) model.TerminalEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "stream closed before terminal event")
			if te, isTerminal := ev.(model.TerminalEvent); isTerminal {
				return te
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	jobID := h.admit(t, "alice")

	sub, err := h.hub.Subscribe(context.Background(), jobID)
	require.NoError(t, err)
	defer sub.Close()

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobSucceeded, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, 1, job.Attempts)
	require.NotEmpty(t, job.ResultPath)
	require.FileExists(t, job.ResultPath)
	require.NotZero(t, job.StartedAtUnix)
	require.NotZero(t, job.CompletedAtUnix)
	require.Equal(t, 2, h.models.count(), "one fetch per distinct model ref")

	terminal := waitTerminalEvent(t, sub)
	require.Equal(t, model.JobSucceeded, terminal.Status)
	require.NotEmpty(t, terminal.ResultPath)
}

func TestTransientRenderFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.engine.FailFirst = 2
	jobID := h.admit(t, "alice")

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobSucceeded, job.Status)
	require.Equal(t, 3, job.Attempts, "two transient failures then success")
	require.Equal(t, 3, h.engine.Attempts())
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	h := newHarness(t)
	h.engine.FailFirst = 100
	jobID := h.admit(t, "alice")

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.ErrKindRender, job.ErrorKind)
	require.Equal(t, 3, job.Attempts)
	require.Empty(t, job.ResultPath)
}

func TestReadmissionPastRetryCeilingFails(t *testing.T) {
	h := newHarness(t)
	jobID := h.admit(t, "alice")

	// A worker that dies mid-render leaves the attempt consumed; the reaper
	// re-queues without compensating. Burn the whole ceiling that way.
	ctx := context.Background()
	_, err := h.st.TransitionJob(ctx, jobID, model.JobQueued, model.JobRunning, store.JobPatch{AttemptsDelta: h.cfg.MaxAttempts})
	require.NoError(t, err)
	_, err = h.st.TransitionJob(ctx, jobID, model.JobRunning, model.JobQueued, store.JobPatch{Message: ptr("worker lost")})
	require.NoError(t, err)

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.ErrKindInternal, job.ErrorKind)
	require.Equal(t, h.cfg.MaxAttempts+1, job.Attempts)
	require.Zero(t, h.engine.Attempts(), "render must not start past the ceiling")
}

func TestMissingShootoutFailsPermanently(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	sh := &model.Shootout{
		ShootoutID:    uuid.NewString(),
		OwnerID:       "alice",
		Title:         "A",
		DITracks:      []model.DITrack{{Path: "u/1.wav"}},
		SignalChains:  []model.SignalChain{{Name: "c", Stages: []model.Stage{{Kind: model.StageModel, Parameter: "m1"}}}},
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	job := &model.Job{
		JobID:         uuid.NewString(),
		ShootoutID:    "ghost",
		OwnerID:       "alice",
		Status:        model.JobQueued,
		CreatedAtUnix: now,
	}
	require.NoError(t, h.st.CreateShootoutAndJob(context.Background(), sh, job))
	require.NoError(t, h.br.Enqueue(context.Background(), job.JobID, time.Now()))

	h.start(t)
	got := h.waitTerminal(t, job.JobID)

	require.Equal(t, model.JobFailed, got.Status)
	require.Equal(t, model.ErrKindInternal, got.ErrorKind)
	require.Equal(t, 1, got.Attempts)
	require.Zero(t, h.engine.Attempts(), "render must not start without the parent")
}

// plainErrorEngine fails with an error that is neither transient nor
// permanent, like a bug inside the engine adapter.
type plainErrorEngine struct{}

func (plainErrorEngine) Render(context.Context, render.Spec, render.ProgressFunc) (string, error) {
	return "", errors.New("engine crashed without classification")
}

func TestUnclassifiedFailureExhaustsAsInternal(t *testing.T) {
	h := newHarness(t)
	jobID := h.admit(t, "alice")

	pool := New(h.st, h.br, h.hub, h.tokens, h.models, plainErrorEngine{}, h.cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	job := h.waitTerminal(t, jobID)
	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.ErrKindInternal, job.ErrorKind)
	require.Equal(t, 3, job.Attempts)
}

func TestPermanentRenderFailureNoRetry(t *testing.T) {
	h := newHarness(t)
	h.engine.PermanentFailure = true
	jobID := h.admit(t, "alice")

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.ErrKindRender, job.ErrorKind)
	require.Equal(t, 1, job.Attempts)
}

func TestPermanentAuthFailure(t *testing.T) {
	h := newHarness(t)
	h.tokens = fakeTokens{err: &creds.AuthError{Permanent: true, Reason: "invalid_grant"}}
	jobID := h.admit(t, "alice")

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.ErrKindAuth, job.ErrorKind)
	require.Equal(t, 1, job.Attempts, "permanent failures are not retried")
	require.Zero(t, h.models.count(), "cache untouched without a bearer")
}

func TestTransientModelFetchCompensatesAttempts(t *testing.T) {
	h := newHarness(t)
	h.models.failFirst = 1
	jobID := h.admit(t, "alice")

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobSucceeded, job.Status)
	require.Equal(t, 1, job.Attempts, "fetch retry does not consume an attempt")
}

func TestStaleDeliveryAcked(t *testing.T) {
	h := newHarness(t)
	jobID := h.admit(t, "alice")

	// Settle the job out-of-band, leaving a stale handle in the broker.
	_, err := h.st.TransitionJob(context.Background(), jobID, model.JobQueued, model.JobRunning, store.JobPatch{AttemptsDelta: 1})
	require.NoError(t, err)
	_, err = h.st.TransitionJob(context.Background(), jobID, model.JobRunning, model.JobCancelled, store.JobPatch{ErrorKind: ptr(model.ErrKindCancelled)})
	require.NoError(t, err)

	h.start(t)

	// Give the slot time to consume the delivery, then verify it was acked
	// and the broker drained.
	time.Sleep(200 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := h.br.Lease(context.Background(), "probe", 10*time.Millisecond)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)

	job, err := h.st.LoadJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, job.Status)
	require.Equal(t, 1, job.Attempts, "stale delivery must not touch the row")
}

func TestCancellationWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.engine.StepDelay = 20 * time.Millisecond
	jobID := h.admit(t, "alice")

	sub, err := h.hub.Subscribe(context.Background(), jobID)
	require.NoError(t, err)
	defer sub.Close()

	h.start(t)

	// Trip the cancel token once the render is visibly under way.
	require.Eventually(t, func() bool {
		j, err := h.st.LoadJob(context.Background(), jobID)
		return err == nil && j.Status == model.JobRunning && j.Progress >= 20
	}, 5*time.Second, 5*time.Millisecond)
	h.hub.CancelToken(jobID).Trip()

	job := h.waitTerminal(t, jobID)
	require.Equal(t, model.JobCancelled, job.Status)
	require.Equal(t, model.ErrKindCancelled, job.ErrorKind)
	require.Empty(t, job.ResultPath)

	terminal := waitTerminalEvent(t, sub)
	require.Equal(t, model.JobCancelled, terminal.Status)
	require.Equal(t, model.ErrKindCancelled, terminal.ErrorKind)
}

func TestWallClockCeiling(t *testing.T) {
	h := newHarness(t)
	h.engine.StepDelay = 20 * time.Millisecond
	h.cfg.WallClock = 100 * time.Millisecond
	jobID := h.admit(t, "alice")

	h.start(t)
	job := h.waitTerminal(t, jobID)

	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.ErrKindTimeout, job.ErrorKind)
}

func TestDefaultBackoff(t *testing.T) {
	require.Equal(t, 2*time.Second, DefaultBackoff(0))
	require.Equal(t, 2*time.Second, DefaultBackoff(1))
	require.Equal(t, 4*time.Second, DefaultBackoff(2))
	require.Equal(t, 8*time.Second, DefaultBackoff(3))
	require.Equal(t, 2*time.Minute, DefaultBackoff(20))
}
