// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riffbench/riffbench/internal/model"
)

func openImpls(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func seedJob(t *testing.T, s Store, jobID, owner string, status model.JobStatus) *model.Job {
	t.Helper()
	sh := &model.Shootout{
		ShootoutID:   "sh-" + jobID,
		OwnerID:      owner,
		Title:        "test",
		DITracks:     []model.DITrack{{Path: "u/1.wav"}},
		SignalChains: []model.SignalChain{{Name: "c", Stages: []model.Stage{{Kind: model.StageModel, Parameter: "m1"}}}},
	}
	j := &model.Job{
		JobID:         jobID,
		ShootoutID:    sh.ShootoutID,
		OwnerID:       owner,
		Status:        status,
		CreatedAtUnix: time.Now().Unix(),
	}
	require.NoError(t, s.CreateShootoutAndJob(context.Background(), sh, j))
	return j
}

func TestCreateAndLoad(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedJob(t, s, "j1", "alice", model.JobQueued)

			j, err := s.LoadJob(context.Background(), "j1")
			require.NoError(t, err)
			require.Equal(t, model.JobQueued, j.Status)
			require.Equal(t, "alice", j.OwnerID)

			sh, err := s.LoadShootout(context.Background(), j.ShootoutID)
			require.NoError(t, err)
			require.Len(t, sh.SignalChains, 1)

			_, err = s.LoadJob(context.Background(), "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreateDuplicateJobConflicts(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			j := seedJob(t, s, "j1", "alice", model.JobQueued)
			sh := &model.Shootout{ShootoutID: "sh-x", OwnerID: "alice"}
			require.ErrorIs(t, s.CreateShootoutAndJob(context.Background(), sh, j), ErrConflict)
		})
	}
}

func TestTransitionCAS(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedJob(t, s, "j1", "alice", model.JobQueued)
			now := time.Now().Unix()

			j, err := s.TransitionJob(context.Background(), "j1", model.JobQueued, model.JobRunning, JobPatch{
				StartedAtUnix: &now,
				AttemptsDelta: 1,
			})
			require.NoError(t, err)
			require.Equal(t, model.JobRunning, j.Status)
			require.Equal(t, 1, j.Attempts)
			require.Equal(t, now, j.StartedAtUnix)

			// Lost race: from no longer matches.
			_, err = s.TransitionJob(context.Background(), "j1", model.JobQueued, model.JobRunning, JobPatch{})
			require.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestTerminalIsImmutable(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedJob(t, s, "j1", "alice", model.JobQueued)
			_, err := s.TransitionJob(context.Background(), "j1", model.JobQueued, model.JobRunning, JobPatch{AttemptsDelta: 1})
			require.NoError(t, err)

			progress := 100
			result := "/out/j1.mp4"
			_, err = s.TransitionJob(context.Background(), "j1", model.JobRunning, model.JobSucceeded, JobPatch{
				Progress:   &progress,
				ResultPath: &result,
			})
			require.NoError(t, err)

			// No transition out of a terminal state, not even to another terminal.
			_, err = s.TransitionJob(context.Background(), "j1", model.JobSucceeded, model.JobFailed, JobPatch{})
			require.ErrorIs(t, err, ErrConflict)

			// Progress writes bounce off terminal rows.
			require.ErrorIs(t, s.UpdateJobProgress(context.Background(), "j1", 50, "late"), ErrConflict)

			j, err := s.LoadJob(context.Background(), "j1")
			require.NoError(t, err)
			require.Equal(t, model.JobSucceeded, j.Status)
			require.Equal(t, 100, j.Progress)
			require.Equal(t, result, j.ResultPath)
		})
	}
}

func TestClearJobResult(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedJob(t, s, "j1", "alice", model.JobQueued)
			_, err := s.TransitionJob(context.Background(), "j1", model.JobQueued, model.JobRunning, JobPatch{})
			require.NoError(t, err)

			// Retention GC may only touch terminal rows.
			require.ErrorIs(t, s.ClearJobResult(context.Background(), "j1"), ErrConflict)

			progress := 100
			result := "/out/j1.mp4"
			_, err = s.TransitionJob(context.Background(), "j1", model.JobRunning, model.JobSucceeded, JobPatch{
				Progress: &progress, ResultPath: &result,
			})
			require.NoError(t, err)

			require.NoError(t, s.ClearJobResult(context.Background(), "j1"))
			j, err := s.LoadJob(context.Background(), "j1")
			require.NoError(t, err)
			require.Empty(t, j.ResultPath)
			require.Equal(t, model.JobSucceeded, j.Status)
		})
	}
}

func TestUpdateJobProgressRequiresRunning(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedJob(t, s, "j1", "alice", model.JobQueued)
			require.ErrorIs(t, s.UpdateJobProgress(context.Background(), "j1", 10, "early"), ErrConflict)

			_, err := s.TransitionJob(context.Background(), "j1", model.JobQueued, model.JobRunning, JobPatch{})
			require.NoError(t, err)
			require.NoError(t, s.UpdateJobProgress(context.Background(), "j1", 10, "rendering"))

			j, err := s.LoadJob(context.Background(), "j1")
			require.NoError(t, err)
			require.Equal(t, 10, j.Progress)
			require.Equal(t, "rendering", j.Message)
		})
	}
}

func TestListJobsOwnerScopedAndPaged(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			seedJob(t, s, "j1", "alice", model.JobQueued)
			seedJob(t, s, "j2", "alice", model.JobQueued)
			seedJob(t, s, "j3", "bob", model.JobQueued)

			jobs, err := s.ListJobs(context.Background(), "alice", JobFilter{}, Page{})
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			for _, j := range jobs {
				require.Equal(t, "alice", j.OwnerID)
			}

			jobs, err = s.ListJobs(context.Background(), "alice", JobFilter{}, Page{Offset: 1, Limit: 1})
			require.NoError(t, err)
			require.Len(t, jobs, 1)

			jobs, err = s.ListJobs(context.Background(), "alice", JobFilter{Status: model.JobRunning}, Page{})
			require.NoError(t, err)
			require.Empty(t, jobs)
		})
	}
}

func TestCredentialRoundtrip(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetCredential(context.Background(), "alice")
			require.ErrorIs(t, err, ErrNotFound)

			cred := &model.Credential{
				OwnerID:         "alice",
				AccessToken:     "at-1",
				RefreshToken:    "rt-1",
				AccessExpiresAt: time.Now().Add(time.Hour).Unix(),
			}
			require.NoError(t, s.PutCredential(context.Background(), cred))

			got, err := s.GetCredential(context.Background(), "alice")
			require.NoError(t, err)
			require.Equal(t, "at-1", got.AccessToken)

			require.NoError(t, s.DeleteCredential(context.Background(), "alice"))
			_, err = s.GetCredential(context.Background(), "alice")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeleteCredentialMissing(t *testing.T) {
	for name, s := range openImpls(t) {
		t.Run(name, func(t *testing.T) {
			err := s.DeleteCredential(context.Background(), "nobody")
			require.ErrorIs(t, err, ErrNotFound)

			cred := &model.Credential{OwnerID: "bob", RefreshToken: "rt-1"}
			require.NoError(t, s.PutCredential(context.Background(), cred))
			require.NoError(t, s.DeleteCredential(context.Background(), "bob"))

			err = s.DeleteCredential(context.Background(), "bob")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
