// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riffbench/riffbench/internal/broker"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/store"
)

func validDraft() Draft {
	return Draft{
		Title:    "A",
		DITracks: []model.DITrack{{Path: "u/1.wav"}},
		SignalChains: []model.SignalChain{{
			Name: "c",
			Stages: []model.Stage{
				{Kind: model.StageModel, Parameter: "m1"},
				{Kind: model.StageIR, Parameter: "i1"},
			},
		}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Draft)
		wantField  string
		wantReason string
	}{
		{"valid", func(d *Draft) {}, "", ""},
		{"empty title", func(d *Draft) { d.Title = "" }, "title", "length_1_to_200_required"},
		{"long title", func(d *Draft) { d.Title = strings.Repeat("x", 201) }, "title", "length_1_to_200_required"},
		{"long description", func(d *Draft) { d.Description = strings.Repeat("x", 2001) }, "description", "too_long"},
		{"no tracks", func(d *Draft) { d.DITracks = nil }, "di_tracks", "non_empty_required"},
		{"absolute track path", func(d *Draft) { d.DITracks[0].Path = "/etc/passwd" }, "di_tracks.path", "relative_upload_path_required"},
		{"traversal track path", func(d *Draft) { d.DITracks[0].Path = "../secret.wav" }, "di_tracks.path", "relative_upload_path_required"},
		{"sneaky traversal", func(d *Draft) { d.DITracks[0].Path = "u/../../x.wav" }, "di_tracks.path", "relative_upload_path_required"},
		{"no chains", func(d *Draft) { d.SignalChains = []model.SignalChain{} }, "signal_chains", "non_empty_required"},
		{"chain without stages", func(d *Draft) { d.SignalChains[0].Stages = nil }, "signal_chains.stages", "non_empty_required"},
		{"unknown stage kind", func(d *Draft) { d.SignalChains[0].Stages[0].Kind = "chorus" }, "signal_chains.stages.kind", "unknown_stage_kind"},
		{"empty parameter", func(d *Draft) { d.SignalChains[0].Stages[0].Parameter = "" }, "signal_chains.stages.parameter", "length_1_to_512_required"},
		{"bad model ref", func(d *Draft) { d.SignalChains[0].Stages[0].Parameter = "../evil" }, "signal_chains.stages.parameter", "invalid_model_ref"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := validDraft()
			tc.mutate(&d)
			err := Validate(d)
			if tc.wantField == "" {
				require.NoError(t, err)
				return
			}
			var ive *InvalidShootoutError
			require.ErrorAs(t, err, &ive)
			require.Equal(t, tc.wantField, ive.Field)
			require.Equal(t, tc.wantReason, ive.Reason)
		})
	}
}

func TestSubmitCreatesQueuedJobAndEnqueues(t *testing.T) {
	st := store.NewMemoryStore()
	br := broker.NewMemory(time.Minute)
	adm := New(st, br)

	jobID, err := adm.Submit(context.Background(), "alice", validDraft())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := st.LoadJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.Status)
	require.Equal(t, "alice", job.OwnerID)
	require.Zero(t, job.Attempts)
	require.Zero(t, job.Progress)

	sh, err := st.LoadShootout(context.Background(), job.ShootoutID)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "i1"}, sh.ModelRefs())

	lease, err := br.Lease(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, jobID, lease.JobID)
}

func TestSubmitInvalidWritesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	br := broker.NewMemory(time.Minute)
	adm := New(st, br)

	d := validDraft()
	d.SignalChains = []model.SignalChain{}
	_, err := adm.Submit(context.Background(), "alice", d)

	var ive *InvalidShootoutError
	require.ErrorAs(t, err, &ive)
	require.Equal(t, "signal_chains", ive.Field)
	require.Equal(t, "non_empty_required", ive.Reason)

	jobs, err := st.ListJobs(context.Background(), "alice", store.JobFilter{}, store.Page{})
	require.NoError(t, err)
	require.Empty(t, jobs)

	_, err = br.Lease(context.Background(), "w1", 50*time.Millisecond)
	require.ErrorIs(t, err, broker.ErrEmpty)
}

type downBroker struct {
	broker.Broker
}

func (d *downBroker) Enqueue(ctx context.Context, jobID string, notBefore time.Time) error {
	return errors.New("connection refused")
}

func TestSubmitBrokerDownParksJobPending(t *testing.T) {
	st := store.NewMemoryStore()
	adm := New(st, &downBroker{Broker: broker.NewMemory(time.Minute)})

	jobID, err := adm.Submit(context.Background(), "alice", validDraft())
	require.NoError(t, err, "admission degrades, it does not fail")

	job, err := st.LoadJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, job.Status)
}
