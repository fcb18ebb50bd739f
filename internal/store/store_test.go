package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicywoowowow/flowtrain/internal/trainer"
)

func setupTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(context.Background(), ":memory:", Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s, now := setupTestStore(t)

	cfg := trainer.DefaultConfig()
	job, err := s.Create(ctx, "job-1", "mnist", cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	*now = now.Add(time.Second)
	require.NoError(t, s.Record(ctx, "job-1", trainer.Started{TotalEpochs: 2, TotalBatches: 3, Device: "cpu"}))
	require.NoError(t, s.Record(ctx, "job-1", trainer.BatchProgress{Epoch: 1, Batch: 0, Loss: 2}))
	require.NoError(t, s.Record(ctx, "job-1", trainer.EpochMetrics{Epoch: 1, TrainLoss: 1, ValLoss: 2, TrainAcc: 0.5, ValAcc: 0.25}))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.EpochsDone)
	assert.Equal(t, &trainer.FinalMetrics{TrainLoss: 1, ValLoss: 2, TrainAcc: 0.5, ValAcc: 0.25}, got.Metrics)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, job.CreatedAt.Add(time.Second), *got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	*now = now.Add(time.Minute)
	final := trainer.FinalMetrics{TrainLoss: 0.5, ValLoss: 0.75, TrainAcc: 0.9, ValAcc: 0.8}
	require.NoError(t, s.Record(ctx, "job-1", trainer.Completed{FinalMetrics: final, Artifact: "AAAA", SizeBytes: 3}))

	got, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.Status.Finished())
	assert.Equal(t, &final, got.Metrics)
	assert.Equal(t, 3, got.ArtifactBytes)
	assert.Equal(t, cfg, got.Config)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, *now, *got.FinishedAt)

	err = s.Abandon(ctx, "job-1")
	assert.ErrorIs(t, err, ErrTransition)
}

func TestSetupFailureFinishesPendingJob(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	_, err := s.Create(ctx, "job-1", "nope", trainer.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, "job-1", trainer.Error{Message: "unknown dataset", FailureKind: trainer.DataFailure}))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, trainer.DataFailure, got.ErrorKind)
	assert.Equal(t, "unknown dataset", got.Error)
	assert.Nil(t, got.Metrics)
	assert.Nil(t, got.StartedAt)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		events  []trainer.Event
		abandon bool
		want    Status
		wantErr error
	}{
		{name: "abandon pending", abandon: true, want: StatusAbandoned},
		{name: "abandon running", events: []trainer.Event{trainer.Started{}}, abandon: true, want: StatusAbandoned},
		{name: "metrics before start", events: []trainer.Event{trainer.EpochMetrics{Epoch: 1}}, want: StatusPending, wantErr: ErrTransition},
		{name: "completed before start", events: []trainer.Event{trainer.Completed{}}, want: StatusPending, wantErr: ErrTransition},
		{name: "started twice", events: []trainer.Event{trainer.Started{}, trainer.Started{}}, want: StatusRunning, wantErr: ErrTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setupTestStore(t)
			_, err := s.Create(ctx, "j", "mnist", trainer.DefaultConfig())
			require.NoError(t, err)

			var last error
			for _, ev := range tt.events {
				if err := s.Record(ctx, "j", ev); err != nil {
					last = err
				}
			}
			if tt.abandon {
				last = s.Abandon(ctx, "j")
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, last, tt.wantErr)
			} else {
				assert.NoError(t, last)
			}

			got, err := s.Get(ctx, "j")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Record(ctx, "missing", trainer.Started{}), ErrNotFound)
	assert.ErrorIs(t, s.Abandon(ctx, "missing"), ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s, now := setupTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id, "synthetic", trainer.DefaultConfig())
		require.NoError(t, err)
		*now = now.Add(time.Second)
	}

	jobs, err := s.List(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	jobs, err = s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "job-1", "mnist", trainer.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, Options{})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "mnist", got.Dataset)
}
