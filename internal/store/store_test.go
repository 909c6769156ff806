package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetrecon/internal/model"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func occurrences(base time.Time, n int) []model.Occurrence {
	out := make([]model.Occurrence, n)
	for i := range out {
		start := base.AddDate(0, 0, i)
		out[i] = model.Occurrence{
			SeriesKey:   "Standup|09:30|weekly/1/MO,TU",
			SourceID:    "work",
			InstanceKey: start.Format("2006-01-02"),
			Subject:     "Standup",
			Location:    "Room 1",
			Start:       start,
			End:         start.Add(15 * time.Minute),
			Kind:        model.SourceRegular,
		}
	}
	out[n-1].Kind = model.SourceExceptionMoved
	return out
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC)

	run := Run{
		StartedAt:       base,
		FinishedAt:      base.Add(time.Second),
		WindowStart:     base,
		WindowEnd:       base.AddDate(0, 0, 14),
		SourceCount:     2,
		TruncatedSeries: []string{"a|09:00|daily/1", "b|10:00|weekly/1/MO"},
		Errors:          []string{"source x: boom"},
	}
	occ := occurrences(base, 3)

	id, err := s.SaveRun(ctx, run, occ)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "generated run IDs are UUIDs")

	got, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 3, got.OccurrenceCount)
	assert.Equal(t, run.TruncatedSeries, got.TruncatedSeries)
	assert.Equal(t, run.Errors, got.Errors)
	assert.True(t, got.WindowEnd.Equal(run.WindowEnd))

	stored, err := s.Occurrences(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, occ, stored)
}

func TestStore_LatestRunEmpty(t *testing.T) {
	s := openMemory(t)
	_, err := s.LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestStore_LatestAndPrune(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := range 4 {
		started := base.Add(time.Duration(i) * time.Hour)
		id, err := s.SaveRun(ctx, Run{StartedAt: started, FinishedAt: started}, occurrences(started, 2))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[3], latest.ID)

	removed, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	old, err := s.Occurrences(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, old, "occurrences cascade with their run")

	kept, err := s.Occurrences(ctx, ids[2])
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}

func TestStore_ExplicitIDAndFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	id, err := s.SaveRun(context.Background(), Run{ID: "fixed"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	_, err = s.SaveRun(context.Background(), Run{ID: "fixed"}, nil)
	assert.Error(t, err, "duplicate run IDs are rejected")
}
