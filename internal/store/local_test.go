package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per pool until Close
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := SessionRecord{ID: "abc", Status: "active", CreatedAt: created, LastActive: created}
	require.NoError(t, s.SaveSession(ctx, rec))

	got, ok, err := s.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	rec.Status = "paused"
	rec.LastActive = created.Add(time.Minute)
	rec.LastRunID = "run-1"
	rec.ManualAssistMessage = "solve captcha"
	rec.ManualAssistScreenshot = "screenshots/manual_assist.png"
	rec.ManualAssistRunID = "run-1"
	require.NoError(t, s.SaveSession(ctx, rec))

	got, ok, err = s.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok, err = s.GetSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListAndCloseOrphaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "a", Status: "active", CreatedAt: base, LastActive: base}))
	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "b", Status: "paused", CreatedAt: base, LastActive: base.Add(time.Hour)}))
	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "c", Status: "closed", CreatedAt: base, LastActive: base.Add(-time.Hour)}))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].ID)

	n, err := s.CloseOrphanedSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	list, err = s.ListSessions(ctx)
	require.NoError(t, err)
	for _, rec := range list {
		assert.Equal(t, "closed", rec.Status, rec.ID)
	}
}

func TestRunsForSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r1", SessionID: "s", Status: "running", StartedAt: t0}))
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r2", SessionID: "s", Status: "running", StartedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r3", SessionID: "other", Status: "ok", StartedAt: t0}))

	done := t0.Add(2 * time.Minute)
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r1", SessionID: "s", Status: "ok", StartedAt: t0, FinishedAt: &done}))

	runs, err := s.RunsForSession(ctx, "s")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, "ok", runs[1].Status)
	require.NotNil(t, runs[1].FinishedAt)
	assert.True(t, done.Equal(*runs[1].FinishedAt))
}
