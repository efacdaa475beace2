package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "launcherd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDailyUsageAccumulatesAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	require.NoError(t, s.RecordUsage("game", day, 5*time.Minute))
	require.NoError(t, s.RecordUsage("game", day, 3*time.Minute))

	used, err := s.DailyUsage("game", day)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Minute, used)
}

func TestDailyUsageIsolatedByDay(t *testing.T) {
	s := openTestStore(t)
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.Local)

	require.NoError(t, s.RecordUsage("game", day1, 5*time.Minute))
	require.NoError(t, s.RecordUsage("game", day2, 2*time.Minute))

	used1, err := s.DailyUsage("game", day1)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, used1)

	used2, err := s.DailyUsage("game", day2)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, used2)
}

func TestDailyUsageUnknownEntryIsZero(t *testing.T) {
	s := openTestStore(t)
	used, err := s.DailyUsage("nonexistent", time.Now())
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestCooldownRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.CooldownUntil("game")
	require.NoError(t, err)
	assert.False(t, ok)

	until := time.Now().Add(15 * time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.SetCooldown("game", until))

	got, ok, err := s.CooldownUntil("game")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, until.Equal(got))
}

func TestCooldownOverwritesPreviousValue(t *testing.T) {
	s := openTestStore(t)
	first := time.Now().Add(5 * time.Minute)
	second := time.Now().Add(20 * time.Minute)

	require.NoError(t, s.SetCooldown("game", first))
	require.NoError(t, s.SetCooldown("game", second))

	got, ok, err := s.CooldownUntil("game")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, second.Equal(got))
}

func TestAppendAuditAndQuery(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.AppendAudit(policytypes.AuditEvent{
		Timestamp: now,
		Type:      policytypes.AuditSessionStarted,
		Fields:    map[string]any{"session": "abc"},
	}))
	require.NoError(t, s.AppendAudit(policytypes.AuditEvent{
		Timestamp: now.Add(time.Second),
		Type:      policytypes.AuditSessionEnded,
		Fields:    map[string]any{"session": "abc", "reason": "user_stop"},
	}))

	events, err := s.QueryAudit(context.Background(), now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, policytypes.AuditSessionStarted, events[0].Type)
	assert.Equal(t, policytypes.AuditSessionEnded, events[1].Type)
}

func TestQueryAuditRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(policytypes.AuditEvent{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Type:      policytypes.AuditWarningIssued,
			Fields:    map[string]any{},
		}))
	}
	events, err := s.QueryAudit(context.Background(), now.Add(-time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)

	snap := Snapshot{TakenAt: time.Now().Truncate(time.Millisecond), State: []byte(`{"session_id":"abc"}`)}
	require.NoError(t, s.SaveSnapshot(snap))

	got, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(snap.State), string(got.State))

	require.NoError(t, s.ClearSnapshot())
	_, ok, err = s.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotSaveOverwritesSingleRow(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSnapshot(Snapshot{TakenAt: time.Now(), State: []byte(`{"a":1}`)}))
	require.NoError(t, s.SaveSnapshot(Snapshot{TakenAt: time.Now(), State: []byte(`{"a":2}`)}))

	got, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":2}`, string(got.State))
}
