package orchestrator

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launcherd/launcherd/pkg/config"
	"github.com/launcherd/launcherd/pkg/hostsupervisor"
	"github.com/launcherd/launcherd/pkg/ipc"
	"github.com/launcherd/launcherd/pkg/policy"
	"github.com/launcherd/launcherd/pkg/policytypes"
	"github.com/launcherd/launcherd/pkg/store"
)

// fakeSnapshotStore is a minimal in-memory SnapshotStore for orchestrator
// tests.
type fakeSnapshotStore struct {
	mu   sync.Mutex
	snap store.Snapshot
	has  bool
}

func (s *fakeSnapshotStore) SaveSnapshot(snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.has = snap, true
	return nil
}

func (s *fakeSnapshotStore) LoadSnapshot() (store.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.has, nil
}

func (s *fakeSnapshotStore) ClearSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.has = store.Snapshot{}, false
	return nil
}

// fakeStore is a minimal in-memory policy.Store for orchestrator tests.
type fakeStore struct {
	mu        sync.Mutex
	usage     map[policytypes.EntryId]time.Duration
	cooldowns map[policytypes.EntryId]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{usage: make(map[policytypes.EntryId]time.Duration), cooldowns: make(map[policytypes.EntryId]time.Time)}
}

func (s *fakeStore) DailyUsage(id policytypes.EntryId, _ time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[id], nil
}

func (s *fakeStore) RecordUsage(id policytypes.EntryId, _ time.Time, delta time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id] += delta
	return nil
}

func (s *fakeStore) CooldownUntil(id policytypes.EntryId) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[id]
	return until, ok, nil
}

func (s *fakeStore) SetCooldown(id policytypes.EntryId, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[id] = until
	return nil
}

func (s *fakeStore) AppendAudit(policytypes.AuditEvent) error { return nil }

func testPolicy() *policytypes.Policy {
	return &policytypes.Policy{
		Entries: []policytypes.Entry{
			{
				ID:           "game",
				Label:        "Test Game",
				Kind:         policytypes.KindProcess,
				Payload:      map[string]string{"command": "/usr/bin/true"},
				Availability: policytypes.Availability{Always: true},
			},
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *hostsupervisor.MockSupervisor, clockwork.FakeClock) {
	t.Helper()
	o, supervisor, clock, _ := newTestOrchestratorWithSnapshots(t)
	return o, supervisor, clock
}

func newTestOrchestratorWithSnapshots(t *testing.T) (*Orchestrator, *hostsupervisor.MockSupervisor, clockwork.FakeClock, *fakeSnapshotStore) {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "launcherd.toml"), config.Defaults(dir))
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	engine := policy.New(testPolicy(), newFakeStore(), clock)
	supervisor := hostsupervisor.NewMockSupervisor()
	snaps := &fakeSnapshotStore{}

	o := New(cfg, engine, supervisor, snaps, clock)
	return o, supervisor, clock, snaps
}

func TestOrchestratorLaunchApprovedSpawnsAndStartsSession(t *testing.T) {
	t.Parallel()

	o, supervisor, _ := newTestOrchestrator(t)

	approved, denied, err := o.Launch("game")
	require.NoError(t, err)
	require.Nil(t, denied)
	assert.NotEmpty(t, approved.SessionID)

	sess, ok := o.engine.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, policytypes.EntryId("game"), sess.EntryID)
	assert.NotNil(t, sess.HostHandle)

	_, stopped := supervisor.StopModeFor("game")
	assert.False(t, stopped)
}

func TestOrchestratorLaunchUnknownEntryErrors(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)
	_, _, err := o.Launch("does-not-exist")
	assert.Error(t, err)
}

func TestOrchestratorStopCurrentSendsGracefulByDefault(t *testing.T) {
	t.Parallel()

	o, supervisor, _ := newTestOrchestrator(t)
	_, denied, err := o.Launch("game")
	require.NoError(t, err)
	require.Nil(t, denied)

	require.NoError(t, o.StopCurrent(ipc.StopGraceful))

	mode, ok := supervisor.StopModeFor("game")
	require.True(t, ok)
	assert.Equal(t, hostsupervisor.Graceful, mode)
}

func TestOrchestratorStopCurrentForceModePropagates(t *testing.T) {
	t.Parallel()

	o, supervisor, _ := newTestOrchestrator(t)
	_, denied, err := o.Launch("game")
	require.NoError(t, err)
	require.Nil(t, denied)

	require.NoError(t, o.StopCurrent(ipc.StopForce))

	mode, ok := supervisor.StopModeFor("game")
	require.True(t, ok)
	assert.Equal(t, hostsupervisor.Forceful, mode)
}

func TestOrchestratorStopCurrentWithNoSessionErrors(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)
	assert.Error(t, o.StopCurrent(ipc.StopGraceful))
}

func TestOrchestratorGetStateReflectsEntries(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)
	state := o.GetState()
	assert.Equal(t, 1, state.EntryCount)
	assert.Nil(t, state.CurrentSession)
}

func TestOrchestratorGetHealthReportsLive(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)
	health := o.GetHealth()
	assert.True(t, health.Live)
	assert.True(t, health.HostAdapterOK)
}

func TestOrchestratorLaunchSavesRecoverySnapshot(t *testing.T) {
	t.Parallel()

	o, _, _, snaps := newTestOrchestratorWithSnapshots(t)
	_, denied, err := o.Launch("game")
	require.NoError(t, err)
	require.Nil(t, denied)

	snap, ok, err := snaps.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(snap.State), `"game"`)
}

func TestOrchestratorStopCurrentClearsRecoverySnapshotOnceEnded(t *testing.T) {
	t.Parallel()

	o, supervisor, _, snaps := newTestOrchestratorWithSnapshots(t)
	_, denied, err := o.Launch("game")
	require.NoError(t, err)
	require.Nil(t, denied)

	_, ok, err := snaps.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, o.StopCurrent(ipc.StopForce))
	_, stopped := supervisor.StopModeFor("game")
	require.True(t, stopped)

	o.handleExit(hostsupervisor.ExitEvent{EntryID: "game", Signaled: true})

	_, ok, err = snaps.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok, "snapshot should be cleared once no session is active")
}

func TestOrchestratorLogRecoverySnapshotHandlesNoSnapshot(t *testing.T) {
	t.Parallel()

	o, _, _, _ := newTestOrchestratorWithSnapshots(t)
	assert.NotPanics(t, func() { o.logRecoverySnapshot() })
}

func TestBuildSpawnRequestRejectsMissingCommand(t *testing.T) {
	t.Parallel()

	entry := policytypes.Entry{ID: "bad", Kind: policytypes.KindProcess}
	_, err := buildSpawnRequest(entry)
	assert.Error(t, err)
}

func TestBuildSpawnRequestParsesArgsAndEnv(t *testing.T) {
	t.Parallel()

	entry := policytypes.Entry{
		ID:   "game",
		Kind: policytypes.KindProcess,
		Payload: map[string]string{
			"command": "/usr/bin/game",
			"args":    `["--fullscreen", "--level=3"]`,
			"env.DISPLAY": ":0",
		},
	}
	req, err := buildSpawnRequest(entry)
	require.NoError(t, err)
	assert.Equal(t, []string{"--fullscreen", "--level=3"}, req.Args)
	assert.Equal(t, ":0", req.Env["DISPLAY"])
}
