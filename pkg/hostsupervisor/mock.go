package hostsupervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

// MockSupervisor is a Supervisor implementation for engine and
// orchestrator tests: Spawn never touches the OS, and tests drive exits
// by calling FinishEntry directly.
type MockSupervisor struct {
	mu       sync.Mutex
	nextPid  int
	running  map[policytypes.EntryId]policytypes.HostHandle
	stopped  map[policytypes.EntryId]TerminateMode
	events   chan ExitEvent
	SpawnErr error
}

// NewMockSupervisor constructs an empty MockSupervisor.
func NewMockSupervisor() *MockSupervisor {
	return &MockSupervisor{
		nextPid: 1000,
		running: make(map[policytypes.EntryId]policytypes.HostHandle),
		stopped: make(map[policytypes.EntryId]TerminateMode),
		events:  make(chan ExitEvent, 16),
	}
}

func (m *MockSupervisor) Capabilities() Capability {
	return CapProcess | CapSnap | CapVM | CapMedia | CapCustom
}

func (m *MockSupervisor) Spawn(_ context.Context, req SpawnRequest) (policytypes.HostHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SpawnErr != nil {
		return policytypes.HostHandle{}, m.SpawnErr
	}
	m.nextPid++
	handle := policytypes.HostHandle{Pid: m.nextPid, Pgid: m.nextPid, Command: req.Command, SnapScope: req.SnapName}
	m.running[req.EntryID] = handle
	return handle, nil
}

func (m *MockSupervisor) Stop(_ context.Context, handle policytypes.HostHandle, mode TerminateMode, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.running {
		if h.Pid == handle.Pid {
			m.stopped[id] = mode
			return nil
		}
	}
	return fmt.Errorf("hostsupervisor: mock has no tracked process with pid %d", handle.Pid)
}

func (m *MockSupervisor) Subscribe() <-chan ExitEvent {
	return m.events
}

// FinishEntry simulates entryID's process exiting with the given code,
// publishing the corresponding ExitEvent.
func (m *MockSupervisor) FinishEntry(entryID policytypes.EntryId, exitCode int, signaled bool) {
	m.mu.Lock()
	handle, ok := m.running[entryID]
	if ok {
		delete(m.running, entryID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.events <- ExitEvent{EntryID: entryID, Handle: handle, ExitCode: exitCode, Signaled: signaled}
}

// StopModeFor reports how entryID was last asked to stop, for assertions.
func (m *MockSupervisor) StopModeFor(entryID policytypes.EntryId) (TerminateMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.stopped[entryID]
	return mode, ok
}

var _ Supervisor = (*MockSupervisor)(nil)
