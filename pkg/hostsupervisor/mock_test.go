package hostsupervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

func TestMockSupervisorSpawnAndFinish(t *testing.T) {
	m := NewMockSupervisor()
	handle, err := m.Spawn(context.Background(), SpawnRequest{EntryID: "game", Command: "/usr/bin/game"})
	require.NoError(t, err)
	assert.NotZero(t, handle.Pid)

	done := make(chan ExitEvent, 1)
	go func() {
		done <- <-m.Subscribe()
	}()
	m.FinishEntry("game", 0, false)

	select {
	case ev := <-done:
		assert.Equal(t, policytypes.EntryId("game"), ev.EntryID)
		assert.Equal(t, 0, ev.ExitCode)
		assert.False(t, ev.Signaled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestMockSupervisorStopRecordsMode(t *testing.T) {
	m := NewMockSupervisor()
	handle, err := m.Spawn(context.Background(), SpawnRequest{EntryID: "game", Command: "/usr/bin/game"})
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background(), handle, Forceful, 0))
	mode, ok := m.StopModeFor("game")
	require.True(t, ok)
	assert.Equal(t, Forceful, mode)
}

func TestMockSupervisorStopUnknownHandleErrors(t *testing.T) {
	m := NewMockSupervisor()
	err := m.Stop(context.Background(), policytypes.HostHandle{Pid: 99999}, Graceful, time.Second)
	assert.Error(t, err)
}

func TestMockSupervisorSpawnErrPropagates(t *testing.T) {
	m := NewMockSupervisor()
	m.SpawnErr = assert.AnError
	_, err := m.Spawn(context.Background(), SpawnRequest{EntryID: "game", Command: "/usr/bin/game"})
	assert.ErrorIs(t, err, assert.AnError)
}
