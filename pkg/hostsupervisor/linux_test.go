//go:build linux

package hostsupervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launcherd/launcherd/pkg/helpers/command"
	"github.com/launcherd/launcherd/pkg/policytypes"
)

func TestLinuxSupervisorSpawnAndReap(t *testing.T) {
	sup := NewLinuxSupervisor(context.Background(), &command.RealExecutor{})

	handle, err := sup.Spawn(context.Background(), SpawnRequest{EntryID: "true", Command: "true"})
	require.NoError(t, err)
	assert.NotZero(t, handle.Pid)

	select {
	case ev := <-sup.Subscribe():
		assert.Equal(t, policytypes.EntryId("true"), ev.EntryID)
		assert.Equal(t, 0, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestLinuxSupervisorStopTerminatesSleep(t *testing.T) {
	sup := NewLinuxSupervisor(context.Background(), &command.RealExecutor{})

	handle, err := sup.Spawn(context.Background(), SpawnRequest{EntryID: "sleep", Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, sup.Stop(context.Background(), handle, Forceful, 0))

	select {
	case ev := <-sup.Subscribe():
		assert.Equal(t, policytypes.EntryId("sleep"), ev.EntryID)
		assert.True(t, ev.Signaled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit event after Stop")
	}
}

func TestBuildChildEnvInheritsAllowListedVars(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("SOME_RANDOM_VAR", "should-not-appear")

	env := buildChildEnv(map[string]string{"CUSTOM": "value"})

	assert.Contains(t, env, "PATH=/usr/bin:/bin")
	assert.Contains(t, env, "CUSTOM=value")
	for _, kv := range env {
		assert.NotContains(t, kv, "SOME_RANDOM_VAR")
	}
}

func TestBuildChildEnvCustomOverridesInherited(t *testing.T) {
	t.Setenv("LANG", "en_US.UTF-8")
	env := buildChildEnv(map[string]string{"LANG": "fr_FR.UTF-8"})
	assert.Contains(t, env, "LANG=fr_FR.UTF-8")
	assert.NotContains(t, env, "LANG=en_US.UTF-8")
}

