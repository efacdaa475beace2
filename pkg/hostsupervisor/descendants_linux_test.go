//go:build linux

package hostsupervisor

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescendantPidsFindsChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	// Give the child a moment to appear in /proc.
	var found []int
	for i := 0; i < 20; i++ {
		found = descendantPids(os.Getpid())
		if contains(found, cmd.Process.Pid) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Contains(t, found, cmd.Process.Pid)
}

func TestDescendantPidsEmptyForLeafProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	assert.Empty(t, descendantPids(cmd.Process.Pid))
}

func TestPidsByCommandNameFindsChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	var found []int
	for i := 0; i < 20; i++ {
		found = pidsByCommandName("sleep")
		if contains(found, cmd.Process.Pid) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Contains(t, found, cmd.Process.Pid)
}

func TestPidsByCommandNameMatchesBaseOfFullPath(t *testing.T) {
	// Truncation is a no-op here since "sleep" is short, but a command given
	// as a full path must still match processes by their short comm name.
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	var found []int
	for i := 0; i < 20; i++ {
		found = pidsByCommandName("/bin/sleep")
		if contains(found, cmd.Process.Pid) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Contains(t, found, cmd.Process.Pid)
}

func TestParseComm(t *testing.T) {
	comm, ok := parseComm("1234 (sleep) S 1 1234 1234 0 -1 4194560")
	require.True(t, ok)
	assert.Equal(t, "sleep", comm)
}

func TestParseCommHandlesParensInName(t *testing.T) {
	comm, ok := parseComm("1234 (my (weird) proc) S 42 1234 1234 0 -1 4194560")
	require.True(t, ok)
	assert.Equal(t, "my (weird) proc", comm)
}

func TestParsePpid(t *testing.T) {
	ppid, ok := parsePpid("1234 (sleep) S 1 1234 1234 0 -1 4194560")
	require.True(t, ok)
	assert.Equal(t, 1, ppid)
}

func TestParsePpidHandlesParensInComm(t *testing.T) {
	ppid, ok := parsePpid("1234 (my (weird) proc) S 42 1234 1234 0 -1 4194560")
	require.True(t, ok)
	assert.Equal(t, 42, ppid)
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
