// Package hostsupervisor owns every interaction with the OS process table:
// spawning entries, tracking their exit, and terminating them through the
// graceful-then-forceful escalation contract. The engine never touches
// exec.Cmd directly; it only sees the Supervisor interface, so it can be
// driven against MockSupervisor in tests.
package hostsupervisor

import (
	"context"
	"time"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

// Capability is a bit-flag describing what a supervisor implementation
// can do, so the engine can reject entries of an unsupported kind before
// ever attempting to spawn them.
type Capability uint32

const (
	CapProcess Capability = 1 << iota
	CapSnap
	CapVM
	CapMedia
	CapCustom
)

// SpawnRequest is everything the supervisor needs to start one entry.
type SpawnRequest struct {
	EntryID    policytypes.EntryId
	Kind       policytypes.EntryKind
	Command    string
	Args       []string
	Env        map[string]string
	WorkDir    string
	LogPath    string
	SnapName   string // set only when Kind == KindSnap
}

// TerminateMode selects how Stop escalates.
type TerminateMode int

const (
	// Graceful sends SIGTERM first and waits GracePeriod before escalating.
	// Snap scopes are always SIGKILLed regardless of this mode — see
	// LinuxSupervisor.Stop.
	Graceful TerminateMode = iota
	// Forceful sends SIGKILL right after the SIGTERM pass, without waiting.
	Forceful
)

// ExitEvent reports that a previously spawned process has exited, whether
// on its own or as a result of Stop.
type ExitEvent struct {
	EntryID  policytypes.EntryId
	Handle   policytypes.HostHandle
	ExitCode int
	Signaled bool
}

// Supervisor is the production/mock-swappable interface the policy engine
// and orchestrator depend on for all process lifecycle operations.
type Supervisor interface {
	// Capabilities reports which EntryKinds this supervisor can spawn.
	Capabilities() Capability

	// Spawn starts req and returns the resulting host handle. The process
	// runs in its own session (setsid) so the supervisor can terminate the
	// whole group later without affecting the service itself.
	Spawn(ctx context.Context, req SpawnRequest) (policytypes.HostHandle, error)

	// Stop terminates the process identified by handle, escalating from
	// SIGTERM to SIGKILL after gracePeriod when mode is Graceful. In
	// Graceful mode it waits out gracePeriod (or until ctx is done) before
	// escalating; actual exit is reported asynchronously through the
	// Subscribe channel.
	Stop(ctx context.Context, handle policytypes.HostHandle, mode TerminateMode, gracePeriod time.Duration) error

	// Subscribe returns a channel of ExitEvents for processes this
	// supervisor spawned or is tracking. LinuxSupervisor never closes this
	// channel.
	Subscribe() <-chan ExitEvent
}
