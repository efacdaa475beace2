//go:build linux

package hostsupervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/launcherd/launcherd/pkg/helpers/command"
	"github.com/launcherd/launcherd/pkg/policytypes"
)

// descendantPollInterval is not used by any loop in this package:
// descendants are found by a single /proc walk each time Stop signals
// them, and nothing polls /proc in between. Directly-spawned children are
// reaped via Cmd.Wait() in a dedicated goroutine — Go's runtime already
// parks efficiently on wait4, so there is no reason to poll those.
const descendantPollInterval = 100 * time.Millisecond

type managedProcess struct {
	cmd      *exec.Cmd
	entryID  policytypes.EntryId
	pid      int
	pgid     int
	command  string
	snapName string
}

// LinuxSupervisor is the production Supervisor for Linux: it spawns
// children detached into their own session (setsid), reaps them via
// Cmd.Wait(), and terminates them through the graceful-SIGTERM-then-
// SIGKILL escalation contract, including descendant processes that
// escaped the process group and snap scopes killed via systemd.
type LinuxSupervisor struct {
	executor command.Executor

	mu      sync.Mutex
	managed map[policytypes.EntryId]*managedProcess

	events chan ExitEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLinuxSupervisor constructs a LinuxSupervisor. Once ctx is canceled,
// a reaper goroutine whose ExitEvent nobody receives gives up instead of
// blocking; the Subscribe channel itself is never closed.
func NewLinuxSupervisor(ctx context.Context, executor command.Executor) *LinuxSupervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &LinuxSupervisor{
		executor: executor,
		managed:  make(map[policytypes.EntryId]*managedProcess),
		events:   make(chan ExitEvent, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

var _ Supervisor = (*LinuxSupervisor)(nil)

func (s *LinuxSupervisor) Capabilities() Capability {
	return CapProcess | CapSnap | CapCustom
}

func (s *LinuxSupervisor) Subscribe() <-chan ExitEvent {
	return s.events
}

// Spawn starts req.Command in a new session (setsid) so the whole
// resulting process group can be signaled as a unit later.
func (s *LinuxSupervisor) Spawn(ctx context.Context, req SpawnRequest) (policytypes.HostHandle, error) {
	if req.Command == "" {
		return policytypes.HostHandle{}, fmt.Errorf("hostsupervisor: empty command")
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = buildChildEnv(req.Env)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o755); err != nil {
			log.Warn().Err(err).Str("path", req.LogPath).Msg("failed to create log directory, inheriting output instead")
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		} else if f, err := os.Create(req.LogPath); err != nil {
			log.Warn().Err(err).Str("path", req.LogPath).Msg("failed to open log file, inheriting output instead")
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		} else {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return policytypes.HostHandle{}, fmt.Errorf("hostsupervisor: spawn %s: %w", req.Command, err)
	}

	pid := cmd.Process.Pid
	handle := policytypes.HostHandle{
		Pid:       pid,
		Pgid:      pid, // after setsid, pid == pgid
		Command:   req.Command,
		SnapScope: req.SnapName,
	}

	mp := &managedProcess{cmd: cmd, entryID: req.EntryID, pid: pid, pgid: pid, command: req.Command, snapName: req.SnapName}
	s.mu.Lock()
	s.managed[req.EntryID] = mp
	s.mu.Unlock()

	go s.reap(mp, handle)

	log.Info().Int("pid", pid).Str("command", req.Command).Str("entry", string(req.EntryID)).Msg("process spawned")
	return handle, nil
}

// reap blocks on Cmd.Wait() and publishes the resulting ExitEvent. This
// runs once per spawned child for its whole lifetime.
func (s *LinuxSupervisor) reap(mp *managedProcess, handle policytypes.HostHandle) {
	err := mp.cmd.Wait()

	s.mu.Lock()
	delete(s.managed, mp.entryID)
	s.mu.Unlock()

	ev := ExitEvent{EntryID: mp.entryID, Handle: handle}
	if err == nil {
		ev.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				ev.Signaled = true
				ev.ExitCode = -1
			} else {
				ev.ExitCode = status.ExitStatus()
			}
		} else {
			ev.ExitCode = exitErr.ExitCode()
		}
	} else {
		ev.ExitCode = -1
	}

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// snapKillRetries and snapKillRetryInterval bound how long Stop waits for a
// snap scope to appear under the cgroup path before giving up: a scope
// that loses the race against the snap launcher's own startup is retried
// rather than treated as "nothing to kill".
const (
	snapKillRetries       = 5
	snapKillRetryInterval = 100 * time.Millisecond
)

// Stop implements the four-step termination contract in order: kill any
// snap scope, kill processes matching the command name, SIGTERM the
// process group, then SIGTERM any descendants that escaped the group.
// After gracePeriod in Graceful mode (or immediately in Forceful mode),
// the command-name, process-group, and descendant steps repeat with
// SIGKILL. Snap-backed handles are always SIGKILLed via the systemd scope,
// regardless of mode, and never fall through to the other three steps.
func (s *LinuxSupervisor) Stop(ctx context.Context, handle policytypes.HostHandle, mode TerminateMode, gracePeriod time.Duration) error {
	if handle.SnapScope != "" {
		for attempt := 0; attempt < snapKillRetries; attempt++ {
			if killSnapScopes(ctx, s.executor, handle.SnapScope) {
				return nil
			}
			select {
			case <-time.After(snapKillRetryInterval):
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	}

	signalByCommandName(handle.Command, unix.SIGTERM)
	signalProcessGroup(handle.Pgid, unix.SIGTERM)
	signalDescendants(handle.Pid, unix.SIGTERM)

	if mode == Forceful {
		signalByCommandName(handle.Command, unix.SIGKILL)
		signalProcessGroup(handle.Pgid, unix.SIGKILL)
		signalDescendants(handle.Pid, unix.SIGKILL)
		return nil
	}

	select {
	case <-time.After(gracePeriod):
	case <-ctx.Done():
	}

	if !s.stillRunning(handle.Pid) {
		return nil
	}
	signalByCommandName(handle.Command, unix.SIGKILL)
	signalProcessGroup(handle.Pgid, unix.SIGKILL)
	signalDescendants(handle.Pid, unix.SIGKILL)
	return nil
}

func (s *LinuxSupervisor) stillRunning(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mp := range s.managed {
		if mp.pid == pid {
			return true
		}
	}
	return false
}

// signalProcessGroup sends sig to the negative pgid (the whole group).
// ESRCH ("no such process") means the group is already gone, which is
// success from the caller's point of view.
func signalProcessGroup(pgid int, sig syscall.Signal) {
	if err := unix.Kill(-pgid, sig); err != nil && err != unix.ESRCH {
		log.Debug().Err(err).Int("pgid", pgid).Str("signal", sig.String()).Msg("failed to signal process group")
	}
}

// signalByCommandName signals every process on the system whose comm field
// matches command, independent of process-group or descendant membership —
// it catches a child that re-exec'd itself fully detached from both.
func signalByCommandName(command string, sig syscall.Signal) {
	if command == "" {
		return
	}
	pids := pidsByCommandName(command)
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			log.Debug().Err(err).Int("pid", pid).Msg("failed to signal process by command name")
		}
	}
	if len(pids) > 0 {
		log.Debug().Ints("pids", pids).Str("command", command).Msg("signaled processes by command name")
	}
}

// signalDescendants walks /proc for every process descended from rootPid
// and signals each directly, covering children that called setsid
// themselves and escaped the original process group.
func signalDescendants(rootPid int, sig syscall.Signal) {
	pids := descendantPids(rootPid)
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			log.Debug().Err(err).Int("pid", pid).Msg("failed to signal descendant")
		}
	}
	if len(pids) > 0 {
		log.Debug().Ints("descendants", pids).Msg("signaled descendant processes")
	}
}

