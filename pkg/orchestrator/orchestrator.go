// Package orchestrator wires the policy engine, host process supervisor,
// and IPC server together and runs the service's main event loop: a
// periodic tick against the active session's deadline and warning
// schedule, host exit notifications, and signal-driven shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/launcherd/launcherd/pkg/config"
	"github.com/launcherd/launcherd/pkg/hostsupervisor"
	"github.com/launcherd/launcherd/pkg/ipc"
	"github.com/launcherd/launcherd/pkg/policy"
	"github.com/launcherd/launcherd/pkg/policytypes"
	"github.com/launcherd/launcherd/pkg/store"
)

// SnapshotStore is the subset of pkg/store's persistence the orchestrator
// needs for crash-recovery snapshotting.
type SnapshotStore interface {
	SaveSnapshot(snap store.Snapshot) error
	LoadSnapshot() (store.Snapshot, bool, error)
	ClearSnapshot() error
}

// tickInterval is how often the orchestrator evaluates the active
// session's warning schedule and deadline.
const tickInterval = 100 * time.Millisecond

// gracefulStopTimeout bounds how long shutdown waits for a SIGTERM'd
// entry to exit before the next stage (host supervisor escalation) is
// forced.
const gracefulStopTimeout = 5 * time.Second

// Orchestrator owns the engine, supervisor, and IPC server for one
// running instance of the service. It implements ipc.Dispatcher.
type Orchestrator struct {
	cfg        *config.Instance
	engine     *policy.Engine
	supervisor hostsupervisor.Supervisor
	store      SnapshotStore
	server     *ipc.Server
	clock      clockwork.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires an Orchestrator over an already-constructed engine, supervisor,
// and snapshot store. The IPC server is created here since it needs the
// Orchestrator itself as its Dispatcher.
func New(cfg *config.Instance, engine *policy.Engine, supervisor hostsupervisor.Supervisor, st SnapshotStore, clock clockwork.Clock) *Orchestrator {
	o := &Orchestrator{cfg: cfg, engine: engine, supervisor: supervisor, store: st, clock: clock}
	o.server = ipc.NewServer(cfg.SocketPath(), serviceUID(), o)
	return o
}

// Start launches the IPC server and the main event loop in the
// background, returning a shutdown closure and a channel that closes if
// the orchestrator exits on its own. It matches daemon.ServiceEntry's
// shape so it can be handed directly to daemon.NewService.
func (o *Orchestrator) Start() (func() error, <-chan struct{}, error) {
	o.logRecoverySnapshot()

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	if err := o.server.Start(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("orchestrator: start ipc server: %w", err)
	}

	go o.run(ctx)

	stop := func() error {
		cancel()
		<-o.done
		return nil
	}
	return stop, o.done, nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	exits := o.supervisor.Subscribe()

	log.Info().Msg("orchestrator: event loop started")

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return

		case <-ticker.C:
			o.handleTick()

		case ev, ok := <-exits:
			if !ok {
				exits = nil
				continue
			}
			o.handleExit(ev)
		}
	}
}

func (o *Orchestrator) handleTick() {
	result := o.engine.Tick(o.clock.Now())
	if len(result.Warnings) > 0 || result.Expired != nil {
		o.saveSnapshot()
	}
	for _, w := range result.Warnings {
		o.server.Broker().Publish(ipc.EventEnvelope{
			APIVersion: ipc.APIVersion,
			Timestamp:  o.clock.Now(),
			Payload:    ipc.NewWarningIssuedEvent(w.SessionID, w.Threshold, w.Remaining),
		})
	}
	if result.Expired != nil {
		o.server.Broker().Publish(ipc.EventEnvelope{
			APIVersion: ipc.APIVersion,
			Timestamp:  o.clock.Now(),
			Payload:    ipc.NewSessionExpiringEvent(result.Expired.SessionID),
		})
		o.stopExpiredSession(result.Expired.SessionID)
	}
}

func (o *Orchestrator) stopExpiredSession(sessionID policytypes.SessionId) {
	sess, ok := o.engine.CurrentSession()
	if !ok || sess.ID != sessionID || sess.HostHandle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	if err := o.supervisor.Stop(ctx, *sess.HostHandle, hostsupervisor.Graceful, gracefulStopTimeout); err != nil {
		log.Error().Err(err).Str("session", string(sessionID)).Msg("orchestrator: error stopping expired session")
	}
}

func (o *Orchestrator) handleExit(ev hostsupervisor.ExitEvent) {
	sess, ok := o.engine.CurrentSession()
	if !ok || sess.EntryID != ev.EntryID {
		return
	}
	sessionID := sess.ID
	endReason := policytypes.EndProcessExited
	if sess.State == policytypes.StateExpiring {
		endReason = policytypes.EndExpired
	}

	ended, err := o.engine.NotifySessionExited(sessionID, endReason)
	if err != nil {
		log.Error().Err(err).Str("session", string(sessionID)).Msg("orchestrator: error notifying session exit")
		return
	}
	o.saveSnapshot()

	o.server.Broker().Publish(ipc.EventEnvelope{
		APIVersion: ipc.APIVersion,
		Timestamp:  o.clock.Now(),
		Payload:    ipc.NewSessionEndedEvent(ended, endReason, o.clock.Now().Sub(ended.StartedAtMono)),
	})
	o.publishState()
}

func (o *Orchestrator) publishState() {
	o.server.Broker().Publish(ipc.EventEnvelope{
		APIVersion: ipc.APIVersion,
		Timestamp:  o.clock.Now(),
		Payload:    ipc.NewStateChangedEvent(o.GetState()),
	})
}

// logRecoverySnapshot loads the last saved recovery snapshot, if any, and
// logs it for operator inspection. Active sessions are never resumed from
// it — the snapshot is diagnostic only.
func (o *Orchestrator) logRecoverySnapshot() {
	snap, ok, err := o.store.LoadSnapshot()
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator: failed to load recovery snapshot")
		return
	}
	if !ok {
		return
	}
	log.Info().
		Time("taken_at", snap.TakenAt).
		RawJSON("session", snap.State).
		Msg("orchestrator: recovery snapshot found from a prior run; not resumed")
}

// saveSnapshot records the active session's state after an engine-mutating
// event, or clears the snapshot once no session is active, so a crash can
// be inspected without ever resuming stale state. Best-effort: errors are
// logged, never propagated to the caller.
func (o *Orchestrator) saveSnapshot() {
	sess, ok := o.engine.CurrentSession()
	if !ok {
		if err := o.store.ClearSnapshot(); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to clear recovery snapshot")
		}
		return
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator: failed to marshal recovery snapshot")
		return
	}
	if err := o.store.SaveSnapshot(store.Snapshot{TakenAt: o.clock.Now(), State: raw}); err != nil {
		log.Warn().Err(err).Msg("orchestrator: failed to save recovery snapshot")
	}
}

func (o *Orchestrator) shutdown() {
	log.Info().Msg("orchestrator: shutting down")
	o.server.Broker().Publish(ipc.EventEnvelope{
		APIVersion: ipc.APIVersion,
		Timestamp:  o.clock.Now(),
		Payload:    ipc.NewShutdownEvent(),
	})

	if sess, ok := o.engine.CurrentSession(); ok && sess.HostHandle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
		if err := o.supervisor.Stop(ctx, *sess.HostHandle, hostsupervisor.Graceful, gracefulStopTimeout); err != nil {
			log.Error().Err(err).Msg("orchestrator: error stopping session during shutdown")
		}
		cancel()
		if _, err := o.engine.NotifySessionExited(sess.ID, policytypes.EndServiceShutdown); err != nil {
			log.Error().Err(err).Msg("orchestrator: error recording shutdown session end")
		}
		o.saveSnapshot()
	}

	o.server.Stop()
}

// GetState implements ipc.Dispatcher.
func (o *Orchestrator) GetState() ipc.ServiceStateSnapshot {
	entries := o.engine.ListEntries()
	sess, _ := o.engine.CurrentSession()
	return ipc.ServiceStateSnapshot{
		PolicyLoaded:   true,
		CurrentSession: sess,
		EntryCount:     len(entries),
		Entries:        entries,
	}
}

// ListEntries implements ipc.Dispatcher.
func (o *Orchestrator) ListEntries() []policytypes.EntryView {
	return o.engine.ListEntries()
}

// Launch implements ipc.Dispatcher: it asks the engine whether entryID
// may launch, spawns the host process outside the engine's lock if
// approved, then attaches the resulting handle.
func (o *Orchestrator) Launch(entryID policytypes.EntryId) (ipc.LaunchApproved, *ipc.LaunchDenied, error) {
	decision, err := o.engine.RequestLaunch(entryID)
	if err != nil {
		return ipc.LaunchApproved{}, nil, err
	}
	if !decision.Approved {
		return ipc.LaunchApproved{}, &ipc.LaunchDenied{Reasons: decision.Reasons}, nil
	}

	entries := o.engine.ListEntries()
	entry, ok := findEntry(entries, entryID)
	if !ok {
		return ipc.LaunchApproved{}, nil, fmt.Errorf("orchestrator: entry %q vanished between approval and spawn", entryID)
	}

	req, err := buildSpawnRequest(entry)
	if err != nil {
		return ipc.LaunchApproved{}, nil, fmt.Errorf("orchestrator: build spawn request: %w", err)
	}

	ctx := context.Background()
	handle, err := o.supervisor.Spawn(ctx, req)
	if err != nil {
		_, _ = o.engine.NotifySessionExited(decision.Plan.SessionID, policytypes.EndLaunchFailed)
		failed := &policytypes.Session{ID: decision.Plan.SessionID, EntryID: entryID}
		o.server.Broker().Publish(ipc.EventEnvelope{
			APIVersion: ipc.APIVersion,
			Timestamp:  o.clock.Now(),
			Payload:    ipc.NewSessionEndedEvent(failed, policytypes.EndLaunchFailed, 0),
		})
		return ipc.LaunchApproved{}, nil, fmt.Errorf("orchestrator: spawn failed: %w", err)
	}

	sess, err := o.engine.StartSession(*decision.Plan, handle)
	if err != nil {
		return ipc.LaunchApproved{}, nil, err
	}
	o.saveSnapshot()

	o.publishState()
	o.server.Broker().Publish(ipc.EventEnvelope{
		APIVersion: ipc.APIVersion,
		Timestamp:  o.clock.Now(),
		Payload:    ipc.NewSessionStartedEvent(sess),
	})

	return ipc.LaunchApproved{SessionID: sess.ID, Deadline: sess.Deadline}, nil, nil
}

// StopCurrent implements ipc.Dispatcher.
func (o *Orchestrator) StopCurrent(mode ipc.StopMode) error {
	sess, ok := o.engine.CurrentSession()
	if !ok {
		return fmt.Errorf("orchestrator: no active session")
	}

	endReason := policytypes.EndUserStop
	if _, err := o.engine.StopCurrent(endReason); err != nil {
		return err
	}
	o.saveSnapshot()

	if sess.HostHandle != nil {
		termMode := hostsupervisor.Graceful
		if mode == ipc.StopForce {
			termMode = hostsupervisor.Forceful
		}
		ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
		defer cancel()
		if err := o.supervisor.Stop(ctx, *sess.HostHandle, termMode, gracefulStopTimeout); err != nil {
			return fmt.Errorf("orchestrator: stop host process: %w", err)
		}
	}
	return nil
}

// ExtendCurrent implements ipc.Dispatcher.
func (o *Orchestrator) ExtendCurrent(by time.Duration) (ipc.Extended, error) {
	sess, err := o.engine.ExtendCurrent(by)
	if err != nil {
		return ipc.Extended{}, err
	}
	o.saveSnapshot()
	o.publishState()
	return ipc.Extended{NewDeadline: sess.Deadline}, nil
}

// ReloadConfig implements ipc.Dispatcher: it reloads both the service
// config and the policy file, per the documented design decision that a
// reload never disrupts an in-flight session.
func (o *Orchestrator) ReloadConfig() error {
	if err := o.cfg.Reload(); err != nil {
		return fmt.Errorf("orchestrator: reload config: %w", err)
	}
	p, err := config.LoadPolicy(o.cfg.PolicyFile())
	if err != nil {
		return fmt.Errorf("orchestrator: reload policy: %w", err)
	}
	o.engine.ReloadPolicy(p)
	o.saveSnapshot()
	o.server.Broker().Publish(ipc.EventEnvelope{
		APIVersion: ipc.APIVersion,
		Timestamp:  o.clock.Now(),
		Payload:    ipc.NewPolicyReloadedEvent(len(p.Entries)),
	})
	o.publishState()
	return nil
}

// GetHealth implements ipc.Dispatcher.
func (o *Orchestrator) GetHealth() ipc.HealthStatus {
	return ipc.HealthStatus{
		Live:          true,
		Ready:         true,
		PolicyLoaded:  true,
		HostAdapterOK: o.supervisor != nil,
		StoreOK:       true,
	}
}

// serviceUID is the UID the IPC server treats as privileged: a peer
// connecting as the same user that runs the service, or root.
func serviceUID() int {
	return os.Getuid()
}

func findEntry(views []policytypes.EntryView, id policytypes.EntryId) (policytypes.Entry, bool) {
	for _, v := range views {
		if v.Entry.ID == id {
			return v.Entry, true
		}
	}
	return policytypes.Entry{}, false
}

// buildSpawnRequest translates a policy entry's opaque payload map into a
// concrete spawn request. The host supervisor is the only consumer of
// these keys, so the convention lives here rather than in policytypes:
// "command" (required), "args" (optional JSON array), "workdir",
// "log_path", "snap_name" (required for KindSnap), and any key prefixed
// "env." becomes an environment variable for the child.
func buildSpawnRequest(entry policytypes.Entry) (hostsupervisor.SpawnRequest, error) {
	req := hostsupervisor.SpawnRequest{
		EntryID:  entry.ID,
		Kind:     entry.Kind,
		Command:  entry.Payload["command"],
		WorkDir:  entry.Payload["workdir"],
		LogPath:  entry.Payload["log_path"],
		SnapName: entry.Payload["snap_name"],
	}

	if entry.Kind != policytypes.KindSnap && req.Command == "" {
		return req, fmt.Errorf("entry %q has no command in its payload", entry.ID)
	}
	if entry.Kind == policytypes.KindSnap && req.SnapName == "" {
		return req, fmt.Errorf("entry %q is kind snap but has no snap_name in its payload", entry.ID)
	}

	if raw, ok := entry.Payload["args"]; ok && raw != "" {
		var args []string
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return req, fmt.Errorf("entry %q has invalid args payload: %w", entry.ID, err)
		}
		req.Args = args
	}

	env := make(map[string]string)
	for k, v := range entry.Payload {
		const prefix = "env."
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			env[k[len(prefix):]] = v
		}
	}
	if len(env) > 0 {
		req.Env = env
	}

	return req, nil
}
