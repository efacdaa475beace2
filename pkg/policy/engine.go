// Package policy implements the launch-decision engine: it evaluates
// entries against their availability windows, daily quotas and cooldowns,
// tracks the single active session's deadline and warning schedule, and
// records every transition to the store's audit log. It holds no host
// process handles of its own — spawning and termination belong to the
// host supervisor, wired in by the orchestrator.
package policy

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/launcherd/launcherd/pkg/helpers"
	"github.com/launcherd/launcherd/pkg/helpers/syncutil"
	"github.com/launcherd/launcherd/pkg/policytypes"
)

// Store is the subset of persistence the engine depends on: usage and
// cooldown bookkeeping plus the append-only audit log. A concrete
// implementation lives in pkg/store; engine depends only on this
// interface so it can be exercised against a fake in tests.
type Store interface {
	DailyUsage(entryID policytypes.EntryId, day time.Time) (time.Duration, error)
	RecordUsage(entryID policytypes.EntryId, day time.Time, delta time.Duration) error
	CooldownUntil(entryID policytypes.EntryId) (until time.Time, ok bool, err error)
	SetCooldown(entryID policytypes.EntryId, until time.Time) error
	AppendAudit(event policytypes.AuditEvent) error
}

// LaunchDecision is the result of RequestLaunch.
type LaunchDecision struct {
	Approved bool
	Plan     *policytypes.SessionPlan
	Reasons  []policytypes.Reason
}

// WarningEvent is one warning threshold firing during Tick.
type WarningEvent struct {
	SessionID policytypes.SessionId
	Threshold policytypes.WarningThreshold
	Remaining time.Duration
}

// ExpiredEvent reports that the active session's deadline has passed.
type ExpiredEvent struct {
	SessionID policytypes.SessionId
}

// TickResult is everything Tick wants the orchestrator to act on.
type TickResult struct {
	Warnings []WarningEvent
	Expired  *ExpiredEvent
}

// Engine is the single, lock-serialized policy engine. Exactly one Engine
// exists per process and every public method is safe for concurrent use;
// internally it takes mu for the whole call, matching the "single
// serializing engine lock" contract the orchestrator depends on.
type Engine struct {
	mu     syncutil.Mutex
	policy *policytypes.Policy
	store  Store
	clock  clockwork.Clock

	current *policytypes.Session
}

// New constructs an Engine over the given policy, store and clock. clock
// should be clockwork.NewRealClock() in production and a FakeClock in
// tests.
func New(policy *policytypes.Policy, store Store, clock clockwork.Clock) *Engine {
	e := &Engine{policy: policy, store: store, clock: clock}
	_ = e.store.AppendAudit(policytypes.AuditEvent{
		Timestamp: clock.Now(),
		Type:      policytypes.AuditPolicyLoaded,
		Fields:    map[string]any{"entries": len(policy.Entries)},
	})
	return e
}

// ListEntries evaluates every configured entry against the current clock
// and usage/cooldown state, returning one EntryView per entry.
func (e *Engine) ListEntries() []policytypes.EntryView {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	views := make([]policytypes.EntryView, 0, len(e.policy.Entries))
	for _, entry := range e.policy.Entries {
		ctx := e.ruleContext(entry.ID, now)
		reasons := evaluateEntry(entry, ctx)
		if e.current != nil && e.current.EntryID == entry.ID {
			reasons = append(reasons, policytypes.Reason{
				Code:           policytypes.ReasonSessionActive,
				SessionEntryID: entry.ID,
			})
		}
		views = append(views, policytypes.EntryView{
			Entry:              entry,
			Enabled:            len(reasons) == 0,
			Reasons:            reasons,
			MaxRunIfStartedNow: planMaxDuration(entry, ctx.DailyUsage, ctx.ClockReliable, now),
		})
	}
	return views
}

// ruleContext must be called with mu held.
func (e *Engine) ruleContext(id policytypes.EntryId, now time.Time) RuleContext {
	ctx := RuleContext{Now: now, EntryID: id, ClockReliable: helpers.IsClockReliable(now)}
	if used, err := e.store.DailyUsage(id, now); err == nil {
		ctx.DailyUsage = used
	} else {
		log.Warn().Err(err).Str("entry", string(id)).Msg("daily usage lookup failed, treating as zero")
	}
	if until, ok, err := e.store.CooldownUntil(id); err == nil {
		ctx.HasCooldown = ok
		ctx.CooldownUntil = until
	} else {
		log.Warn().Err(err).Str("entry", string(id)).Msg("cooldown lookup failed, treating as clear")
	}
	return ctx
}

// RequestLaunch evaluates whether entryID may be launched right now. It
// does not mutate state: a caller must follow an Approved decision with
// StartSession once the host supervisor has actually spawned the process.
func (e *Engine) RequestLaunch(entryID policytypes.EntryId) (LaunchDecision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.policy.FindEntry(entryID)
	if !ok {
		return LaunchDecision{}, fmt.Errorf("policy: unknown entry %q", entryID)
	}

	var reasons []policytypes.Reason
	if e.current != nil {
		reasons = append(reasons, policytypes.Reason{
			Code:           policytypes.ReasonSessionActive,
			SessionEntryID: e.current.EntryID,
		})
	}

	now := e.clock.Now()
	ctx := e.ruleContext(entryID, now)
	reasons = append(reasons, evaluateEntry(entry, ctx)...)

	if len(reasons) > 0 {
		_ = e.store.AppendAudit(policytypes.AuditEvent{
			Timestamp: now,
			Type:      policytypes.AuditLaunchDenied,
			Fields:    map[string]any{"entry": string(entryID), "reasons": reasons},
		})
		return LaunchDecision{Approved: false, Reasons: reasons}, nil
	}

	maxDuration := planMaxDuration(entry, ctx.DailyUsage, ctx.ClockReliable, now)
	warnings := entry.Warnings
	if len(warnings) == 0 {
		warnings = e.policy.DefaultWarnings
	}
	plan := &policytypes.SessionPlan{
		SessionID:   policytypes.NewSessionId(),
		EntryID:     entryID,
		Label:       entry.Label,
		MaxDuration: maxDuration,
		Warnings:    filterWarnings(warnings, maxDuration),
	}
	return LaunchDecision{Approved: true, Plan: plan}, nil
}

// StartSession records that the host supervisor has successfully spawned
// plan's process, computing the session's monotonic deadline from
// plan.MaxDuration. It is an error to call this while a session is
// already active (see Invariant 1).
func (e *Engine) StartSession(plan policytypes.SessionPlan, handle policytypes.HostHandle) (*policytypes.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return nil, fmt.Errorf("policy: session %s already active", e.current.ID)
	}

	now := e.clock.Now()
	sess := &policytypes.Session{
		ID:             plan.SessionID,
		EntryID:        plan.EntryID,
		Label:          plan.Label,
		State:          policytypes.StateRunning,
		StartedAt:      now,
		StartedAtMono:  now,
		WarningsIssued: make(map[uint64]bool),
		Warnings:       plan.Warnings,
		HostHandle:     &handle,
	}
	if plan.MaxDuration != nil {
		deadline := now.Add(*plan.MaxDuration)
		sess.Deadline = &deadline
		sess.DeadlineMono = &deadline
	}
	e.current = sess

	_ = e.store.AppendAudit(policytypes.AuditEvent{
		Timestamp: now,
		Type:      policytypes.AuditSessionStarted,
		Fields: map[string]any{
			"session": string(sess.ID),
			"entry":   string(sess.EntryID),
		},
	})
	return sess, nil
}

// Tick evaluates the active session's warning schedule and deadline. The
// orchestrator calls this on every wakeup of its fixed-interval tick
// timer; it performs no I/O of its own beyond the audit log.
func (e *Engine) Tick(now time.Time) TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result TickResult
	if e.current == nil {
		return result
	}
	sess := e.current

	for _, due := range sess.PendingWarnings(now) {
		sess.WarningsIssued[due.Threshold.SecondsBefore] = true
		if sess.State == policytypes.StateRunning {
			sess.State = policytypes.StateWarned
		}
		result.Warnings = append(result.Warnings, WarningEvent{
			SessionID: sess.ID,
			Threshold: due.Threshold,
			Remaining: due.Remaining,
		})
		_ = e.store.AppendAudit(policytypes.AuditEvent{
			Timestamp: now,
			Type:      policytypes.AuditWarningIssued,
			Fields: map[string]any{
				"session":   string(sess.ID),
				"message":   due.Threshold.Message,
				"remaining": due.Remaining.String(),
			},
		})
	}

	if sess.IsExpired(now) {
		sess.State = policytypes.StateExpiring
		result.Expired = &ExpiredEvent{SessionID: sess.ID}
	}
	return result
}

// StopCurrent ends the active session with the given reason, e.g. a
// user- or admin-initiated stop. It does not itself terminate the host
// process; the caller (orchestrator) must do that via the host
// supervisor, then report the exit through NotifySessionExited.
func (e *Engine) StopCurrent(reason policytypes.SessionEndReason) (*policytypes.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, fmt.Errorf("policy: no active session")
	}
	sess := e.current
	sess.State = policytypes.StateExpiring
	_ = e.store.AppendAudit(policytypes.AuditEvent{
		Timestamp: e.clock.Now(),
		Type:      policytypes.AuditSessionEnded,
		Fields:    map[string]any{"session": string(sess.ID), "reason": string(reason)},
	})
	return sess, nil
}

// NotifySessionExited is the terminal transition: the host process has
// actually exited (or was confirmed terminated). It charges usage and
// sets the entry's cooldown, except for launch_failed which is never
// charged — a session that never really ran consumed neither quota nor
// cooldown window.
func (e *Engine) NotifySessionExited(sessionID policytypes.SessionId, reason policytypes.SessionEndReason) (*policytypes.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.ID != sessionID {
		return nil, fmt.Errorf("policy: session %s is not active", sessionID)
	}
	sess := e.current
	now := e.clock.Now()
	sess.State = policytypes.StateEnded

	if reason != policytypes.EndLaunchFailed {
		ran := now.Sub(sess.StartedAtMono)
		entry, ok := e.policy.FindEntry(sess.EntryID)
		if ok {
			if err := e.store.RecordUsage(sess.EntryID, sess.StartedAt, ran); err != nil {
				log.Warn().Err(err).Str("entry", string(sess.EntryID)).Msg("failed to record usage")
			}
			if entry.Limits.Cooldown > 0 {
				until := now.Add(entry.Limits.Cooldown)
				if err := e.store.SetCooldown(sess.EntryID, until); err != nil {
					log.Warn().Err(err).Str("entry", string(sess.EntryID)).Msg("failed to set cooldown")
				}
			}
		}
	}

	_ = e.store.AppendAudit(policytypes.AuditEvent{
		Timestamp: now,
		Type:      policytypes.AuditSessionEnded,
		Fields:    map[string]any{"session": string(sess.ID), "reason": string(reason)},
	})

	e.current = nil
	return sess, nil
}

// ExtendCurrent pushes the active session's deadline out by extra. It is
// a no-op deadline-wise (returns an error) when the session has no
// deadline to extend, or when there is no active session.
func (e *Engine) ExtendCurrent(extra time.Duration) (*policytypes.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, fmt.Errorf("policy: no active session")
	}
	sess := e.current
	if sess.DeadlineMono == nil {
		return nil, fmt.Errorf("policy: session %s has no deadline to extend", sess.ID)
	}
	newDeadline := sess.DeadlineMono.Add(extra)
	sess.DeadlineMono = &newDeadline
	sess.Deadline = &newDeadline
	_ = e.store.AppendAudit(policytypes.AuditEvent{
		Timestamp: e.clock.Now(),
		Type:      policytypes.AuditSessionExtended,
		Fields:    map[string]any{"session": string(sess.ID), "extra": extra.String()},
	})
	return sess, nil
}

// CurrentSession returns the active session, if any.
func (e *Engine) CurrentSession() (*policytypes.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.current != nil
}

// ReloadPolicy swaps in a new policy. Per the documented design decision,
// this is never applied atomically against an active session: the new
// policy takes effect for the next RequestLaunch, and the active session
// (if any) runs out under the policy it was started under.
func (e *Engine) ReloadPolicy(p *policytypes.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	_ = e.store.AppendAudit(policytypes.AuditEvent{
		Timestamp: e.clock.Now(),
		Type:      policytypes.AuditConfigReloaded,
		Fields:    map[string]any{"entries": len(p.Entries)},
	})
}
