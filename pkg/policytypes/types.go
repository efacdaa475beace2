// Package policytypes defines the data model shared by the policy engine,
// the store, and the IPC layer: entries, sessions, audit events, and the
// reason codes a launch or query can surface.
package policytypes

import (
	"time"

	"github.com/google/uuid"
)

// EntryId is an opaque, stable identifier for a launchable entry.
type EntryId string

// SessionId uniquely identifies one approved launch's lifetime.
type SessionId string

// NewSessionId generates a fresh random SessionId.
func NewSessionId() SessionId {
	return SessionId(uuid.NewString())
}

// ClientId uniquely identifies one IPC peer connection.
type ClientId string

// NewClientId generates a fresh random ClientId.
func NewClientId() ClientId {
	return ClientId(uuid.NewString())
}

// EntryKind tags the spawn payload an entry carries. The engine treats kind
// only as a capability tag; only the host supervisor interprets the payload.
type EntryKind string

const (
	KindProcess EntryKind = "process"
	KindSnap    EntryKind = "snap"
	KindVM      EntryKind = "vm"
	KindMedia   EntryKind = "media"
	KindCustom  EntryKind = "custom"
)

// Weekday bit-mask values for TimeWindow.Days, Monday through Sunday.
const (
	DayMon byte = 1 << iota
	DayTue
	DayWed
	DayThu
	DayFri
	DaySat
	DaySun
)

// WallClock is minutes since midnight, local time, in [0, 1440).
type WallClock int

// TimeWindow is a recurring availability window. Start > End denotes a
// window that wraps past midnight.
type TimeWindow struct {
	Days  byte // bit-mask of DayMon..DaySun
	Start WallClock
	End   WallClock
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	dayBit := dayBitFor(t.Weekday())
	if w.Days&dayBit == 0 {
		return false
	}
	minutes := WallClock(t.Hour()*60 + t.Minute())
	if w.Start <= w.End {
		return minutes >= w.Start && minutes < w.End
	}
	// wraps past midnight
	return minutes >= w.Start || minutes < w.End
}

// remainingFrom returns how much longer w stays open starting at t, given
// that t already falls inside w (see Contains). A window that wraps past
// midnight closes on the following day when t is in the pre-midnight half.
func (w TimeWindow) remainingFrom(t time.Time) time.Duration {
	minutes := WallClock(t.Hour()*60 + t.Minute())
	endDay := t
	if w.Start > w.End && minutes >= w.Start {
		endDay = t.AddDate(0, 0, 1)
	}
	end := time.Date(endDay.Year(), endDay.Month(), endDay.Day(), int(w.End)/60, int(w.End)%60, 0, 0, t.Location())
	remaining := end.Sub(t)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func dayBitFor(d time.Weekday) byte {
	switch d {
	case time.Monday:
		return DayMon
	case time.Tuesday:
		return DayTue
	case time.Wednesday:
		return DayWed
	case time.Thursday:
		return DayThu
	case time.Friday:
		return DayFri
	case time.Saturday:
		return DaySat
	case time.Sunday:
		return DaySun
	default:
		return 0
	}
}

// Availability describes when an entry may be launched.
type Availability struct {
	Always  bool
	Windows []TimeWindow
}

// InWindow reports whether now falls inside any configured window, or true
// unconditionally when Always is set or no windows are configured.
func (a Availability) InWindow(now time.Time) bool {
	if a.Always || len(a.Windows) == 0 {
		return true
	}
	for _, w := range a.Windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// RemainingInCurrentWindow returns how long availability continues from now,
// or nil when the entry is always available. When multiple configured
// windows cover now, the longest remaining span wins, since the entry stays
// launchable as long as any one of them is still open.
func (a Availability) RemainingInCurrentWindow(now time.Time) *time.Duration {
	if a.Always || len(a.Windows) == 0 {
		return nil
	}
	var best *time.Duration
	for _, w := range a.Windows {
		if !w.Contains(now) {
			continue
		}
		remaining := w.remainingFrom(now)
		if best == nil || remaining > *best {
			best = &remaining
		}
	}
	return best
}

// Limits holds the optional per-entry time budgets. A zero Duration means
// unlimited, matching the raw config convention noted in the spec.
type Limits struct {
	MaxRun     time.Duration // 0 = unlimited
	DailyQuota time.Duration // 0 = no quota
	Cooldown   time.Duration // 0 = no cooldown
}

// Severity levels for a WarningThreshold.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// WarningThreshold fires a warning SecondsBefore the session's deadline.
type WarningThreshold struct {
	Message       string
	Severity      Severity
	SecondsBefore uint64
}

// VolumePolicy is an opaque per-entry or global volume restriction; the
// volume-control adapter itself is out of scope (spec.md §1).
type VolumePolicy struct {
	Muted    bool
	MaxLevel int
}

// Entry is one configured launchable workload.
type Entry struct {
	ID             EntryId
	Label          string
	IconRef        string
	Kind           EntryKind
	Payload        map[string]string // interpreted only by the host supervisor
	Availability   Availability
	Limits         Limits
	Warnings       []WarningThreshold
	Volume         *VolumePolicy
	Disabled       bool
	DisabledReason string
}

// Policy is the top-level validated configuration.
type Policy struct {
	Entries         []Entry
	DefaultWarnings []WarningThreshold
	DefaultMaxRun   time.Duration
	Volume          VolumePolicy
	SocketPath      string
	DataDir         string
	LogDir          string
}

// FindEntry returns the entry with the given id, if any.
func (p *Policy) FindEntry(id EntryId) (Entry, bool) {
	for _, e := range p.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// SessionState is one of the five states a Session progresses through
// monotonically: Launching -> Running -> Warned -> Expiring -> Ended.
type SessionState int

const (
	StateLaunching SessionState = iota
	StateRunning
	StateWarned
	StateExpiring
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateWarned:
		return "warned"
	case StateExpiring:
		return "expiring"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// HostHandle is the opaque supervisor-owned token identifying a running
// child: pid+pgid on Linux, plus the snap scope name when applicable.
type HostHandle struct {
	Pid       int
	Pgid      int
	Command   string
	SnapScope string
}

// Session is the lifetime of one approved launch. At most one exists at a
// time (see Invariant 1).
type Session struct {
	ID             SessionId
	EntryID        EntryId
	Label          string
	State          SessionState
	StartedAt      time.Time
	StartedAtMono  time.Time
	Deadline       *time.Time // nil iff unlimited
	DeadlineMono   *time.Time
	WarningsIssued map[uint64]bool
	Warnings       []WarningThreshold
	HostHandle     *HostHandle
}

// RemainingMono returns the monotonic time left until deadline and true,
// or 0 and false when the session is unlimited.
func (s *Session) RemainingMono(now time.Time) (time.Duration, bool) {
	if s.DeadlineMono == nil {
		return 0, false
	}
	return s.DeadlineMono.Sub(now), true
}

// IsExpired reports whether the session's deadline has passed.
func (s *Session) IsExpired(nowMono time.Time) bool {
	if s.DeadlineMono == nil {
		return false
	}
	return !nowMono.Before(*s.DeadlineMono)
}

// PendingWarnings returns the (threshold, remaining) pairs that are now due
// but have not yet been issued, in the order the thresholds appear in
// s.Warnings.
func (s *Session) PendingWarnings(nowMono time.Time) []struct {
	Threshold WarningThreshold
	Remaining time.Duration
} {
	if s.DeadlineMono == nil {
		return nil
	}
	remaining := s.DeadlineMono.Sub(nowMono)
	var due []struct {
		Threshold WarningThreshold
		Remaining time.Duration
	}
	for _, w := range s.Warnings {
		if s.WarningsIssued[w.SecondsBefore] {
			continue
		}
		if remaining <= time.Duration(w.SecondsBefore)*time.Second {
			due = append(due, struct {
				Threshold WarningThreshold
				Remaining time.Duration
			}{Threshold: w, Remaining: remaining})
		}
	}
	return due
}

// ReasonCode tags why a launch was denied or an entry is currently unusable.
type ReasonCode string

const (
	ReasonOutsideTimeWindow ReasonCode = "outside_time_window"
	ReasonQuotaExhausted    ReasonCode = "quota_exhausted"
	ReasonCooldownActive    ReasonCode = "cooldown_active"
	ReasonSessionActive     ReasonCode = "session_active"
	ReasonUnsupportedKind   ReasonCode = "unsupported_kind"
	ReasonDisabled          ReasonCode = "disabled"
)

// Reason is one denial/unavailability reason, with the code-specific
// payload fields that apply populated.
type Reason struct {
	Code            ReasonCode
	DisabledReason  string
	Kind            EntryKind
	SessionEntryID  EntryId
	Remaining       *time.Duration
	AvailableAt     *time.Time
	NextWindowStart *time.Time
	Used            time.Duration
	Quota           time.Duration
}

// EntryView is the per-entry evaluation result returned by ListEntries.
type EntryView struct {
	Entry               Entry
	Enabled             bool
	Reasons             []Reason
	MaxRunIfStartedNow  *time.Duration // nil means unlimited
}

// SessionPlan is the immutable schedule computed at approval time.
type SessionPlan struct {
	SessionID   SessionId
	EntryID     EntryId
	Label       string
	MaxDuration *time.Duration // nil means unlimited
	Warnings    []WarningThreshold
}

// SessionEndReason tags why a session ended.
type SessionEndReason string

const (
	EndExpired         SessionEndReason = "expired"
	EndUserStop        SessionEndReason = "user_stop"
	EndAdminStop       SessionEndReason = "admin_stop"
	EndProcessExited   SessionEndReason = "process_exited"
	EndPolicyStop      SessionEndReason = "policy_stop"
	EndServiceShutdown SessionEndReason = "service_shutdown"
	EndLaunchFailed    SessionEndReason = "launch_failed"
)

// AuditEventType enumerates the append-only audit log's event kinds.
type AuditEventType string

const (
	AuditServiceStarted    AuditEventType = "service_started"
	AuditServiceStopped    AuditEventType = "service_stopped"
	AuditPolicyLoaded      AuditEventType = "policy_loaded"
	AuditSessionStarted    AuditEventType = "session_started"
	AuditWarningIssued     AuditEventType = "warning_issued"
	AuditSessionEnded      AuditEventType = "session_ended"
	AuditLaunchDenied      AuditEventType = "launch_denied"
	AuditSessionExtended   AuditEventType = "session_extended"
	AuditConfigReloaded    AuditEventType = "config_reloaded"
	AuditClientConnected   AuditEventType = "client_connected"
	AuditClientDisconnected AuditEventType = "client_disconnected"
)

// AuditEvent is one row of the append-only audit log.
type AuditEvent struct {
	Timestamp time.Time
	Type      AuditEventType
	Fields    map[string]any
}
