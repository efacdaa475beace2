// Package ipc implements the Unix-socket, line-delimited-JSON control
// protocol: request/response dispatch, role inference from the peer's
// UID, per-peer rate limiting, and event broadcast to subscribed peers.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

// APIVersion is embedded in every envelope so a future breaking change can
// be detected by old clients instead of silently misparsed.
const APIVersion = 1

// Role is the permission tier inferred from a peer's UID.
type Role string

const (
	RoleShell    Role = "shell"
	RoleAdmin    Role = "admin"
	RoleObserver Role = "observer" // reserved for future read-only peers
)

// RequestEnvelope is one inbound line.
type RequestEnvelope struct {
	RequestID  uint64          `json:"request_id"`
	APIVersion uint32          `json:"api_version"`
	Command    json.RawMessage `json:"command"`
}

// commandEnvelope is used only to read the discriminant tag off Command
// before decoding it into a concrete payload type.
type commandEnvelope struct {
	Type string `json:"type"`
}

// ResultEnvelope is the { "ok": ... } | { "err": ... } half of a response.
type ResultEnvelope struct {
	OK  any           `json:"ok,omitempty"`
	Err *ErrorPayload `json:"err,omitempty"`
}

// ResponseEnvelope is one outbound response line.
type ResponseEnvelope struct {
	RequestID  uint64         `json:"request_id"`
	APIVersion uint32         `json:"api_version"`
	Result     ResultEnvelope `json:"result"`
}

// EventEnvelope is one outbound, unsolicited event line.
type EventEnvelope struct {
	APIVersion uint32    `json:"api_version"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"`
}

// ErrorCode enumerates every response-level error the server can return.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "invalid_request"
	ErrEntryNotFound   ErrorCode = "entry_not_found"
	ErrLaunchDenied    ErrorCode = "launch_denied"
	ErrNoActiveSession ErrorCode = "no_active_session"
	ErrSessionActive   ErrorCode = "session_active"
	ErrPermissionDenied ErrorCode = "permission_denied"
	ErrRateLimited     ErrorCode = "rate_limited"
	ErrConfigError     ErrorCode = "config_error"
	ErrHostError       ErrorCode = "host_error"
	ErrInternalError   ErrorCode = "internal_error"
)

// ErrorPayload is the "err" half of a ResultEnvelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func okResult(payload any) ResultEnvelope { return ResultEnvelope{OK: payload} }

func errResult(code ErrorCode, message string) ResultEnvelope {
	return ResultEnvelope{Err: &ErrorPayload{Code: code, Message: message}}
}

// Command type discriminants, matching the wire protocol's "command.type".
const (
	CmdGetState        = "get_state"
	CmdListEntries     = "list_entries"
	CmdLaunch          = "launch"
	CmdStopCurrent     = "stop_current"
	CmdExtendCurrent   = "extend_current"
	CmdReloadConfig    = "reload_config"
	CmdSubscribeEvents = "subscribe_events"
	CmdUnsubscribeEvents = "unsubscribe_events"
	CmdGetHealth       = "get_health"
	CmdPing            = "ping"
)

// adminOnlyCommands and shellOrAdminCommands name the commands that need a
// privileged role. A command in neither set is open to every role.
var adminOnlyCommands = map[string]bool{
	CmdExtendCurrent: true,
	CmdReloadConfig:  true,
}

var shellOrAdminCommands = map[string]bool{
	CmdLaunch:      true,
	CmdStopCurrent: true,
}

// authorize reports whether role may issue the named command.
func authorize(role Role, commandType string) bool {
	if adminOnlyCommands[commandType] {
		return role == RoleAdmin
	}
	if shellOrAdminCommands[commandType] {
		return role == RoleAdmin || role == RoleShell
	}
	return true
}

// StopMode selects how stop_current escalates.
type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForce    StopMode = "force"
)

// launchCommand / stopCurrentCommand / extendCurrentCommand are the
// decoded payloads for commands that carry parameters.
type launchCommand struct {
	EntryID policytypes.EntryId `json:"entry_id"`
}

type stopCurrentCommand struct {
	Mode StopMode `json:"mode"`
}

type extendCurrentCommand struct {
	By time.Duration `json:"by"`
}

// ServiceStateSnapshot is the get_state response payload.
type ServiceStateSnapshot struct {
	PolicyLoaded   bool                    `json:"policy_loaded"`
	CurrentSession *policytypes.Session    `json:"current_session,omitempty"`
	EntryCount     int                     `json:"entry_count"`
	Entries        []policytypes.EntryView `json:"entries"`
}

// LaunchApproved is the launch success payload.
type LaunchApproved struct {
	SessionID policytypes.SessionId `json:"session_id"`
	Deadline  *time.Time            `json:"deadline,omitempty"`
}

// LaunchDenied is the launch failure payload.
type LaunchDenied struct {
	Reasons []policytypes.Reason `json:"reasons"`
}

// Extended is the extend_current success payload.
type Extended struct {
	NewDeadline *time.Time `json:"new_deadline,omitempty"`
}

// HealthStatus is the get_health payload.
type HealthStatus struct {
	Live          bool `json:"live"`
	Ready         bool `json:"ready"`
	PolicyLoaded  bool `json:"policy_loaded"`
	HostAdapterOK bool `json:"host_adapter_ok"`
	StoreOK       bool `json:"store_ok"`
}

// Event payload "type" discriminants.
const (
	EventStateChanged             = "state_changed"
	EventSessionStarted           = "session_started"
	EventWarningIssued            = "warning_issued"
	EventSessionExpiring          = "session_expiring"
	EventSessionEnded             = "session_ended"
	EventPolicyReloaded           = "policy_reloaded"
	EventEntryAvailabilityChanged = "entry_availability_changed"
	EventShutdown                 = "shutdown"
)

// StateChangedEvent is the state_changed event payload.
type StateChangedEvent struct {
	Type     string               `json:"type"`
	Snapshot ServiceStateSnapshot `json:"snapshot"`
}

// NewStateChangedEvent builds a state_changed event payload.
func NewStateChangedEvent(snapshot ServiceStateSnapshot) StateChangedEvent {
	return StateChangedEvent{Type: EventStateChanged, Snapshot: snapshot}
}

// SessionStartedEvent is the session_started event payload.
type SessionStartedEvent struct {
	Type      string                `json:"type"`
	SessionID policytypes.SessionId `json:"session_id"`
	EntryID   policytypes.EntryId   `json:"entry_id"`
	Label     string                `json:"label"`
	Deadline  *time.Time            `json:"deadline,omitempty"`
}

// NewSessionStartedEvent builds a session_started event payload.
func NewSessionStartedEvent(sess *policytypes.Session) SessionStartedEvent {
	return SessionStartedEvent{
		Type: EventSessionStarted, SessionID: sess.ID, EntryID: sess.EntryID,
		Label: sess.Label, Deadline: sess.Deadline,
	}
}

// WarningIssuedEvent is the warning_issued event payload.
type WarningIssuedEvent struct {
	Type             string                `json:"type"`
	SessionID        policytypes.SessionId `json:"session_id"`
	ThresholdSeconds uint64                `json:"threshold_seconds"`
	TimeRemaining    time.Duration         `json:"time_remaining"`
	Severity         policytypes.Severity  `json:"severity"`
	Message          string                `json:"message,omitempty"`
}

// NewWarningIssuedEvent builds a warning_issued event payload.
func NewWarningIssuedEvent(sessionID policytypes.SessionId, threshold policytypes.WarningThreshold, remaining time.Duration) WarningIssuedEvent {
	return WarningIssuedEvent{
		Type: EventWarningIssued, SessionID: sessionID, ThresholdSeconds: threshold.SecondsBefore,
		TimeRemaining: remaining, Severity: threshold.Severity, Message: threshold.Message,
	}
}

// SessionExpiringEvent is the session_expiring event payload.
type SessionExpiringEvent struct {
	Type      string                `json:"type"`
	SessionID policytypes.SessionId `json:"session_id"`
}

// NewSessionExpiringEvent builds a session_expiring event payload.
func NewSessionExpiringEvent(sessionID policytypes.SessionId) SessionExpiringEvent {
	return SessionExpiringEvent{Type: EventSessionExpiring, SessionID: sessionID}
}

// SessionEndedEvent is the session_ended event payload.
type SessionEndedEvent struct {
	Type      string                       `json:"type"`
	SessionID policytypes.SessionId        `json:"session_id"`
	EntryID   policytypes.EntryId          `json:"entry_id"`
	Reason    policytypes.SessionEndReason `json:"reason"`
	Duration  time.Duration                `json:"duration"`
}

// NewSessionEndedEvent builds a session_ended event payload.
func NewSessionEndedEvent(sess *policytypes.Session, reason policytypes.SessionEndReason, duration time.Duration) SessionEndedEvent {
	return SessionEndedEvent{Type: EventSessionEnded, SessionID: sess.ID, EntryID: sess.EntryID, Reason: reason, Duration: duration}
}

// PolicyReloadedEvent is the policy_reloaded event payload.
type PolicyReloadedEvent struct {
	Type       string `json:"type"`
	EntryCount int    `json:"entry_count"`
}

// NewPolicyReloadedEvent builds a policy_reloaded event payload.
func NewPolicyReloadedEvent(entryCount int) PolicyReloadedEvent {
	return PolicyReloadedEvent{Type: EventPolicyReloaded, EntryCount: entryCount}
}

// EntryAvailabilityChangedEvent is the entry_availability_changed event payload.
type EntryAvailabilityChangedEvent struct {
	Type    string              `json:"type"`
	EntryID policytypes.EntryId `json:"entry_id"`
	Enabled bool                `json:"enabled"`
}

// NewEntryAvailabilityChangedEvent builds an entry_availability_changed event payload.
func NewEntryAvailabilityChangedEvent(entryID policytypes.EntryId, enabled bool) EntryAvailabilityChangedEvent {
	return EntryAvailabilityChangedEvent{Type: EventEntryAvailabilityChanged, EntryID: entryID, Enabled: enabled}
}

// ShutdownEvent is the shutdown event payload.
type ShutdownEvent struct {
	Type string `json:"type"`
}

// NewShutdownEvent builds a shutdown event payload.
func NewShutdownEvent() ShutdownEvent {
	return ShutdownEvent{Type: EventShutdown}
}
