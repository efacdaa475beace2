package policy

import (
	"time"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

// MinimumViableSession is a one-minute session length, named after the
// teacher's playtime-limits constant. planMaxDuration does not apply it:
// a budget shorter than this is handed to the session unchanged.
const MinimumViableSession = 1 * time.Minute

// RuleContext is the evaluation input shared by every Rule. ClockReliable
// gates the daily-quota rule: a clock that has not proven itself reliable
// (see helpers.IsClockReliable) cannot be trusted to bound "today".
type RuleContext struct {
	Now            time.Time
	EntryID        policytypes.EntryId
	DailyUsage     time.Duration
	CooldownUntil  time.Time
	HasCooldown    bool
	ClockReliable  bool
}

// Rule evaluates one dimension of launch eligibility. allowed=false always
// carries a Reason explaining the denial.
type Rule interface {
	Evaluate(ctx RuleContext, entry policytypes.Entry) (allowed bool, reason *policytypes.Reason)
}

// WindowRule denies launch outside the entry's configured availability
// windows.
type WindowRule struct{}

func (WindowRule) Evaluate(ctx RuleContext, entry policytypes.Entry) (bool, *policytypes.Reason) {
	if entry.Availability.InWindow(ctx.Now) {
		return true, nil
	}
	return false, &policytypes.Reason{Code: policytypes.ReasonOutsideTimeWindow}
}

// QuotaRule denies launch once the entry's daily quota has been consumed.
// A quota of 0 means unlimited. When the clock is not yet proven reliable
// the rule degrades to "allow" rather than risk a false denial off a
// corrupt wall-clock reading (grounded on the same graceful-degradation
// rationale the teacher's daily-limit rule applies).
type QuotaRule struct{}

func (QuotaRule) Evaluate(ctx RuleContext, entry policytypes.Entry) (bool, *policytypes.Reason) {
	quota := entry.Limits.DailyQuota
	if quota <= 0 {
		return true, nil
	}
	if !ctx.ClockReliable {
		return true, nil
	}
	if ctx.DailyUsage >= quota {
		return false, &policytypes.Reason{
			Code:  policytypes.ReasonQuotaExhausted,
			Used:  ctx.DailyUsage,
			Quota: quota,
		}
	}
	return true, nil
}

// CooldownRule denies launch while the entry's post-session cooldown is
// still in effect.
type CooldownRule struct{}

func (CooldownRule) Evaluate(ctx RuleContext, entry policytypes.Entry) (bool, *policytypes.Reason) {
	if !ctx.HasCooldown {
		return true, nil
	}
	if ctx.Now.Before(ctx.CooldownUntil) {
		at := ctx.CooldownUntil
		return false, &policytypes.Reason{Code: policytypes.ReasonCooldownActive, AvailableAt: &at}
	}
	return true, nil
}

// defaultRules is the fixed evaluation order: time window, then quota,
// then cooldown. All three run regardless of earlier failures so a denial
// carries every applicable reason, not just the first one hit.
func defaultRules() []Rule {
	return []Rule{WindowRule{}, QuotaRule{}, CooldownRule{}}
}

// evaluateEntry runs every rule against entry and returns the reasons that
// block it, if any. An empty slice means the entry is currently launchable.
func evaluateEntry(entry policytypes.Entry, ctx RuleContext) []policytypes.Reason {
	var reasons []policytypes.Reason
	if entry.Disabled {
		reasons = append(reasons, policytypes.Reason{
			Code:           policytypes.ReasonDisabled,
			DisabledReason: entry.DisabledReason,
		})
	}
	for _, r := range defaultRules() {
		if ok, reason := r.Evaluate(ctx, entry); !ok && reason != nil {
			reasons = append(reasons, *reason)
		}
	}
	return reasons
}

// remainingQuota returns how much of the entry's daily quota is left, or
// nil when the entry has no quota configured.
func remainingQuota(entry policytypes.Entry, used time.Duration) *time.Duration {
	if entry.Limits.DailyQuota <= 0 {
		return nil
	}
	remaining := entry.Limits.DailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// planMaxDuration computes the session's wall budget as the lesser of
// MaxRun, the remaining daily quota, and the remaining span of the entry's
// current availability window. A nil result means unlimited.
func planMaxDuration(entry policytypes.Entry, dailyUsed time.Duration, clockReliable bool, now time.Time) *time.Duration {
	var budget *time.Duration
	if entry.Limits.MaxRun > 0 {
		v := entry.Limits.MaxRun
		budget = &v
	}
	if entry.Limits.DailyQuota > 0 && clockReliable {
		if rem := remainingQuota(entry, dailyUsed); rem != nil {
			if budget == nil || *rem < *budget {
				budget = rem
			}
		}
	}
	if rem := entry.Availability.RemainingInCurrentWindow(now); rem != nil {
		if budget == nil || *rem < *budget {
			budget = rem
		}
	}
	return budget
}

// filterWarnings drops thresholds that could never fire: a threshold T
// seconds before the deadline is meaningless (and would fire immediately)
// once T >= the session's max duration M. A nil maxDuration means the
// session is unlimited, so every threshold is still reachable.
func filterWarnings(warnings []policytypes.WarningThreshold, maxDuration *time.Duration) []policytypes.WarningThreshold {
	if maxDuration == nil {
		return warnings
	}
	filtered := make([]policytypes.WarningThreshold, 0, len(warnings))
	for _, w := range warnings {
		if time.Duration(w.SecondsBefore)*time.Second < *maxDuration {
			filtered = append(filtered, w)
		}
	}
	return filtered
}
