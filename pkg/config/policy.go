package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

// policyFile is the on-disk TOML shape of the policy file. It is kept
// separate from policytypes.Policy so the wire format (string durations,
// day names) can evolve independently of the engine's in-memory types.
type policyFile struct {
	DefaultMaxRun   string            `toml:"default_max_run,omitempty" validate:"omitempty,duration"`
	DefaultWarnings []warningFile     `toml:"default_warnings,omitempty" validate:"dive"`
	Volume          *volumeFile       `toml:"volume,omitempty"`
	Entries         []entryFile       `toml:"entries" validate:"required,dive"`
}

type entryFile struct {
	ID             string            `toml:"id" validate:"required"`
	Label          string            `toml:"label" validate:"required"`
	IconRef        string            `toml:"icon_ref,omitempty"`
	Kind           string            `toml:"kind" validate:"required,oneof=process snap vm media custom"`
	Payload        map[string]string `toml:"payload,omitempty"`
	Always         bool              `toml:"always,omitempty"`
	Windows        []windowFile      `toml:"windows,omitempty" validate:"dive"`
	MaxRun         string            `toml:"max_run,omitempty" validate:"omitempty,duration"`
	DailyQuota     string            `toml:"daily_quota,omitempty" validate:"omitempty,duration"`
	Cooldown       string            `toml:"cooldown,omitempty" validate:"omitempty,duration"`
	Warnings       []warningFile     `toml:"warnings,omitempty" validate:"dive"`
	Volume         *volumeFile       `toml:"volume,omitempty"`
	Disabled       bool              `toml:"disabled,omitempty"`
	DisabledReason string            `toml:"disabled_reason,omitempty"`
}

// windowFile's Days is a list of three-letter weekday abbreviations, e.g.
// ["mon", "tue", "wed"], to keep the policy file human-editable.
type windowFile struct {
	Days  []string `toml:"days" validate:"required,dive,oneof=mon tue wed thu fri sat sun"`
	Start string   `toml:"start" validate:"required"`
	End   string   `toml:"end" validate:"required"`
}

type warningFile struct {
	Message       string `toml:"message,omitempty"`
	Severity      string `toml:"severity" validate:"required,oneof=info warn critical"`
	SecondsBefore uint64 `toml:"seconds_before" validate:"required"`
}

type volumeFile struct {
	Muted    bool `toml:"muted,omitempty"`
	MaxLevel int  `toml:"max_level,omitempty" validate:"gte=0,lte=100"`
}

var durationValidator = func(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// LoadPolicy reads, validates, and translates the policy file at path
// into the engine's in-memory Policy type.
func LoadPolicy(path string) (*policytypes.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file %s: %w", path, err)
	}

	var raw policyFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse policy file %s: %w", path, err)
	}

	v := validator.New()
	if err := v.RegisterValidation("duration", durationValidator); err != nil {
		return nil, fmt.Errorf("config: register validator: %w", err)
	}
	if err := v.Struct(raw); err != nil {
		return nil, fmt.Errorf("config: invalid policy file %s: %w", path, err)
	}

	return translatePolicy(raw)
}

func translatePolicy(raw policyFile) (*policytypes.Policy, error) {
	defaultMaxRun, err := parseOptionalDuration(raw.DefaultMaxRun)
	if err != nil {
		return nil, fmt.Errorf("config: default_max_run: %w", err)
	}

	var volume policytypes.VolumePolicy
	if raw.Volume != nil {
		volume = *translateVolume(raw.Volume)
	}

	policy := &policytypes.Policy{
		DefaultMaxRun:   defaultMaxRun,
		DefaultWarnings: translateWarnings(raw.DefaultWarnings),
		Volume:          volume,
		Entries:         make([]policytypes.Entry, 0, len(raw.Entries)),
	}

	seen := make(map[string]bool, len(raw.Entries))
	for _, e := range raw.Entries {
		if seen[e.ID] {
			return nil, fmt.Errorf("config: duplicate entry id %q in policy file", e.ID)
		}
		seen[e.ID] = true

		entry, err := translateEntry(e)
		if err != nil {
			return nil, fmt.Errorf("config: entry %q: %w", e.ID, err)
		}
		policy.Entries = append(policy.Entries, entry)
	}

	return policy, nil
}

func translateEntry(e entryFile) (policytypes.Entry, error) {
	maxRun, err := parseOptionalDuration(e.MaxRun)
	if err != nil {
		return policytypes.Entry{}, fmt.Errorf("max_run: %w", err)
	}
	dailyQuota, err := parseOptionalDuration(e.DailyQuota)
	if err != nil {
		return policytypes.Entry{}, fmt.Errorf("daily_quota: %w", err)
	}
	cooldown, err := parseOptionalDuration(e.Cooldown)
	if err != nil {
		return policytypes.Entry{}, fmt.Errorf("cooldown: %w", err)
	}

	windows := make([]policytypes.TimeWindow, 0, len(e.Windows))
	for _, w := range e.Windows {
		tw, err := translateWindow(w)
		if err != nil {
			return policytypes.Entry{}, err
		}
		windows = append(windows, tw)
	}

	return policytypes.Entry{
		ID:      policytypes.EntryId(e.ID),
		Label:   e.Label,
		IconRef: e.IconRef,
		Kind:    policytypes.EntryKind(e.Kind),
		Payload: e.Payload,
		Availability: policytypes.Availability{
			Always:  e.Always,
			Windows: windows,
		},
		Limits: policytypes.Limits{
			MaxRun:     maxRun,
			DailyQuota: dailyQuota,
			Cooldown:   cooldown,
		},
		Warnings:       translateWarnings(e.Warnings),
		Volume:         translateVolume(e.Volume),
		Disabled:       e.Disabled,
		DisabledReason: e.DisabledReason,
	}, nil
}

func translateWindow(w windowFile) (policytypes.TimeWindow, error) {
	start, err := parseWallClock(w.Start)
	if err != nil {
		return policytypes.TimeWindow{}, fmt.Errorf("window start %q: %w", w.Start, err)
	}
	end, err := parseWallClock(w.End)
	if err != nil {
		return policytypes.TimeWindow{}, fmt.Errorf("window end %q: %w", w.End, err)
	}

	var days byte
	for _, d := range w.Days {
		days |= dayBitForName(d)
	}

	return policytypes.TimeWindow{Days: days, Start: start, End: end}, nil
}

func dayBitForName(name string) byte {
	switch name {
	case "mon":
		return policytypes.DayMon
	case "tue":
		return policytypes.DayTue
	case "wed":
		return policytypes.DayWed
	case "thu":
		return policytypes.DayThu
	case "fri":
		return policytypes.DayFri
	case "sat":
		return policytypes.DaySat
	case "sun":
		return policytypes.DaySun
	default:
		return 0
	}
}

// parseWallClock parses an "HH:MM" string into minutes since midnight.
func parseWallClock(s string) (policytypes.WallClock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return policytypes.WallClock(t.Hour()*60 + t.Minute()), nil
}

func translateWarnings(raw []warningFile) []policytypes.WarningThreshold {
	out := make([]policytypes.WarningThreshold, 0, len(raw))
	for _, w := range raw {
		out = append(out, policytypes.WarningThreshold{
			Message:       w.Message,
			Severity:      policytypes.Severity(w.Severity),
			SecondsBefore: w.SecondsBefore,
		})
	}
	return out
}

func translateVolume(v *volumeFile) *policytypes.VolumePolicy {
	if v == nil {
		return nil
	}
	return &policytypes.VolumePolicy{Muted: v.Muted, MaxLevel: v.MaxLevel}
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
