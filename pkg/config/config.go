package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	// SchemaVersion is bumped whenever Values' on-disk shape changes in a
	// way Load cannot transparently migrate.
	SchemaVersion = 1
	// CfgEnv overrides the config file path, mirroring how a systemd unit
	// or test harness points the daemon at an alternate file.
	CfgEnv = "LAUNCHERD_CFG"
	// CfgFile is the default config file name under DataDir.
	CfgFile = "launcherd.toml"
)

// Telemetry configures optional crash reporting.
type Telemetry struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn,omitempty"`
}

// Values is the on-disk shape of the service's own configuration — socket
// and data paths, logging verbosity, telemetry. Policy entries live in a
// separate file, loaded by LoadPolicy, since they change on a different
// cadence and are edited by a different audience.
type Values struct {
	ConfigSchema int       `toml:"config_schema"`
	DeviceID     string    `toml:"device_id"`
	SocketPath   string    `toml:"socket_path,omitempty"`
	DataDir      string    `toml:"data_dir,omitempty"`
	LogDir       string    `toml:"log_dir,omitempty"`
	PolicyFile   string    `toml:"policy_file,omitempty"`
	DebugLogging bool      `toml:"debug_logging"`
	Telemetry    Telemetry `toml:"telemetry,omitempty"`
}

// Defaults returns the Values a fresh install is seeded with, rooted
// under baseDir (typically $XDG_DATA_HOME/launcherd or similar).
func Defaults(baseDir string) Values {
	return Values{
		ConfigSchema: SchemaVersion,
		SocketPath:   filepath.Join(baseDir, "launcherd.sock"),
		DataDir:      baseDir,
		LogDir:       filepath.Join(baseDir, "log"),
		PolicyFile:   filepath.Join(baseDir, "policy.toml"),
	}
}

// Instance is the service's own configuration, guarded by a mutex since
// Reload (driven by the reload_config command) may swap it in
// while other goroutines are reading.
type Instance struct {
	cfgPath string
	vals    Values
	mu      sync.RWMutex
}

// Load reads and parses the config file at cfgPath, seeding it with
// defaults and writing it to disk on first run.
func Load(cfgPath string, defaults Values) (*Instance, error) {
	if env := os.Getenv(CfgEnv); env != "" {
		cfgPath = env
	}

	inst := &Instance{cfgPath: cfgPath, vals: defaults}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		log.Info().Str("path", cfgPath).Msg("config: writing new default config")
		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
			return nil, fmt.Errorf("config: create config directory: %w", err)
		}
		if err := inst.Save(); err != nil {
			return nil, err
		}
	}

	if err := inst.reload(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (c *Instance) reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", c.cfgPath, err)
	}

	var vals Values
	if err := toml.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("config: parse %s: %w", c.cfgPath, err)
	}
	if vals.ConfigSchema != SchemaVersion {
		return fmt.Errorf("config: schema version mismatch: got %d, expecting %d", vals.ConfigSchema, SchemaVersion)
	}
	c.vals = vals
	return nil
}

// Reload re-reads the config file from disk, replacing the in-memory
// Values wholesale.
func (c *Instance) Reload() error {
	return c.reload()
}

// Save writes the current Values to disk, generating a device ID on
// first save.
func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config: no config path set")
	}
	c.vals.ConfigSchema = SchemaVersion
	if c.vals.DeviceID == "" {
		c.vals.DeviceID = uuid.NewString()
	}

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", c.cfgPath, err)
	}
	return nil
}

func (c *Instance) SocketPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.SocketPath
}

func (c *Instance) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DataDir
}

func (c *Instance) LogDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.LogDir
}

func (c *Instance) PolicyFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.PolicyFile
}

func (c *Instance) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DeviceID
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) TelemetryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Telemetry.Enabled
}

func (c *Instance) TelemetryDSN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Telemetry.DSN
}
