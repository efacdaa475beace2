// Command launcherd runs the policy-enforced launcher service: it loads
// the service config and policy file, opens the persistence store, and
// dispatches the requested daemon subcommand (exec/start/stop/restart/
// status); with no subcommand it exits without starting the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/launcherd/launcherd/internal/telemetry"
	"github.com/launcherd/launcherd/pkg/config"
	"github.com/launcherd/launcherd/pkg/daemon"
	"github.com/launcherd/launcherd/pkg/helpers"
	"github.com/launcherd/launcherd/pkg/helpers/command"
	"github.com/launcherd/launcherd/pkg/hostsupervisor"
	"github.com/launcherd/launcherd/pkg/orchestrator"
	"github.com/launcherd/launcherd/pkg/policy"
	"github.com/launcherd/launcherd/pkg/store"
)

const appVersion = "0.1.0"

// Service exit codes (spec §6): 0 clean, 1 config error, 2 socket error,
// 3 store error. startupError lets startOrchestrator's failure carry one
// of these back through daemon.ServiceEntry's plain error return.
const (
	exitConfigError = 1
	exitSocketError = 2
	exitStoreError  = 3
)

type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }
func (e *startupError) ExitCode() int { return e.code }

func defaultDataDir() string {
	return filepath.Join(xdg.DataHome, "launcherd")
}

func main() {
	dataDirFlag := flag.String("data-dir", defaultDataDir(), "directory for config, policy, and state")
	noDaemonFlag := flag.Bool("no-daemon", false, "run in the foreground, exiting immediately instead of blocking")
	flag.Parse()

	cmd := flag.Arg(0)

	if os.Geteuid() == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "launcherd must not be run as root")
		os.Exit(1)
	}

	dataDir := *dataDirFlag
	cfgPath := filepath.Join(dataDir, config.CfgFile)
	cfg, err := config.Load(cfgPath, config.Defaults(dataDir))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	logWriters := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if cmd == "exec" {
		logWriters = []io.Writer{os.Stderr}
	}
	if err := helpers.InitLogging(cfg.LogDir(), logWriters...); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logging: %s\n", err)
		os.Exit(1)
	}

	if err := telemetry.Init(cfg.TelemetryEnabled(), cfg.TelemetryDSN(), cfg.DeviceID(), appVersion); err != nil {
		log.Warn().Err(err).Msg("telemetry initialization failed, continuing without it")
	}
	defer telemetry.Close()

	pidPath := filepath.Join(dataDir, "launcherd.pid")
	svc, err := daemon.NewService(pidPath, func() (func() error, <-chan struct{}, error) {
		return startOrchestrator(cfg)
	}, *noDaemonFlag)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct daemon service")
		os.Exit(1)
	}

	if err := svc.ServiceHandler(cmd); err != nil {
		log.Error().Err(err).Msg("daemon command failed")
		os.Exit(1)
	}
}

// startOrchestrator loads the policy file, opens the store, and wires up
// the host supervisor and orchestrator. It matches daemon.ServiceEntry's
// shape so it can be passed directly to daemon.NewService.
func startOrchestrator(cfg *config.Instance) (func() error, <-chan struct{}, error) {
	log.Info().Str("version", appVersion).Msg("launcherd starting")

	policyDoc, err := config.LoadPolicy(cfg.PolicyFile())
	if err != nil {
		return nil, nil, &startupError{code: exitConfigError, err: fmt.Errorf("main: load policy: %w", err)}
	}

	dbPath := filepath.Join(cfg.DataDir(), "launcherd.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, &startupError{code: exitStoreError, err: fmt.Errorf("main: open store: %w", err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	supervisor := hostsupervisor.NewLinuxSupervisor(ctx, &command.RealExecutor{})

	clock := clockwork.NewRealClock()
	engine := policy.New(policyDoc, st, clock)
	orch := orchestrator.New(cfg, engine, supervisor, st, clock)

	stop, done, err := orch.Start()
	if err != nil {
		cancel()
		_ = st.Close()
		return nil, nil, &startupError{code: exitSocketError, err: fmt.Errorf("main: start orchestrator: %w", err)}
	}

	wrappedStop := func() error {
		err := stop()
		cancel()
		if closeErr := st.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("main: error closing store")
		}
		return err
	}

	return wrappedStop, done, nil
}
