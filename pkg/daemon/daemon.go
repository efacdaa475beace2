// Package daemon provides PID-file tracking, signal-driven graceful
// shutdown, and start/stop/restart/status subcommand dispatch for running
// launcherd as a background service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ServiceEntry wires up and starts the service, returning a shutdown
// closure and a channel that closes if the service exits on its own
// (e.g. a fatal internal error), independent of a stop signal.
type ServiceEntry func() (stop func() error, done <-chan struct{}, err error)

// ExitCoder lets an error returned from ServiceEntry carry a specific
// process exit code (e.g. distinguishing a socket-bind failure from a
// config-load failure) instead of the generic 1 every other daemon error
// reports.
type ExitCoder interface {
	ExitCode() int
}

// exitCodeFor returns err's carried exit code via ExitCoder, or 1.
func exitCodeFor(err error) int {
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

// Service tracks one daemon instance's PID file and lifecycle.
type Service struct {
	pidPath string
	start   ServiceEntry
	stop    func() error
	done    <-chan struct{}
	daemon  bool
}

// NewService prepares a Service. pidPath is where the running PID is
// recorded; noDaemon runs the entry in the foreground and exits as soon
// as it returns, instead of blocking for a stop signal.
func NewService(pidPath string, entry ServiceEntry, noDaemon bool) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o750); err != nil {
		return nil, fmt.Errorf("daemon: create pid directory: %w", err)
	}
	return &Service{pidPath: pidPath, start: entry, daemon: !noDaemon}, nil
}

func (s *Service) createPidFile() error {
	pid := os.Getpid()
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	return nil
}

func (s *Service) removePidFile() error {
	if err := os.Remove(s.pidPath); err != nil {
		return fmt.Errorf("daemon: remove pid file: %w", err)
	}
	return nil
}

// Pid returns the PID recorded in the pid file, or 0 if none is recorded.
func (s *Service) Pid() (int, error) {
	data, err := os.ReadFile(s.pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daemon: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("daemon: parse pid file: %w", err)
	}
	return pid, nil
}

// Running reports whether the recorded PID refers to a live process.
func (s *Service) Running() bool {
	pid, err := s.Pid()
	if err != nil || pid == 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func (s *Service) stopService() error {
	log.Info().Msg("daemon: stopping service")
	if err := s.stop(); err != nil {
		log.Error().Err(err).Msg("daemon: error stopping service")
		return err
	}
	if err := s.removePidFile(); err != nil {
		log.Error().Err(err).Msg("daemon: error removing pid file")
		return err
	}
	return nil
}

// setupStopService arranges for SIGINT, SIGTERM, and SIGHUP to all
// trigger the same graceful shutdown path and exit the process.
func (s *Service) setupStopService() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		sig := <-sigs
		log.Info().Str("signal", sig.String()).Msg("daemon: received shutdown signal")
		if err := s.stopService(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}()
}

// startService runs the entry in the foreground, blocking until the
// service is stopped by signal or exits on its own.
func (s *Service) startService() {
	if s.Running() {
		log.Error().Msg("daemon: service already running")
		os.Exit(1)
	}

	log.Info().Msg("daemon: starting service")

	if err := s.createPidFile(); err != nil {
		log.Error().Err(err).Msg("daemon: error creating pid file")
		os.Exit(1)
	}

	stop, done, err := s.start()
	if err != nil {
		log.Error().Err(err).Msg("daemon: error starting service")
		if rmErr := s.removePidFile(); rmErr != nil {
			log.Error().Err(rmErr).Msg("daemon: error removing pid file")
		}
		os.Exit(exitCodeFor(err))
	}

	s.stop = stop
	s.done = done
	s.setupStopService()

	if !s.daemon {
		if stopErr := s.stopService(); stopErr != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	<-done
	log.Info().Msg("daemon: service shut down internally")
	if err := s.removePidFile(); err != nil {
		log.Error().Err(err).Msg("daemon: error removing pid file")
	}
	os.Exit(0)
}

// Start re-execs the current binary in the background, detached into
// its own session, and waits for it to record a PID.
func (s *Service) Start() error {
	if s.Running() {
		return errors.New("daemon: service already running")
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: resolve executable path: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	//nolint:gosec // exePath comes from os.Executable(), not user input
	cmd := exec.CommandContext(ctx, exePath, "exec")
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start service process: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("daemon: release service process: %w", err)
	}

	time.Sleep(500 * time.Millisecond)

	pid, err := s.Pid()
	if err != nil {
		return fmt.Errorf("daemon: pid file not found after start: %w", err)
	}
	if !s.Running() {
		return fmt.Errorf("daemon: process %d started but is no longer running", pid)
	}

	log.Info().Int("pid", pid).Msg("daemon: service process started")
	return nil
}

// Stop sends SIGTERM to the running service process.
func (s *Service) Stop() error {
	if !s.Running() {
		return errors.New("daemon: service not running")
	}
	pid, err := s.Pid()
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("daemon: find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal process: %w", err)
	}
	return nil
}

// Restart stops the running service, waits for it to exit, then starts
// a fresh instance.
func (s *Service) Restart() error {
	if s.Running() {
		if err := s.Stop(); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			return errors.New("daemon: timeout waiting for service to stop")
		}
		time.Sleep(250 * time.Millisecond)
	}

	return s.Start()
}

// ServiceHandler dispatches a daemon subcommand. "exec" runs the service
// in the foreground (blocking); the rest control a background instance
// and exit the process with the outcome.
func (s *Service) ServiceHandler(cmd string) error {
	switch cmd {
	case "exec":
		s.startService()
		return nil
	case "start":
		if err := s.Start(); err != nil {
			log.Error().Err(err).Msg("daemon: error starting service")
			os.Exit(1)
		}
		os.Exit(0)
	case "stop":
		if err := s.Stop(); err != nil {
			log.Error().Err(err).Msg("daemon: error stopping service")
			os.Exit(1)
		}
		os.Exit(0)
	case "restart":
		if err := s.Restart(); err != nil {
			log.Error().Err(err).Msg("daemon: error restarting service")
			os.Exit(1)
		}
		os.Exit(0)
	case "status":
		if s.Running() {
			_, _ = fmt.Println("started")
			os.Exit(0)
		}
		_, _ = fmt.Println("stopped")
		os.Exit(1)
	case "":
		return nil
	default:
		return fmt.Errorf("daemon: unknown service command %q", cmd)
	}
	return nil
}
