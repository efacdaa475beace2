package helpers

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName = "launcherd.log"
	logMaxSizeMB = 1
	logMaxBackups = 2
)

var currentLogWriter io.Writer = os.Stderr

// InitLogging points the global zerolog logger at a rotating file in
// logDir, optionally fanning out to any extra writers (e.g. stderr in
// foreground mode). Call once during daemon startup.
func InitLogging(logDir string, extra ...io.Writer) error {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	writers := []io.Writer{&lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}}
	writers = append(writers, extra...)

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	multi := io.MultiWriter(writers...)
	currentLogWriter = multi

	log.Logger = log.Output(multi).With().Timestamp().Caller().Logger()
	return nil
}

// LogWriter returns the writer the global logger currently fans out to,
// so a second consumer (telemetry's Sentry writer) can be layered in
// alongside it without re-deriving the rotating-file configuration.
func LogWriter() io.Writer {
	return currentLogWriter
}
