// Package util resolves the worker's log file path from its bootstrap
// environment variables and wires up logging against it.
package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joyent/vm-migrate-send/internal/logging"
)

// defaultLogDir is used when the logdir environment variable is unset.
const defaultLogDir = "/var/log/vm-migrate-send"

// LogFilePath builds the worker's log file path from the logdir and
// logtimestamp environment variables consumed at bootstrap, per the
// worker's environment contract. The file is named
// vm-migrate-send-<stamp>.log, where stamp is logtimestamp verbatim if
// set and otherwise the current UTC time formatted as 20060102T150405Z.
func LogFilePath(logdir, logtimestamp string, now time.Time) string {
	dir := logdir
	if dir == "" {
		dir = defaultLogDir
	}
	stamp := logtimestamp
	if stamp == "" {
		stamp = now.UTC().Format("20060102T150405Z")
	}
	return filepath.Join(dir, fmt.Sprintf("vm-migrate-send-%s.log", stamp))
}

// SetupDirectories creates each of dirs, including parents.
func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SetupLogging creates logPath's parent directory and wires up the
// worker's logger against it.
func SetupLogging(logPath string) (*slog.Logger, *os.File, *logging.RingBuffer, error) {
	if err := SetupDirectories(filepath.Dir(logPath)); err != nil {
		return nil, nil, nil, err
	}
	return logging.NewLogger(logPath)
}
