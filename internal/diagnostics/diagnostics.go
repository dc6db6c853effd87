// Package diagnostics writes a crash-time dump of the worker's recent log
// records and active task state to a YAML file, for post-mortem
// debugging of a dead worker process.
package diagnostics

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joyent/vm-migrate-send/internal/logging"
	"github.com/joyent/vm-migrate-send/internal/task"
)

// Dump is the crash-time snapshot written to disk when the worker
// encounters an unrecoverable error.
type Dump struct {
	Time    string          `yaml:"time"`
	Reason  string          `yaml:"reason"`
	Task    *task.MigrationTask `yaml:"task,omitempty"`
	Records []logging.Record    `yaml:"recent_log_records"`
}

// Build assembles a Dump from the worker's ring buffer and its active
// task, if any. now is passed in rather than computed internally so the
// dump is deterministic and testable.
func Build(now time.Time, reason string, t *task.MigrationTask, rb *logging.RingBuffer) Dump {
	return Dump{
		Time:    now.UTC().Format(time.RFC3339),
		Reason:  reason,
		Task:    t,
		Records: rb.Snapshot(),
	}
}

// Write serializes the dump as YAML to filename.
func Write(filename string, d Dump) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// Read loads a previously written dump, used by operators and by tests
// that round-trip a dump.
func Read(filename string) (Dump, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Dump{}, err
	}
	var d Dump
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Dump{}, err
	}
	return d, nil
}
