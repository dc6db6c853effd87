// Package check implements the preflight diagnostic run by the "check"
// subcommand: confirm the zfs binary named in configuration is present
// and executable, that the configuration itself loads and validates, and
// that the management IP used for the control listener can be resolved.
package check

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/joyent/vm-migrate-send/internal/config"
)

// IPResolver discovers the local management IP address, matching
// worker.IPResolver's shape without importing the worker package.
type IPResolver func() (string, error)

// Run loads configuration from configPath (or the built-in defaults if
// configPath is empty), validates it, confirms the configured zfs binary
// resolves to an executable, and confirms resolveIP succeeds. It reports
// progress to out, one line per check.
func Run(ctx context.Context, configPath string, resolveIP IPResolver, out func(string)) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	out("config: OK")

	resolved, err := exec.LookPath(cfg.ZFSPath)
	if err != nil {
		return fmt.Errorf("zfs binary %q: %w", cfg.ZFSPath, err)
	}
	out(fmt.Sprintf("zfs binary %s: OK", resolved))

	if resolveIP != nil {
		host, err := resolveIP()
		if err != nil {
			return fmt.Errorf("management IP: %w", err)
		}
		out(fmt.Sprintf("management IP %s: OK", host))
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	out("all checks passed")
	return nil
}
