// Package config holds the monitor's validated runtime configuration.
//
// Constructing and validating a Config is the one piece of CLI/environment
// binding this package owns; argument parsing itself lives in cmd/conmon,
// which is an external collaborator in the sense of spec.md §1 — this
// package only describes the shape and invariants of the result.
package config

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/containers/conmon-go/internal/conmonerr"
)

// LogDriver selects where the monitor's own log output (not the container's)
// is written.
type LogDriver string

// Recognized log drivers (spec.md §6.3).
const (
	LogDriverStdout  LogDriver = "stdout"
	LogDriverSystemd LogDriver = "systemd"
)

// Config is the monitor's immutable-after-validation configuration.
//
// Invariants (spec.md §3): Runtime exists and is executable; Socket's parent
// directory exists; RuntimeRoot is created if missing.
type Config struct {
	// LogLevel is the monitor's own log verbosity.
	LogLevel zerolog.Level

	// LogDriver selects where the monitor's own logs are written.
	LogDriver LogDriver

	// ConmonPidFile, if set, receives the decimal PID of the monitor
	// process (the reaper-owning child, not the launcher) during bootstrap.
	ConmonPidFile string

	// Runtime is the path to the OCI runtime binary (e.g. runc, crun).
	Runtime string

	// RuntimeRoot is the --root directory passed to the OCI runtime.
	RuntimeRoot string

	// Socket is the path of the main RPC listening socket.
	Socket string

	// FdSocket is the optional path of the FD-passing control socket. If
	// empty, cmd/conmon uses Socket with a ".fd" suffix.
	FdSocket string
}

// Validate checks and, where the spec allows it, repairs the configuration
// in place. It must be called exactly once before the Config is used.
func (c *Config) Validate() error {
	if c.Runtime == "" {
		return conmonerr.Errorf(conmonerr.ConfigInvalid, "runtime path is required")
	}
	info, err := os.Stat(c.Runtime)
	if err != nil {
		return conmonerr.Errorf(conmonerr.ConfigInvalid, "runtime path %q does not exist: %s", c.Runtime, err)
	}
	if info.Mode()&0o111 == 0 {
		return conmonerr.Errorf(conmonerr.ConfigInvalid, "runtime path %q is not executable", c.Runtime)
	}

	if c.RuntimeRoot != "" {
		if err := os.MkdirAll(c.RuntimeRoot, 0o755); err != nil {
			return conmonerr.Errorf(conmonerr.ConfigInvalid, "failed to create runtime root %q: %s", c.RuntimeRoot, err)
		}
	}

	if c.Socket == "" {
		c.Socket = "conmon.sock"
	}
	dir := filepath.Dir(c.Socket)
	if _, err := os.Stat(dir); err != nil {
		return conmonerr.Errorf(conmonerr.ConfigInvalid, "socket parent directory %q does not exist: %s", dir, err)
	}

	switch c.LogDriver {
	case LogDriverStdout, LogDriverSystemd:
	case "":
		c.LogDriver = LogDriverStdout
	default:
		return conmonerr.Errorf(conmonerr.ConfigInvalid, "unknown log driver %q", c.LogDriver)
	}

	return nil
}
