// Package reaper tracks supervised grandchild processes, waits on their
// termination, and persists exit status to disk (spec.md §4.2).
//
// Grounded on original_source/conmon-rs/server/src/child_reaper.rs (a
// Mutex<MultiMap<String, ReapableChild>> with a spawn_blocking waitpid per
// child) and on the teacher's isMonitorRunning (container.go), which reads
// unix.Wait4 results the same way. The 128+signal exit-code convention is
// grounded on other_examples' canonical-pebble reaper
// (internal/overlord/servstate/reaper.go), which computes the same value
// for a signaled child.
package reaper

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/conmonerr"
)

// Child is a supervised grandchild process (spec.md §3).
type Child struct {
	ID        string
	Pid       int
	ExitPaths []string

	// CleanupCmd, if non-empty, is run (best-effort, logged on failure)
	// once the grandchild's exit code has been written, per spec.md
	// §6.1's cleanup_cmd.
	CleanupCmd []string
}

// ReapableChild is the internal projection stored in the reaper's multimap.
type ReapableChild struct {
	Pid        int
	ExitPaths  []string
	CleanupCmd []string
}

// Reaper owns the id -> []ReapableChild multimap and the blocking waiters.
type Reaper struct {
	log zerolog.Logger

	mu       sync.Mutex
	children map[string][]ReapableChild
}

// New creates an empty Reaper.
func New(log zerolog.Logger) *Reaper {
	return &Reaper{
		log:      log.With().Str("subsystem", "reaper").Logger(),
		children: make(map[string][]ReapableChild),
	}
}

// Watch registers child and spawns a blocking waiter for its PID. Once the
// grandchild terminates, its exit code is written to every path in
// ExitPaths (creating/truncating each), and only then is the multimap
// entry removed - satisfying spec.md §5's ordering guarantee that the exit
// file is visible before the entry disappears.
func (r *Reaper) Watch(child Child) {
	rc := ReapableChild{
		Pid:        child.Pid,
		ExitPaths:  append([]string(nil), child.ExitPaths...),
		CleanupCmd: append([]string(nil), child.CleanupCmd...),
	}

	r.mu.Lock()
	r.children[child.ID] = append(r.children[child.ID], rc)
	r.mu.Unlock()

	go r.wait(child.ID, rc)
}

func (r *Reaper) wait(id string, rc ReapableChild) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(rc.Pid, &ws, 0, nil)
	switch {
	case err == nil:
		code := exitCode(ws)
		if writeErr := writeExitPaths(code, rc.ExitPaths); writeErr != nil {
			r.log.Error().Err(writeErr).Str("id", id).Int("pid", rc.Pid).Msg("failed to write exit file")
		}
		r.runCleanup(id, rc.CleanupCmd)
	case err == unix.ECHILD:
		// already reaped elsewhere (or never ours); nothing to write.
	default:
		r.log.Error().Err(err).Str("id", id).Int("pid", rc.Pid).Msg("waitpid failed")
	}

	r.forget(id, rc.Pid)
}

func exitCode(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

func writeExitPaths(code int, paths []string) error {
	data := []byte(strconv.Itoa(code))
	var firstErr error
	for _, p := range paths {
		if err := os.WriteFile(p, data, 0o644); err != nil && firstErr == nil {
			firstErr = conmonerr.Wrap(conmonerr.IoError, err)
		}
	}
	return firstErr
}

func (r *Reaper) runCleanup(id string, cmd []string) {
	if len(cmd) == 0 {
		return
	}
	if err := exec.Command(cmd[0], cmd[1:]...).Run(); err != nil {
		r.log.Warn().Err(err).Str("id", id).Strs("cleanup_cmd", cmd).Msg("cleanup_cmd failed")
	}
}

func (r *Reaper) forget(id string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.children[id]
	for i, c := range list {
		if c.Pid == pid {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.children, id)
	} else {
		r.children[id] = list
	}
}

// Get returns a copy of the tracked projections for id.
func (r *Reaper) Get(id string) ([]ReapableChild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.children[id]
	if !ok {
		return nil, conmonerr.Errorf(conmonerr.NotFound, "no children tracked for id %q", id)
	}
	return append([]ReapableChild(nil), list...), nil
}

// KillAll sends signal to every tracked grandchild PID, used during
// graceful shutdown (spec.md §4.2, §4.7).
func (r *Reaper) KillAll(signal unix.Signal) {
	r.mu.Lock()
	pids := make([]int, 0, len(r.children))
	for _, list := range r.children {
		for _, c := range list {
			pids = append(pids, c.Pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range pids {
		if err := unix.Kill(pid, signal); err != nil {
			r.log.Warn().Err(err).Int("pid", pid).Msg("failed to signal grandchild")
		}
	}
}

// ConsoleWaiter is satisfied by *terminal.Terminal; kept as a narrow
// interface here to avoid reaper depending on the terminal package's full
// surface.
type ConsoleWaiter interface {
	WaitConnected(ctx context.Context) error
}

// CreateChild spawns the OCI runtime with argv, awaits its exit (the
// runtime is the intermediate detacher, not the container itself), then
// reads the grandchild PID from pidfile. If console is non-nil, it waits
// (bounded by ctx) for the PTY acquisition callback to fire before
// returning, matching spec.md §4.2's create_child contract.
func (r *Reaper) CreateChild(ctx context.Context, runtimeArgv []string, console ConsoleWaiter, pidfile string) (int, error) {
	cmd := runtimeCommand(ctx, runtimeArgv)
	if err := cmd.Run(); err != nil {
		return 0, conmonerr.Wrap(conmonerr.RuntimeFailure, err)
	}

	if console != nil {
		if err := console.WaitConnected(ctx); err != nil {
			return 0, conmonerr.Wrap(conmonerr.Timeout, err)
		}
	}

	data, err := os.ReadFile(pidfile)
	if err != nil {
		return 0, conmonerr.Wrap(conmonerr.IoError, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, conmonerr.Errorf(conmonerr.IoError, "parsing grandchild pid from %q: %s", pidfile, err)
	}
	return pid, nil
}

// commandRunner is the minimal surface CreateChild needs from an
// *exec.Cmd, factored out purely so tests can substitute a fake runtime
// without actually invoking a binary.
type commandRunner interface {
	Run() error
}

// runtimeCommand builds the command CreateChild runs; it is a variable so
// that it can be replaced.
var runtimeCommand = defaultRuntimeCommand

func defaultRuntimeCommand(ctx context.Context, argv []string) commandRunner {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}
