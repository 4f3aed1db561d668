// Package bootstrap detaches the monitor from its parent, installs it as a
// Linux child subreaper, and records its PID (spec.md §4.1).
//
// Go cannot safely call a raw fork() mid-runtime (the scheduler's other
// OS threads would not survive the fork), so the "double fork and detach"
// idiom from conmon/conmon-rs is replaced with the self-reexec pattern the
// corpus's own container shims use for the same detach-and-survive
// problem: other_examples' containerd-shim main.go starts its child with
// Setsid/Pdeathsig and lets the parent return immediately, and
// canonical-pebble's reaper (internal/overlord/servstate/reaper.go)
// installs PR_SET_CHILD_SUBREAPER as done here; reaping itself lives in
// internal/reaper, which uses a blocking Wait4. original_source/conmon-rs/server/src/init.rs's
// OOM score adjustment is carried over unchanged in spirit.
package bootstrap

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/conmonerr"
)

const reexecEnv = "_CONMON_GO_REEXEC"

// ResetLocale sets the process environment's locale variables to the
// neutral "C" locale, matching init.rs's libc::setlocale(LC_ALL, "") call.
// Go has no process-wide setlocale equivalent; exported formatting (time,
// numbers) in this codebase never consults the C locale, so the only thing
// that needs resetting is the environment the OCI runtime - a C program -
// inherits from us, which is what os.Setenv achieves here.
func ResetLocale() {
	os.Setenv("LC_ALL", "C")
	os.Setenv("LANG", "C")
}

// Detach re-execs the current binary in a new session, detached from the
// controlling terminal. Once the child has started, the parent writes the
// child's PID to pidFile (skipped when pidFile is empty). It returns (true, nil) in the
// parent (caller should exit immediately) and (false, nil) in the child
// (caller should continue startup and call InstallSubreaper).
func Detach(pidFile string) (isParent bool, err error) {
	if os.Getenv(reexecEnv) == "1" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, conmonerr.Wrap(conmonerr.ChildSpawnFailure, err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return false, conmonerr.Wrap(conmonerr.ChildSpawnFailure, err)
	}

	if pidFile != "" {
		if err := WritePidFile(pidFile, cmd.Process.Pid); err != nil {
			return false, err
		}
	}

	return true, nil
}

// InstallSubreaper marks the calling process as the reaper of record for
// any orphaned descendants, so that grandchildren created by the OCI
// runtime are reparented to us rather than to PID 1.
func InstallSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return conmonerr.Wrap(conmonerr.RuntimeFailure, fmt.Errorf("prctl(PR_SET_CHILD_SUBREAPER): %w", err))
	}
	return nil
}

// WritePidFile writes pid to path, creating or truncating it.
func WritePidFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}

// AdjustOOMScore writes score to /proc/self/oom_score_adj on a best-effort
// basis; a permission failure is logged by the caller, not fatal.
func AdjustOOMScore(score string) error {
	f, err := os.OpenFile("/proc/self/oom_score_adj", os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	defer f.Close()
	if _, err := f.WriteString(score); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}
