// Package ociruntime wraps invocation of the configured OCI runtime binary
// (runc, crun, ...), the only component allowed to actually create
// containers or manage cgroups/namespaces (spec.md §1 Non-goals; §4.2).
//
// Grounded on other_examples' containerd-go-runc client (Runc.command,
// CreateOpts.args, ExecOpts.args, runOrError): the same "build argv,
// exec.Command, surface combined output on failure" shape, generalized
// from a hardcoded "runc" binary to the configured Runtime path.
package ociruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/containers/conmon-go/internal/conmonerr"
)

// Runtime invokes an OCI runtime binary.
type Runtime struct {
	Path string
	Root string
}

// New creates a Runtime bound to path, with an optional runtime state root.
func New(path, root string) *Runtime {
	return &Runtime{Path: path, Root: root}
}

func (r *Runtime) globalArgs() []string {
	var out []string
	if r.Root != "" {
		out = append(out, "--root", r.Root)
	}
	return out
}

// CreateOpts configures a Create invocation.
type CreateOpts struct {
	PidFile       string
	ConsoleSocket string
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer

	// ExtraFiles are inherited by the spawned runtime process (and, by
	// extension, the grandchild it execs) starting at fd 3, the same
	// dup-then-exec handoff fd_mapping.rs performs for additional_fds.
	ExtraFiles []*os.File

	// GlobalArgs are inserted before the "create" subcommand (e.g. extra
	// runtime-global flags a caller wants applied only to this
	// invocation), CommandArgs after it, per spec.md §6.1's global_args/
	// command_args.
	GlobalArgs  []string
	CommandArgs []string

	// Env, if non-empty, replaces the spawned process's environment with
	// os.Environ() plus these KEY=VALUE entries (spec.md §6.1's env_vars).
	Env []string
}

func (o *CreateOpts) args() []string {
	var out []string
	if o.PidFile != "" {
		out = append(out, "--pid-file", o.PidFile)
	}
	if o.ConsoleSocket != "" {
		out = append(out, "--console-socket", o.ConsoleSocket)
	}
	return out
}

// Create runs `<runtime> create --bundle <bundle> [opts] <id>`.
func (r *Runtime) Create(ctx context.Context, id, bundle string, opts *CreateOpts) error {
	args := r.globalArgs()
	if opts != nil {
		args = append(args, opts.GlobalArgs...)
	}
	args = append(args, "create", "--bundle", bundle)
	if opts != nil {
		args = append(args, opts.args()...)
		args = append(args, opts.CommandArgs...)
	}
	cmd := r.command(ctx, append(args, id)...)
	if opts != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = opts.Stdin, opts.Stdout, opts.Stderr
		cmd.ExtraFiles = opts.ExtraFiles
		if len(opts.Env) > 0 {
			cmd.Env = append(os.Environ(), opts.Env...)
		}
	}
	return r.runOrError(cmd)
}

// Start runs `<runtime> start <id>`.
func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.runOrError(r.command(ctx, append(r.globalArgs(), "start", id)...))
}

// ExecOpts configures an Exec invocation.
type ExecOpts struct {
	PidFile       string
	ConsoleSocket string
	Cwd           string
	Env           []string
	User          string
	Tty           bool
	Detach        bool
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func (o *ExecOpts) args() []string {
	var out []string
	if o.PidFile != "" {
		out = append(out, "--pid-file", o.PidFile)
	}
	if o.ConsoleSocket != "" {
		out = append(out, "--console-socket", o.ConsoleSocket)
	}
	if o.Cwd != "" {
		out = append(out, "--cwd", o.Cwd)
	}
	if o.User != "" {
		out = append(out, "--user", o.User)
	}
	for _, e := range o.Env {
		out = append(out, "--env", e)
	}
	if o.Tty {
		out = append(out, "--tty")
	}
	if o.Detach {
		out = append(out, "--detach")
	}
	return out
}

// ExecProcess runs `<runtime> exec --process <file> [opts] <id>` with a
// full OCI process spec serialized to a temp file, matching
// containerd-go-runc's ExecProcess.
func (r *Runtime) ExecProcess(ctx context.Context, id, processJSONPath string, opts *ExecOpts) error {
	args := append(r.globalArgs(), "exec", "--process", processJSONPath)
	if opts != nil {
		args = append(args, opts.args()...)
	}
	cmd := r.command(ctx, append(args, id)...)
	if opts != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = opts.Stdin, opts.Stdout, opts.Stderr
	}
	return r.runOrError(cmd)
}

// Exec runs `<runtime> exec [opts] <id> <command...>`, matching
// original_source's generate_exec_sync_args (a plain command vector rather
// than a serialized process spec). It is used for the detached
// (ExecContainer) path, where only success/failure is reported.
func (r *Runtime) Exec(ctx context.Context, id string, command []string, opts *ExecOpts) error {
	cmd := r.execCmd(ctx, id, command, opts)
	return r.runOrError(cmd)
}

// ExecResult is the outcome of a foreground ExecSync invocation.
type ExecResult struct {
	ExitCode int
	TimedOut bool
}

// ExecSync runs `<runtime> exec [opts] <id> <command...>` to completion,
// honoring ctx's deadline as spec.md §6.1's timeout_sec: a command still
// running when ctx expires is killed and reported as timed out with the
// conventional 128+SIGKILL exit code, matching generate_exec_sync_args's
// timeout handling. Unlike Exec/runOrError, the real exit code is surfaced
// instead of being collapsed into a single RuntimeFailure error.
func (r *Runtime) ExecSync(ctx context.Context, id string, command []string, opts *ExecOpts) (*ExecResult, error) {
	cmd := r.execCmd(ctx, id, command, opts)

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		// cmd.Run's context-kill path sends SIGKILL; 128+9 is the usual
		// shell/waitpid convention for a signaled exit.
		return &ExecResult{ExitCode: 137, TimedOut: true}, nil
	}
	if runErr == nil {
		return &ExecResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return &ExecResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return nil, conmonerr.Wrap(conmonerr.RuntimeFailure, runErr)
}

func (r *Runtime) execCmd(ctx context.Context, id string, command []string, opts *ExecOpts) *exec.Cmd {
	args := append(r.globalArgs(), "exec")
	if opts != nil {
		args = append(args, opts.args()...)
	}
	args = append(args, id)
	args = append(args, command...)
	cmd := r.command(ctx, args...)
	if opts != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = opts.Stdin, opts.Stdout, opts.Stderr
		if len(opts.Env) > 0 {
			cmd.Env = append(os.Environ(), opts.Env...)
		}
	}
	return cmd
}

// Kill runs `<runtime> kill <id> <signal>`.
func (r *Runtime) Kill(ctx context.Context, id string, signal int) error {
	return r.runOrError(r.command(ctx, append(r.globalArgs(), "kill", id, fmt.Sprint(signal))...))
}

// Delete runs `<runtime> delete <id>`.
func (r *Runtime) Delete(ctx context.Context, id string) error {
	return r.runOrError(r.command(ctx, append(r.globalArgs(), "delete", id)...))
}

func (r *Runtime) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.Path, args...)
}

func (r *Runtime) runOrError(cmd *exec.Cmd) error {
	if cmd.Stdout != nil || cmd.Stderr != nil {
		// The caller routed the output elsewhere; CombinedOutput would refuse.
		if err := cmd.Run(); err != nil {
			return conmonerr.Wrap(conmonerr.RuntimeFailure, err)
		}
		return nil
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return conmonerr.Wrap(conmonerr.RuntimeFailure, fmt.Errorf("%s: %s", err, out))
	}
	return nil
}
