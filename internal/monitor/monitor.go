// Package monitor implements rpcserver.Service: the business logic behind
// every RPC exposed on the control socket (spec.md §6.1), tying together
// the reaper, OCI runtime invocation, terminal/streams IO, and log fan-out
// packages.
//
// Grounded on original_source/conmon-rs/server/src/server.rs's
// generate_runtime_args/generate_exec_sync_args (argv construction passed
// to the OCI runtime) and rpc.rs's create_container (spawn, then await
// exit in a background goroutine while also waiting for console
// connection).
package monitor

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/containers/conmon-go/internal/boundedmap"
	"github.com/containers/conmon-go/internal/conmonerr"
	"github.com/containers/conmon-go/internal/conmonrpc"
	"github.com/containers/conmon-go/internal/containerio"
	"github.com/containers/conmon-go/internal/fdsocket"
	"github.com/containers/conmon-go/internal/logdriver"
	"github.com/containers/conmon-go/internal/ociruntime"
	"github.com/containers/conmon-go/internal/reaper"
	"github.com/containers/conmon-go/internal/streams"
	"github.com/containers/conmon-go/internal/terminal"
)

// execResult is the outcome of a detached exec, correlated back to its
// execID by execSessions.
type execResult struct {
	exitErr error
}

// BuildInfo carries the values reported by the Version RPC; populated at
// link time by the caller (cmd/conmon/main.go), matching the
// version/tag/commit/build_date fields original_source's version.rs
// derives from shadow-rs.
type BuildInfo struct {
	Version   string
	Tag       string
	Commit    string
	BuildDate string
}

// Monitor implements rpcserver.Service.
type Monitor struct {
	log     zerolog.Logger
	build   BuildInfo
	runtime *ociruntime.Runtime
	reaper  *reaper.Reaper
	fds     *fdsocket.FdSocket
	tmpDir  string

	mu         sync.Mutex
	containers map[string]*containerState

	// execSessions correlates a detached ExecContainer call with its
	// eventual result, capped the way original_source's BoundedHashMap
	// caps request correlations (spec.md §4.9) so a client that never
	// asks about an exec session can't leak memory indefinitely.
	execSessions *boundedmap.Map[string, *execResult]
}

type containerState struct {
	io  containerio.IO
	log *logdriver.SharedContainerLog
}

// New builds a Monitor.
func New(log zerolog.Logger, build BuildInfo, rt *ociruntime.Runtime, r *reaper.Reaper, fds *fdsocket.FdSocket, tmpDir string) *Monitor {
	return &Monitor{
		log:        log.With().Str("subsystem", "monitor").Logger(),
		build:      build,
		runtime:    rt,
		reaper:     r,
		fds:        fds,
		tmpDir:     tmpDir,
		containers: make(map[string]*containerState),
		execSessions: boundedmap.New[string, *execResult](
			boundedmap.DefaultMaxItems, boundedmap.DefaultMaxDuration,
		),
	}
}

// Version implements rpcserver.Service.
func (m *Monitor) Version(ctx context.Context, req *conmonrpc.VersionRequest) (*conmonrpc.VersionResponse, error) {
	return &conmonrpc.VersionResponse{
		Version:   m.build.Version,
		Tag:       m.build.Tag,
		Commit:    m.build.Commit,
		BuildDate: m.build.BuildDate,
		GoVersion: runtime.Version(),
	}, nil
}

func envStrings(vars []conmonrpc.EnvVar) []string {
	if len(vars) == 0 {
		return nil
	}
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		out = append(out, v.Key+"="+v.Value)
	}
	return out
}

func newDrivers(id string, configs []conmonrpc.LogDriverConfig) []logdriver.Driver {
	drivers := make([]logdriver.Driver, 0, len(configs))
	for _, c := range configs {
		switch c.Type {
		case "cri":
			drivers = append(drivers, logdriver.NewCri(c.Path, int(c.MaxSize)))
		case "json":
			drivers = append(drivers, logdriver.NewJSON(c.Path, int(c.MaxSize)))
		case "journald":
			drivers = append(drivers, logdriver.NewJournald(id))
		}
	}
	return drivers
}

// CreateContainer implements rpcserver.Service (spec.md §4.2, §4.3, §4.4).
func (m *Monitor) CreateContainer(ctx context.Context, req *conmonrpc.CreateContainerRequest) (*conmonrpc.CreateContainerResponse, error) {
	drivers := newDrivers(req.ID, req.LogDrivers)
	sharedLog := logdriver.New(drivers...)
	if err := sharedLog.Init(); err != nil {
		return nil, err
	}

	pidfile := req.PidFile
	if pidfile == "" {
		pidfile = filepath.Join(m.tmpDir, req.ID+".pid")
	}

	var io containerio.IO
	var consoleSocket string

	if req.Terminal {
		term, err := terminal.New(m.log, m.tmpDir)
		if err != nil {
			return nil, err
		}
		io = term
		consoleSocket = term.Path()

		go func() {
			for msg := range term.Messages() {
				if msg.Done {
					_ = sharedLog.Flush()
					return
				}
				if err := sharedLog.Consume(logdriver.Stdout, singleMessageChan(msg)); err != nil {
					m.log.Error().Err(err).Str("id", req.ID).Msg("failed to write terminal output")
				}
			}
		}()
	}

	var streamBackend *streams.Streams
	if !req.Terminal {
		var err error
		streamBackend, err = streams.New(m.log)
		if err != nil {
			return nil, err
		}
		io = streamBackend

		go func() {
			if err := sharedLog.Consume(logdriver.Stdout, streamBackend.Messages()); err != nil {
				m.log.Error().Err(err).Str("id", req.ID).Msg("failed to write container output")
			}
		}()
	}

	opts := &ociruntime.CreateOpts{
		PidFile:       pidfile,
		ConsoleSocket: consoleSocket,
		GlobalArgs:    req.GlobalArgs,
		CommandArgs:   req.CommandArgs,
		Env:           envStrings(req.EnvVars),
	}
	if streamBackend != nil {
		opts.Stdout = streamBackend.StdoutWriter()
		opts.Stderr = streamBackend.StderrWriter()
	}

	handoff, err := m.resolveHandoffFds(req)
	if err != nil {
		return nil, err
	}
	if handoff.stdin != nil {
		opts.Stdin = handoff.stdin
	}
	if handoff.stdout != nil {
		opts.Stdout = handoff.stdout
	}
	if handoff.stderr != nil {
		opts.Stderr = handoff.stderr
	}
	opts.ExtraFiles = handoff.extra

	createErr := m.runtime.Create(ctx, req.ID, req.BundlePath, opts)
	handoff.closeAll()
	if createErr != nil {
		return nil, createErr
	}

	var consoleWaiter reaper.ConsoleWaiter
	if term, ok := io.(*terminal.Terminal); ok {
		consoleWaiter = term
	}

	pid, err := m.reaper.CreateChild(ctx, []string{m.runtime.Path, "start", req.ID}, consoleWaiter, pidfile)
	if err != nil {
		return nil, err
	}

	m.reaper.Watch(reaper.Child{ID: req.ID, Pid: pid, ExitPaths: req.ExitPaths, CleanupCmd: req.CleanupCmd})

	m.mu.Lock()
	m.containers[req.ID] = &containerState{io: io, log: sharedLog}
	m.mu.Unlock()

	return &conmonrpc.CreateContainerResponse{ContainerPid: pid}, nil
}

// handoffFds are the *os.File wrappers around FDs taken from the FD-socket
// slot table (spec.md §4.6) for a single CreateContainer call. The parent's
// copies are only useful until the runtime process execs; closeAll is
// called once Create returns, mirroring fd_mapping.rs's "close in the
// parent once duped into the child" policy.
type handoffFds struct {
	stdin, stdout, stderr *os.File
	extra                 []*os.File
}

func (h handoffFds) closeAll() {
	for _, f := range append([]*os.File{h.stdin, h.stdout, h.stderr}, h.extra...) {
		if f != nil {
			f.Close()
		}
	}
}

// resolveHandoffFds takes every FD slot referenced by req out of the
// FD-socket table and wraps it as an *os.File suitable for exec.Cmd's
// Stdin/Stdout/Stderr/ExtraFiles, per spec.md §4.6's slot-reference
// contract.
func (m *Monitor) resolveHandoffFds(req *conmonrpc.CreateContainerRequest) (handoffFds, error) {
	wantStdin := req.Stdin && req.StdinFdSlot != nil

	var slots []uint64
	if wantStdin {
		slots = append(slots, *req.StdinFdSlot)
	}
	if req.StdoutFdSlot != nil {
		slots = append(slots, *req.StdoutFdSlot)
	}
	if req.StderrFdSlot != nil {
		slots = append(slots, *req.StderrFdSlot)
	}
	slots = append(slots, req.AdditionalFds...)
	if len(slots) == 0 {
		return handoffFds{}, nil
	}

	fds, err := m.fds.TakeAll(slots)
	if err != nil {
		return handoffFds{}, err
	}

	var h handoffFds
	i := 0
	if wantStdin {
		h.stdin = os.NewFile(uintptr(fds[i]), "stdin")
		i++
	}
	if req.StdoutFdSlot != nil {
		h.stdout = os.NewFile(uintptr(fds[i]), "stdout")
		i++
	}
	if req.StderrFdSlot != nil {
		h.stderr = os.NewFile(uintptr(fds[i]), "stderr")
		i++
	}
	for ; i < len(fds); i++ {
		h.extra = append(h.extra, os.NewFile(uintptr(fds[i]), "extra"))
	}
	return h, nil
}

func singleMessageChan(msg containerio.Message) <-chan containerio.Message {
	ch := make(chan containerio.Message, 1)
	ch <- msg
	close(ch)
	return ch
}

// ExecSyncContainer implements rpcserver.Service. A non-zero timeout_sec
// bounds the exec; a command still running when it elapses is killed and
// reported with timed_out set, per spec.md §6.1 and §8 scenario 6.
func (m *Monitor) ExecSyncContainer(ctx context.Context, req *conmonrpc.ExecSyncContainerRequest) (*conmonrpc.ExecSyncContainerResponse, error) {
	if _, err := m.lookup(req.ID); err != nil {
		return nil, err
	}

	execCtx := ctx
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	result, err := m.runtime.ExecSync(execCtx, req.ID, req.Command, &ociruntime.ExecOpts{
		Cwd:    req.Cwd,
		Env:    envStrings(req.EnvVars),
		Tty:    req.Terminal,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return nil, err
	}

	return &conmonrpc.ExecSyncContainerResponse{
		ExitCode: result.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimedOut: result.TimedOut,
	}, nil
}

// ExecContainer implements rpcserver.Service: it runs `<runtime> exec
// --detach` in the background and records only whether that invocation
// succeeded, under the returned exec id. The exec's output is not routed
// to the container's log drivers.
func (m *Monitor) ExecContainer(ctx context.Context, req *conmonrpc.ExecContainerRequest) (*conmonrpc.ExecContainerResponse, error) {
	if _, err := m.lookup(req.ID); err != nil {
		return nil, err
	}

	execID := req.ID + "-exec"
	go func() {
		err := m.runtime.Exec(ctx, req.ID, req.Command, &ociruntime.ExecOpts{Detach: true})
		if err != nil {
			m.log.Error().Err(err).Str("id", req.ID).Msg("detached exec failed")
		}
		m.execSessions.Insert(execID, &execResult{exitErr: err})
	}()

	return &conmonrpc.ExecContainerResponse{ExecID: execID}, nil
}

// AttachContainer implements rpcserver.Service: it dials socket_path and
// pipes the container's stream set over that connection, matching podman's
// ConmonOCIRuntime.Attach (the attach socket is dialed by the client of
// the runtime, here acting symmetrically from the monitor's side since
// spec.md §6.1 hands us the path rather than an already-open connection).
// additional_fds are taken from the FD-socket table to validate the
// caller's slot references and released once consumed; nothing in this
// path spawns a process to inherit them.
func (m *Monitor) AttachContainer(ctx context.Context, req *conmonrpc.AttachContainerRequest) (*conmonrpc.AttachContainerResponse, error) {
	state, err := m.lookup(req.ID)
	if err != nil {
		return nil, err
	}

	if len(req.AdditionalFds) > 0 {
		fds, err := m.fds.TakeAll(req.AdditionalFds)
		if err != nil {
			return nil, err
		}
		for _, fd := range fds {
			os.NewFile(uintptr(fd), "attach-extra").Close()
		}
	}

	conn, err := net.Dial("unix", req.SocketPath)
	if err != nil {
		return nil, conmonerr.Wrap(conmonerr.IoError, err)
	}

	go m.pumpAttach(conn, state.io, req.StopAfterStdinEOF)

	return &conmonrpc.AttachContainerResponse{}, nil
}

// stdinWriter is satisfied by backends that can forward attach-socket
// input to the running process; only the PTY backend supports this today.
type stdinWriter interface {
	Write([]byte) (int, error)
}

// pumpAttach forwards backend.Messages() to conn until Done, and - when
// the backend accepts input - forwards conn reads back to the backend
// until EOF. If stopAfterStdinEOF, the output side is torn down as soon as
// stdin reaches EOF rather than waiting for the backend's own Done.
func (m *Monitor) pumpAttach(conn net.Conn, backend containerio.IO, stopAfterStdinEOF bool) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range backend.Messages() {
			if msg.Done {
				return
			}
			if _, err := conn.Write(msg.Data); err != nil {
				m.log.Debug().Err(err).Msg("attach connection write failed")
				return
			}
		}
	}()

	if w, ok := backend.(stdinWriter); ok {
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					m.log.Debug().Err(werr).Msg("attach stdin forward failed")
					break
				}
			}
			if err != nil {
				if err != io.EOF {
					m.log.Debug().Err(err).Msg("attach connection read failed")
				}
				break
			}
		}
	}

	if stopAfterStdinEOF {
		return
	}
	<-done
}

// ReopenLogContainer implements rpcserver.Service.
func (m *Monitor) ReopenLogContainer(ctx context.Context, req *conmonrpc.ReopenLogContainerRequest) (*conmonrpc.ReopenLogContainerResponse, error) {
	state, err := m.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if err := state.log.Reopen(); err != nil {
		return nil, err
	}
	return &conmonrpc.ReopenLogContainerResponse{}, nil
}

// SetWindowSizeContainer implements rpcserver.Service.
func (m *Monitor) SetWindowSizeContainer(ctx context.Context, req *conmonrpc.SetWindowSizeContainerRequest) (*conmonrpc.SetWindowSizeContainerResponse, error) {
	state, err := m.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	term, ok := state.io.(*terminal.Terminal)
	if !ok {
		return nil, conmonerr.Errorf(conmonerr.ProtocolError, "container %q has no pty", req.ID)
	}
	if err := term.SetWinsize(req.Rows, req.Cols); err != nil {
		return nil, err
	}
	return &conmonrpc.SetWindowSizeContainerResponse{}, nil
}

// CreateNamespaces implements rpcserver.Service. For each requested
// namespace type it returns the path
// /var/run/conmon-go/namespaces/<pod_id>/<type>; it does not create, open
// or bind-mount any namespace, and nothing is written at those paths.
func (m *Monitor) CreateNamespaces(ctx context.Context, req *conmonrpc.CreateNamespacesRequest) (*conmonrpc.CreateNamespacesResponse, error) {
	namespaces := make([]conmonrpc.Namespace, 0, len(req.Namespaces))
	for _, ns := range req.Namespaces {
		namespaces = append(namespaces, conmonrpc.Namespace{
			Type: ns,
			Path: filepath.Join("/var/run/conmon-go/namespaces", req.PodID, ns),
		})
	}
	return &conmonrpc.CreateNamespacesResponse{Namespaces: namespaces}, nil
}

func (m *Monitor) lookup(id string) (*containerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.containers[id]
	if !ok {
		return nil, conmonerr.Errorf(conmonerr.NotFound, "no container tracked for id %q", id)
	}
	return state, nil
}
