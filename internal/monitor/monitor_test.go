package monitor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/containers/conmon-go/internal/conmonrpc"
	"github.com/containers/conmon-go/internal/fdsocket"
	"github.com/containers/conmon-go/internal/logdriver"
	"github.com/containers/conmon-go/internal/ociruntime"
	"github.com/containers/conmon-go/internal/reaper"
	"github.com/containers/conmon-go/internal/streams"
)

func newTestMonitor(t *testing.T, runtimePath string) *Monitor {
	t.Helper()
	rt := ociruntime.New(runtimePath, "")
	r := reaper.New(zerolog.Nop())
	fds := fdsocket.New(zerolog.Nop())
	return New(zerolog.Nop(), BuildInfo{Version: "1.2.3"}, rt, r, fds, t.TempDir())
}

func TestVersionReportsBuildInfo(t *testing.T) {
	m := newTestMonitor(t, "true")
	resp, err := m.Version(context.Background(), &conmonrpc.VersionRequest{})
	require.NoError(t, err)
	require.Equal(t, "1.2.3", resp.Version)
	require.NotEmpty(t, resp.GoVersion)
}

func TestExecSyncContainerNotFound(t *testing.T) {
	m := newTestMonitor(t, "true")
	_, err := m.ExecSyncContainer(context.Background(), &conmonrpc.ExecSyncContainerRequest{ID: "missing"})
	require.Error(t, err)
}

func TestExecSyncContainerCapturesOutput(t *testing.T) {
	m := newTestMonitor(t, "echo")
	m.mu.Lock()
	m.containers["c1"] = &containerState{log: logdriver.New()}
	m.mu.Unlock()

	resp, err := m.ExecSyncContainer(context.Background(), &conmonrpc.ExecSyncContainerRequest{
		ID:      "c1",
		Command: []string{"hello"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, resp.ExitCode)
	require.Contains(t, string(resp.Stdout), "hello")
}

func TestExecSyncContainerSurfacesNonZeroExit(t *testing.T) {
	m := newTestMonitor(t, "false")
	m.mu.Lock()
	m.containers["c1"] = &containerState{log: logdriver.New()}
	m.mu.Unlock()

	resp, err := m.ExecSyncContainer(context.Background(), &conmonrpc.ExecSyncContainerRequest{ID: "c1"})
	require.NoError(t, err)
	require.Equal(t, 1, resp.ExitCode)
}

func TestExecSyncContainerHonorsTimeout(t *testing.T) {
	script := filepath.Join(t.TempDir(), "slow-runtime.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 10\n"), 0o755))

	m := newTestMonitor(t, script)
	m.mu.Lock()
	m.containers["c1"] = &containerState{log: logdriver.New()}
	m.mu.Unlock()

	start := time.Now()
	resp, err := m.ExecSyncContainer(context.Background(), &conmonrpc.ExecSyncContainerRequest{
		ID:         "c1",
		Command:    []string{"ignored"},
		TimeoutSec: 1,
	})
	require.NoError(t, err)
	require.True(t, resp.TimedOut)
	require.Equal(t, 137, resp.ExitCode)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestAttachContainerPipesStreamOutputToSocket(t *testing.T) {
	m := newTestMonitor(t, "true")

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "attach.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s, err := streams.New(zerolog.Nop())
	require.NoError(t, err)
	m.mu.Lock()
	m.containers["c1"] = &containerState{io: s, log: logdriver.New()}
	m.mu.Unlock()

	_, err = m.AttachContainer(context.Background(), &conmonrpc.AttachContainerRequest{
		ID:         "c1",
		SocketPath: socketPath,
	})
	require.NoError(t, err)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("attach connection was never dialed")
	}
	defer conn.Close()

	_, err = s.StdoutWriter().Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestExecContainerRecordsSessionResult(t *testing.T) {
	m := newTestMonitor(t, "true")
	m.mu.Lock()
	m.containers["c1"] = &containerState{log: logdriver.New()}
	m.mu.Unlock()

	resp, err := m.ExecContainer(context.Background(), &conmonrpc.ExecContainerRequest{ID: "c1", Command: []string{"ignored"}})
	require.NoError(t, err)
	require.Equal(t, "c1-exec", resp.ExecID)

	require.Eventually(t, func() bool {
		_, ok := m.execSessions.Remove(resp.ExecID)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestReopenLogContainerNotFound(t *testing.T) {
	m := newTestMonitor(t, "true")
	_, err := m.ReopenLogContainer(context.Background(), &conmonrpc.ReopenLogContainerRequest{ID: "missing"})
	require.Error(t, err)
}

func TestSetWindowSizeContainerRejectsNonTerminal(t *testing.T) {
	m := newTestMonitor(t, "true")
	m.mu.Lock()
	m.containers["c1"] = &containerState{log: logdriver.New()}
	m.mu.Unlock()

	_, err := m.SetWindowSizeContainer(context.Background(), &conmonrpc.SetWindowSizeContainerRequest{ID: "c1", Rows: 24, Cols: 80})
	require.Error(t, err)
}

func TestCreateNamespacesBuildsPaths(t *testing.T) {
	m := newTestMonitor(t, "true")
	resp, err := m.CreateNamespaces(context.Background(), &conmonrpc.CreateNamespacesRequest{
		PodID:      "pod1",
		Namespaces: []string{"net", "ipc"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Namespaces, 2)
	require.Equal(t, "net", resp.Namespaces[0].Type)
}
