package rpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/ttrpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/containers/conmon-go/internal/conmonrpc"
	"github.com/containers/conmon-go/internal/reaper"
)

type fakeService struct{}

func (fakeService) Version(ctx context.Context, req *conmonrpc.VersionRequest) (*conmonrpc.VersionResponse, error) {
	return &conmonrpc.VersionResponse{Version: "0.0.0-test"}, nil
}
func (fakeService) CreateContainer(ctx context.Context, req *conmonrpc.CreateContainerRequest) (*conmonrpc.CreateContainerResponse, error) {
	return &conmonrpc.CreateContainerResponse{ContainerPid: 1}, nil
}
func (fakeService) ExecSyncContainer(ctx context.Context, req *conmonrpc.ExecSyncContainerRequest) (*conmonrpc.ExecSyncContainerResponse, error) {
	return &conmonrpc.ExecSyncContainerResponse{}, nil
}
func (fakeService) ExecContainer(ctx context.Context, req *conmonrpc.ExecContainerRequest) (*conmonrpc.ExecContainerResponse, error) {
	return &conmonrpc.ExecContainerResponse{}, nil
}
func (fakeService) AttachContainer(ctx context.Context, req *conmonrpc.AttachContainerRequest) (*conmonrpc.AttachContainerResponse, error) {
	return &conmonrpc.AttachContainerResponse{}, nil
}
func (fakeService) ReopenLogContainer(ctx context.Context, req *conmonrpc.ReopenLogContainerRequest) (*conmonrpc.ReopenLogContainerResponse, error) {
	return &conmonrpc.ReopenLogContainerResponse{}, nil
}
func (fakeService) SetWindowSizeContainer(ctx context.Context, req *conmonrpc.SetWindowSizeContainerRequest) (*conmonrpc.SetWindowSizeContainerResponse, error) {
	return &conmonrpc.SetWindowSizeContainerResponse{}, nil
}
func (fakeService) CreateNamespaces(ctx context.Context, req *conmonrpc.CreateNamespacesRequest) (*conmonrpc.CreateNamespacesResponse, error) {
	return &conmonrpc.CreateNamespacesResponse{}, nil
}

func TestServerServesVersionRequest(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "conmon.sock")
	r := reaper.New(zerolog.Nop())

	s, err := New(zerolog.Nop(), fakeService{}, r, socket)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	require.Eventually(t, func() bool {
		_, err := net.Dial("unix", socket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	client := ttrpc.NewClient(conn)
	defer client.Close()

	req := &conmonrpc.VersionRequest{}
	resp := &conmonrpc.VersionResponse{}
	require.NoError(t, client.Call(ctx, serviceName, "Version", req, resp))
	require.Equal(t, "0.0.0-test", resp.Version)
}
