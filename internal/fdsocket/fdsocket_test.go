package fdsocket

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func dial(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: path}))
	return fd
}

func TestFdSocketRoundTripsDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fd.sock")
	f := New(zerolog.Nop())
	_, err := f.Start(path)
	require.NoError(t, err)

	client := dial(t, path)
	defer unix.Close(client)

	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer tmp.Close()

	reqID := uint64(42)
	numFds := uint64(1)
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, (reqID<<32)|numFds)

	rights := unix.UnixRights(int(tmp.Fd()))
	require.NoError(t, unix.Sendmsg(client, header, rights, nil, 0))

	resp := make([]byte, 64)
	n, err := unix.Read(client, resp)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 16)

	gotHeader := binary.LittleEndian.Uint64(resp[:8])
	require.Equal(t, (reqID<<32)|numFds, gotHeader)
	slot := binary.LittleEndian.Uint64(resp[8:16])

	fds, err := f.TakeAll([]uint64{slot})
	require.NoError(t, err)
	require.Len(t, fds, 1)
	unix.Close(fds[0])
}

func TestFdSocketCloseRequestReleasesSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fd2.sock")
	f := New(zerolog.Nop())
	_, err := f.Start(path)
	require.NoError(t, err)

	client := dial(t, path)

	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer tmp.Close()

	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, (uint64(1)<<32)|1)
	rights := unix.UnixRights(int(tmp.Fd()))
	require.NoError(t, unix.Sendmsg(client, header, rights, nil, 0))

	resp := make([]byte, 32)
	_, err = unix.Read(client, resp)
	require.NoError(t, err)
	slot := binary.LittleEndian.Uint64(resp[8:16])

	closeReq := make([]byte, 8)
	require.NoError(t, unix.Sendmsg(client, closeReq, nil, nil, 0))
	unix.Close(client)

	time.Sleep(50 * time.Millisecond)

	_, err = f.TakeAll([]uint64{slot})
	require.Error(t, err, "slot should have been released by close request or disconnect")
}
