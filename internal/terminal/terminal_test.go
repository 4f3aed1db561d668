package terminal

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewAcceptsPTYOverSocket(t *testing.T) {
	term, err := New(zerolog.Nop(), t.TempDir())
	require.NoError(t, err)

	_, err = os.Stat(term.Path())
	require.NoError(t, err)

	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer slave.Close()

	conn, err := net.Dial("unix", term.Path())
	require.NoError(t, err)
	defer conn.Close()

	unixConn := conn.(*net.UnixConn)
	rights := unix.UnixRights(int(master.Fd()))
	_, _, err = unixConn.WriteMsgUnix([]byte("x"), rights, nil)
	require.NoError(t, err)
	master.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, term.WaitConnected(ctx))

	_, err = os.Stat(term.Path())
	require.Error(t, err, "socket file should be removed after handoff")

	_, err = slave.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case msg := <-term.Messages():
		require.Contains(t, string(msg.Data), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive pty data")
	}
}

func TestWaitConnectedTimesOutWithoutHandoff(t *testing.T) {
	term, err := New(zerolog.Nop(), t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = term.WaitConnected(ctx)
	require.Error(t, err)
}
