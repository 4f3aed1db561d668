// Package terminal implements the console-socket contract: a one-shot
// UNIX socket that the OCI runtime dials to hand the monitor the PTY
// master FD via SCM_RIGHTS (spec.md §4.3).
//
// Grounded on original_source/conmon-rs/server/src/{console,terminal}.rs
// (temp socket path, 0700 perms, one FD accepted then the socket file is
// removed, ONLCR set on the PTY, 60s connect timeout) and on the SCM_RIGHTS
// receive loop in buildah's run_common.go (runAcceptTerminal): AcceptUnix,
// ReadMsgUnix, ParseSocketControlMessage, ParseUnixRights.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/conmonerr"
	"github.com/containers/conmon-go/internal/containerio"
)

const connectTimeout = 60 * time.Second

// Terminal is the PTY-backed container IO backend.
type Terminal struct {
	log zerolog.Logger

	path string

	ptyFile *os.File

	messages chan containerio.Message
	connected chan struct{}
}

// New creates the listening socket and returns immediately once it is
// ready to accept; the actual FD handoff happens asynchronously and is
// awaited via WaitConnected.
func New(log zerolog.Logger, dir string) (*Terminal, error) {
	path, err := tempSocketPath(dir)
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, conmonerr.Wrap(conmonerr.IoError, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		listener.Close()
		os.Remove(path)
		return nil, conmonerr.Wrap(conmonerr.IoError, err)
	}

	t := &Terminal{
		log:       log.With().Str("subsystem", "terminal").Str("path", path).Logger(),
		path:      path,
		messages:  make(chan containerio.Message, 16),
		connected: make(chan struct{}),
	}

	go t.accept(listener)

	return t, nil
}

// Path is the socket path to pass to the OCI runtime as --console-socket.
func (t *Terminal) Path() string { return t.path }

// Messages implements containerio.IO.
func (t *Terminal) Messages() <-chan containerio.Message { return t.messages }

// WaitConnected blocks until the runtime has handed off the PTY FD, the
// context is canceled, or connectTimeout elapses.
func (t *Terminal) WaitConnected(ctx context.Context) error {
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-t.connected:
		return nil
	case <-ctx.Done():
		return conmonerr.Wrap(conmonerr.Timeout, ctx.Err())
	case <-timer.C:
		return conmonerr.Errorf(conmonerr.Timeout, "timed out waiting for console socket connection")
	}
}

// Close closes the PTY master, if received.
func (t *Terminal) Close() error {
	if t.ptyFile == nil {
		return nil
	}
	if err := t.ptyFile.Close(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}

func (t *Terminal) accept(listener *net.UnixListener) {
	defer listener.Close()

	conn, err := listener.AcceptUnix()
	if err != nil {
		t.log.Error().Err(err).Msg("accepting console socket connection")
		close(t.connected)
		return
	}
	defer conn.Close()

	fd, err := receiveFD(conn)

	os.Remove(t.path)

	if err != nil {
		t.log.Error().Err(err).Msg("receiving pty descriptor")
		close(t.connected)
		return
	}

	if err := prepareTermios(fd); err != nil {
		t.log.Warn().Err(err).Msg("failed to set terminal attributes")
	}

	t.ptyFile = os.NewFile(uintptr(fd), "pty-master")
	go t.readLoop()

	close(t.connected)
}

func receiveFD(conn *net.UnixConn) (int, error) {
	data := make([]byte, 8192)
	oob := make([]byte, 8192)

	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(data, oob)
		if err != nil {
			return 0, conmonerr.Wrap(conmonerr.IoError, err)
		}
		_ = n

		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, conmonerr.Wrap(conmonerr.ProtocolError, err)
		}

		for i := range scms {
			fds, err := unix.ParseUnixRights(&scms[i])
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				return fds[0], nil
			}
		}

		return 0, conmonerr.Errorf(conmonerr.ProtocolError, "no file descriptor received on console socket")
	}
}

func prepareTermios(fd int) error {
	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	term.Oflag |= unix.ONLCR
	return unix.IoctlSetTermios(fd, unix.TCSETS, term)
}

// readLoop implements spec.md §4.10's shared pump contract: EIO (the
// controlling terminal's slave side closed) and EOF both end the pump with
// a Done message; any other error is logged and the loop continues.
func (t *Terminal) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := t.ptyFile.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.messages <- containerio.Message{Data: chunk}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) {
			t.messages <- containerio.Message{Done: true}
			close(t.messages)
			return
		}
		t.log.Warn().Err(err).Msg("terminal read error, continuing")
	}
}

func tempSocketPath(dir string) (string, error) {
	f, err := os.CreateTemp(dir, "conmon-term-*.sock")
	if err != nil {
		return "", conmonerr.Wrap(conmonerr.IoError, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return filepath.Clean(name), nil
}

// Write sends data to the PTY master, used to forward attach-socket stdin
// back to the container (spec.md §6.1's AttachContainer).
func (t *Terminal) Write(data []byte) (int, error) {
	if t.ptyFile == nil {
		return 0, conmonerr.Errorf(conmonerr.NotFound, "no pty attached")
	}
	return t.ptyFile.Write(data)
}

// SetWinsize resizes the PTY, used by SetWindowSizeContainer (spec.md §6.1).
func (t *Terminal) SetWinsize(rows, cols uint16) error {
	if t.ptyFile == nil {
		return conmonerr.Errorf(conmonerr.NotFound, "no pty attached")
	}
	ws := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(int(t.ptyFile.Fd()), unix.TIOCSWINSZ, ws); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, fmt.Errorf("ioctl TIOCSWINSZ: %w", err))
	}
	return nil
}
