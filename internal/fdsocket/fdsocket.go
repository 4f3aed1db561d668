// Package fdsocket implements the secondary FD-passing control plane: a
// SOCK_SEQPACKET UNIX socket that lets RPC clients hand the monitor extra
// file descriptors out-of-band, later referenced by slot number from the
// main RPC request (spec.md §4.6).
//
// Grounded on original_source/conmon-rs/server/src/fd_socket.rs. The wire
// protocol is reproduced exactly:
//
//	request:  u64 = (request_id << 32) | num_fds, with num_fds FDs attached
//	          via SCM_RIGHTS in the same message
//	response: u64 = (request_id << 32) | num_fds, followed by num_fds
//	          u64 slot numbers
//	error:    u64 = (request_id << 32) | 0xffffffff, followed by an error
//	          message string
//	close:    request_id = 0, num_fds = 0 closes every FD received over
//	          that connection; no response is sent
//
// Go has no tokio-seqpacket analog, so the accept/serve loop is built
// directly on golang.org/x/sys/unix (Socket/Bind/Listen/Accept/Recvmsg/
// Sendmsg), the same layer the teacher and buildah's SCM_RIGHTS code use
// for raw socket work. Idle-listener shutdown reuses internal/inactivity,
// exactly as fd_socket.rs's Server::start does with its own Inactivity.
package fdsocket

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/containers/conmon-go/internal/conmonerr"
	"github.com/containers/conmon-go/internal/inactivity"
)

const (
	errFdCount    = 0xffffffff
	idleTimeout   = 3 * time.Second
	maxFdsPerMsg  = 32
)

// FdSocket owns the slot -> received-fd table and the listener goroutine.
type FdSocket struct {
	log zerolog.Logger

	mu      sync.Mutex
	started bool
	path    string

	state state

	tracker *inactivity.Tracker
}

type state struct {
	mu   sync.Mutex
	last uint64
	fds  map[uint64]int
}

func (s *state) add(fd int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.last++
		if _, occupied := s.fds[s.last]; !occupied {
			s.fds[s.last] = fd
			return s.last
		}
	}
}

func (s *state) take(slot uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.fds[slot]
	if ok {
		delete(s.fds, slot)
	}
	return fd, ok
}

func (s *state) remove(slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd, ok := s.fds[slot]; ok {
		unix.Close(fd)
		delete(s.fds, slot)
	}
}

// New creates an FdSocket bound to no listener yet.
func New(log zerolog.Logger) *FdSocket {
	return &FdSocket{
		log:     log.With().Str("subsystem", "fdsocket").Logger(),
		state:   state{fds: make(map[uint64]int)},
		tracker: inactivity.New(),
	}
}

// Start idempotently begins listening on path. Calling it again once
// already started is a no-op that returns the original path.
func (f *FdSocket) Start(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return f.path, nil
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return "", conmonerr.Wrap(conmonerr.IoError, err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return "", conmonerr.Wrap(conmonerr.IoError, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return "", conmonerr.Wrap(conmonerr.IoError, err)
	}

	f.path = path
	f.started = true

	go f.acceptLoop(fd)

	return path, nil
}

// TakeAll removes and returns the FDs for slots, in order. It fails (and
// leaves already-matched slots removed) if any slot is unknown.
func (f *FdSocket) TakeAll(slots []uint64) ([]int, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(slots))
	for _, slot := range slots {
		fd, ok := f.state.take(slot)
		if !ok {
			return nil, conmonerr.Errorf(conmonerr.NotFound, "no file descriptor in slot %d", slot)
		}
		out = append(out, fd)
	}
	return out, nil
}

func (f *FdSocket) acceptLoop(listenFd int) {
	defer unix.Close(listenFd)

	done := make(chan struct{})
	go func() {
		f.tracker.Wait(idleTimeout)
		close(done)
		unix.Close(listenFd)
	}()

	for {
		connFd, _, err := unix.Accept(listenFd)
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			f.log.Debug().Err(err).Msg("fd socket accept loop exiting")
			return
		}

		activity := f.tracker.Activity()
		go func() {
			defer activity.Stop()
			f.serve(connFd)
		}()
	}
}

func (f *FdSocket) serve(connFd int) {
	defer unix.Close(connFd)

	var openSlots []uint64
	defer func() {
		for _, slot := range openSlots {
			f.state.remove(slot)
		}
	}()

	buf := make([]byte, 9)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerMsg*4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(connFd, buf, oob, 0)
		if err != nil {
			f.log.Debug().Err(err).Msg("fd socket recvmsg failed")
			return
		}
		if n == 0 {
			return
		}
		if n != 8 {
			continue
		}

		idAndNumFds := binary.LittleEndian.Uint64(buf[:8])
		if idAndNumFds == 0 {
			for _, slot := range openSlots {
				f.state.remove(slot)
			}
			openSlots = nil
			continue
		}

		numFds := int(idAndNumFds & 0xff)

		fds, err := parseUnixRights(oob[:oobn])
		reqID := idAndNumFds >> 32

		if err != nil || len(fds) != numFds {
			if err == nil {
				err = conmonerr.Errorf(conmonerr.ProtocolError, "received %d fds, but expected %d fds", len(fds), numFds)
			}
			f.sendError(connFd, reqID, err)
			continue
		}

		slots := make([]uint64, 0, numFds)
		for _, fd := range fds {
			slots = append(slots, f.state.add(fd))
		}
		openSlots = append(openSlots, slots...)

		if err := f.sendSlots(connFd, reqID, uint64(numFds), slots); err != nil {
			f.log.Debug().Err(err).Msg("fd socket sendmsg failed")
			return
		}
	}
}

func parseUnixRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, conmonerr.Wrap(conmonerr.ProtocolError, err)
	}
	var fds []int
	for i := range scms {
		parsed, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}

func (f *FdSocket) sendSlots(connFd int, reqID, numFds uint64, slots []uint64) error {
	header := (reqID << 32) | numFds
	resp := make([]byte, 8*(1+len(slots)))
	binary.LittleEndian.PutUint64(resp[:8], header)
	for i, slot := range slots {
		binary.LittleEndian.PutUint64(resp[8*(i+1):8*(i+2)], slot)
	}
	return unix.Sendmsg(connFd, resp, nil, nil, 0)
}

func (f *FdSocket) sendError(connFd int, reqID uint64, cause error) {
	header := (reqID << 32) | errFdCount
	resp := make([]byte, 8, 8+64)
	binary.LittleEndian.PutUint64(resp, header)
	resp = append(resp, []byte(cause.Error())...)
	if err := unix.Sendmsg(connFd, resp, nil, nil, 0); err != nil {
		f.log.Debug().Err(err).Msg("fd socket failed to send error response")
	}
}
