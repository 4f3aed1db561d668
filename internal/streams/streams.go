// Package streams implements the non-terminal container IO backend: a pair
// of stdout/stderr pipes fed into the message channel (spec.md §4.4).
//
// Grounded on original_source/conmon-rs/server/src/streams.rs: two pipes
// are created, a goroutine-per-stream reads into the shared message
// channel, and a final Done message is sent once both readers have
// observed EOF. There is no stop channel: the readers end only at EOF.
package streams

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/containers/conmon-go/internal/conmonerr"
	"github.com/containers/conmon-go/internal/containerio"
)

// Streams owns the read ends of the container's stdout/stderr pipes and
// fans their output into a single message channel.
type Streams struct {
	log zerolog.Logger

	stdoutW, stderrW *os.File
	stdoutR, stderrR *os.File

	messages chan containerio.Message
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates the pipe pairs. StdoutWriter/StderrWriter must be attached to
// the spawned child's Stdout/Stderr before exec.
func New(log zerolog.Logger) (*Streams, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, conmonerr.Wrap(conmonerr.IoError, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, conmonerr.Wrap(conmonerr.IoError, err)
	}

	s := &Streams{
		log:      log.With().Str("subsystem", "streams").Logger(),
		stdoutW:  stdoutW,
		stderrW:  stderrW,
		stdoutR:  stdoutR,
		stderrR:  stderrR,
		messages: make(chan containerio.Message, 16),
	}

	s.wg.Add(2)
	go s.readLoop(stdoutR)
	go s.readLoop(stderrR)
	go s.waitAndClose()

	return s, nil
}

// StdoutWriter is the write end to hand to exec.Cmd.Stdout.
func (s *Streams) StdoutWriter() *os.File { return s.stdoutW }

// StderrWriter is the write end to hand to exec.Cmd.Stderr.
func (s *Streams) StderrWriter() *os.File { return s.stderrW }

// Messages implements containerio.IO.
func (s *Streams) Messages() <-chan containerio.Message { return s.messages }

// readLoop implements spec.md §4.10's shared pump contract: for a pipe,
// EOF (write end closed) ends this reader's contribution; any other error,
// including EIO, is logged and the loop continues rather than exiting.
func (s *Streams) readLoop(r *os.File) {
	defer s.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.messages <- containerio.Message{Data: chunk}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		s.log.Warn().Err(err).Msg("stream read error, continuing")
	}
}

func (s *Streams) waitAndClose() {
	s.wg.Wait()
	s.messages <- containerio.Message{Done: true}
	close(s.messages)
}

// Close closes the parent-held ends of the pipes. It is idempotent.
func (s *Streams) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if e := s.stdoutW.Close(); e != nil {
			err = e
		}
		if e := s.stderrW.Close(); e != nil && err == nil {
			err = e
		}
	})
	if err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}
