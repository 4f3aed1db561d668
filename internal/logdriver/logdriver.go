// Package logdriver fans container output out to one or more on-disk or
// journald log sinks, with size-based rotation (spec.md §4.5).
//
// Grounded on original_source/conmon-rs/server/src/{container_log,
// cri_logger,json_logger,journal}.rs. The CRI framing (RFC3339 timestamp,
// " stdout "/" stderr ", "F "/"P " tags, rotate-before-overflow) follows
// cri_logger.rs line for line; the JSON driver follows json_logger.rs; the
// journald driver adapts journal.rs's Priority::Notice-per-line behavior
// to github.com/coreos/go-systemd/v22/journal, already used by
// internal/conmonlog for the monitor's own logs.
package logdriver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/journal"

	"github.com/containers/conmon-go/internal/conmonerr"
	"github.com/containers/conmon-go/internal/containerio"
)

// Pipe identifies which stream a line of output came from.
type Pipe int

const (
	Stdout Pipe = iota
	Stderr
)

func (p Pipe) String() string {
	if p == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Driver receives lines of container output and persists them.
type Driver interface {
	Init() error
	Write(pipe Pipe, line []byte, partial bool) error
	Reopen() error
	Flush() error
	Close() error
}

// SharedContainerLog fans a container's output out to every configured
// driver, matching original_source's ContainerLog aggregator.
type SharedContainerLog struct {
	drivers []Driver
}

// New builds the aggregator from already-constructed drivers.
func New(drivers ...Driver) *SharedContainerLog {
	return &SharedContainerLog{drivers: drivers}
}

func (c *SharedContainerLog) Init() error {
	for _, d := range c.drivers {
		if err := d.Init(); err != nil {
			return err
		}
	}
	return nil
}

func (c *SharedContainerLog) Reopen() error {
	for _, d := range c.drivers {
		if err := d.Reopen(); err != nil {
			return err
		}
	}
	return nil
}

func (c *SharedContainerLog) Close() error {
	var firstErr error
	for _, d := range c.drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Consume reads Messages from src, tagged as pipe, splitting on newlines
// and forwarding each complete or partial line to every driver, until src
// is closed (a Done message is observed).
func (c *SharedContainerLog) Consume(pipe Pipe, src <-chan containerio.Message) error {
	var pending []byte
	for msg := range src {
		if msg.Done {
			if len(pending) > 0 {
				if err := c.writeLine(pipe, pending, true); err != nil {
					return err
				}
			}
			return c.Flush()
		}
		pending = append(pending, msg.Data...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if err := c.writeLine(pipe, pending[:i+1], false); err != nil {
				return err
			}
			pending = pending[i+1:]
		}
	}
	if len(pending) > 0 {
		return c.writeLine(pipe, pending, true)
	}
	return nil
}

func (c *SharedContainerLog) writeLine(pipe Pipe, line []byte, partial bool) error {
	for _, d := range c.drivers {
		if err := d.Write(pipe, line, partial); err != nil {
			return err
		}
	}
	return nil
}

func (c *SharedContainerLog) Flush() error {
	for _, d := range c.drivers {
		if err := d.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// CriDriver writes the CRI log format used by kubelet/crictl.
type CriDriver struct {
	path        string
	maxLogSize  int
	file        *os.File
	w           *bufio.Writer
	bytesWritten int
}

// NewCri creates a CRI driver. maxLogSize <= 0 disables rotation.
func NewCri(path string, maxLogSize int) *CriDriver {
	return &CriDriver{path: path, maxLogSize: maxLogSize}
}

func (d *CriDriver) Init() error {
	f, err := openLog(d.path, 0o600)
	if err != nil {
		return err
	}
	d.file = f
	d.w = bufio.NewWriter(f)
	return nil
}

func (d *CriDriver) Write(pipe Pipe, line []byte, partial bool) error {
	timestamp := time.Now().Format(time.RFC3339Nano)
	tag := "F "
	if partial {
		tag = "P "
	}
	size := len(timestamp) + len(" stdout ") + len(tag) + len(line)
	if partial {
		size++
	}

	if d.maxLogSize > 0 && d.bytesWritten+size > d.maxLogSize {
		d.bytesWritten = 0
		if err := d.Reopen(); err != nil {
			return conmonerr.Wrap(conmonerr.IoError, fmt.Errorf("reopen logs because of exceeded size: %w", err))
		}
	}

	if _, err := fmt.Fprintf(d.w, "%s %s %s%s", timestamp, pipe, tag, line); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	if partial {
		if _, err := d.w.Write([]byte("\n")); err != nil {
			return conmonerr.Wrap(conmonerr.IoError, err)
		}
	}
	d.bytesWritten += size
	return nil
}

func (d *CriDriver) Reopen() error {
	if err := d.w.Flush(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	if err := d.file.Sync(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	d.file.Close()
	return d.Init()
}

func (d *CriDriver) Flush() error {
	if err := d.w.Flush(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}

func (d *CriDriver) Close() error {
	if d.file == nil {
		return nil
	}
	_ = d.Flush()
	return d.file.Close()
}

// JSONDriver writes Docker-style JSON log lines.
type JSONDriver struct {
	path         string
	maxLogSize   int
	file         *os.File
	w            *bufio.Writer
	bytesWritten int
}

func NewJSON(path string, maxLogSize int) *JSONDriver {
	return &JSONDriver{path: path, maxLogSize: maxLogSize}
}

type jsonLogLine struct {
	Timestamp string `json:"timestamp"`
	Pipe      string `json:"pipe"`
	Message   string `json:"message"`
}

func (d *JSONDriver) Init() error {
	f, err := openLog(d.path, 0o644)
	if err != nil {
		return err
	}
	d.file = f
	d.w = bufio.NewWriter(f)
	return nil
}

func (d *JSONDriver) Write(pipe Pipe, line []byte, _ bool) error {
	entry := jsonLogLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Pipe:      pipe.String(),
		Message:   string(bytes.TrimRight(line, "\n")),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}

	// The rotation threshold counts the JSON object length only, excluding
	// the trailing newline, matching json_logger.rs's bytes_written
	// accounting.
	size := len(encoded)
	if d.maxLogSize > 0 && d.bytesWritten+size > d.maxLogSize {
		d.bytesWritten = 0
		if err := d.Reopen(); err != nil {
			return err
		}
	}

	if _, err := d.w.Write(encoded); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	if _, err := d.w.Write([]byte("\n")); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	d.bytesWritten += size
	return d.Flush()
}

func (d *JSONDriver) Reopen() error {
	if err := d.w.Flush(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	if err := d.file.Sync(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	d.file.Close()
	return d.Init()
}

func (d *JSONDriver) Flush() error {
	if err := d.w.Flush(); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}

func (d *JSONDriver) Close() error {
	if d.file == nil {
		return nil
	}
	_ = d.Flush()
	return d.file.Close()
}

// JournaldDriver sends each line to the systemd journal, matching
// original_source's journal.rs (Priority::Notice per line), tagged with
// the container ID so entries can be filtered with journalctl.
type JournaldDriver struct {
	containerID string
}

func NewJournald(containerID string) *JournaldDriver {
	return &JournaldDriver{containerID: containerID}
}

func (d *JournaldDriver) Init() error { return nil }

func (d *JournaldDriver) Write(pipe Pipe, line []byte, _ bool) error {
	vars := map[string]string{
		"CONTAINER_ID_FULL": d.containerID,
		"CONTAINER_PIPE":    pipe.String(),
	}
	if err := journal.Send(string(bytes.TrimRight(line, "\n")), journal.PriNotice, vars); err != nil {
		return conmonerr.Wrap(conmonerr.IoError, err)
	}
	return nil
}

func (d *JournaldDriver) Reopen() error { return nil }
func (d *JournaldDriver) Flush() error  { return nil }
func (d *JournaldDriver) Close() error  { return nil }

func openLog(path string, mode os.FileMode) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, conmonerr.Wrap(conmonerr.IoError, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, mode)
	if err != nil {
		return nil, conmonerr.Wrap(conmonerr.IoError, fmt.Errorf("open log file path %q: %w", path, err))
	}
	return f, nil
}
