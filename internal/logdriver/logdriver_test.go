package logdriver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/conmon-go/internal/containerio"
)

func send(ch chan containerio.Message, lines string) {
	ch <- containerio.Message{Data: []byte(lines)}
	ch <- containerio.Message{Done: true}
	close(ch)
}

func TestCriDriverWritesStdout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	d := NewCri(path, 0)
	require.NoError(t, d.Init())
	c := New(d)

	ch := make(chan containerio.Message, 4)
	send(ch, "this is a line\nand another line\n")
	require.NoError(t, c.Consume(Stdout, ch))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), " stdout F this is a line")
	require.Contains(t, string(data), " stdout F and another line")
}

func TestCriDriverStdoutAndStderr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	d := NewCri(path, 0)
	require.NoError(t, d.Init())
	c := New(d)

	out := make(chan containerio.Message, 4)
	send(out, "a\nb\nc\n")
	require.NoError(t, c.Consume(Stdout, out))

	errc := make(chan containerio.Message, 4)
	send(errc, "a\nb\nc\n")
	require.NoError(t, c.Consume(Stderr, errc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, want := range []string{
		" stdout F a", " stdout F b", " stdout F c",
		" stderr F a", " stderr F b", " stderr F c",
	} {
		require.Contains(t, string(data), want)
	}
}

func TestCriDriverRotatesOnMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	d := NewCri(path, 150)
	require.NoError(t, d.Init())
	c := New(d)

	ch := make(chan containerio.Message, 8)
	send(ch, "a\nb\nc\nd\ne\nf\n")
	require.NoError(t, c.Consume(Stdout, ch))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), " stdout F a")
	require.Contains(t, string(data), " stdout F f")
}

func TestJSONDriverWritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	d := NewJSON(path, 0)
	require.NoError(t, d.Init())
	c := New(d)

	ch := make(chan containerio.Message, 4)
	send(ch, "Test log message\n")
	require.NoError(t, c.Consume(Stdout, ch))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "Test log message")
	require.Contains(t, string(data), `"pipe":"stdout"`)
}

func TestSharedContainerLogFansOutToMultipleDrivers(t *testing.T) {
	dir := t.TempDir()
	cri := NewCri(filepath.Join(dir, "cri.log"), 0)
	jsonD := NewJSON(filepath.Join(dir, "json.log"), 0)
	require.NoError(t, cri.Init())
	require.NoError(t, jsonD.Init())
	c := New(cri, jsonD)

	ch := make(chan containerio.Message, 4)
	send(ch, "hello\n")
	require.NoError(t, c.Consume(Stdout, ch))

	criData, err := os.ReadFile(filepath.Join(dir, "cri.log"))
	require.NoError(t, err)
	require.Contains(t, string(criData), "hello")

	jsonData, err := os.ReadFile(filepath.Join(dir, "json.log"))
	require.NoError(t, err)
	require.Contains(t, string(jsonData), "hello")
}

func TestSharedContainerLogHandlesPartialLineOnDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	d := NewCri(path, 0)
	require.NoError(t, d.Init())
	c := New(d)

	ch := make(chan containerio.Message, 4)
	ch <- containerio.Message{Data: []byte("no trailing newline")}
	ch <- containerio.Message{Done: true}
	close(ch)
	require.NoError(t, c.Consume(Stdout, ch))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), " stdout P no trailing newline")
}

func TestCriDriverTimestampIsRFC3339(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	d := NewCri(path, 0)
	require.NoError(t, d.Init())
	c := New(d)

	ch := make(chan containerio.Message, 4)
	send(ch, "x\n")
	require.NoError(t, c.Consume(Stdout, ch))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fields := splitFirstField(string(data))
	_, err = time.Parse(time.RFC3339Nano, fields)
	require.NoError(t, err)
}

func splitFirstField(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}
