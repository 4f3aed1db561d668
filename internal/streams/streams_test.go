package streams

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/containers/conmon-go/internal/containerio"
)

func TestStreamsCapturesStdoutAndStderr(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)

	cmd := exec.Command("sh", "-c", "echo out; echo err 1>&2")
	cmd.Stdout = s.StdoutWriter()
	cmd.Stderr = s.StderrWriter()
	require.NoError(t, cmd.Start())

	require.NoError(t, s.Close())
	require.NoError(t, cmd.Wait())

	var data []byte
	done := false
	for msg := range collectWithTimeout(t, s.Messages(), 2*time.Second) {
		if msg.Done {
			done = true
			continue
		}
		data = append(data, msg.Data...)
	}
	require.True(t, done)
	require.Contains(t, string(data), "out")
	require.Contains(t, string(data), "err")
}

func collectWithTimeout(t *testing.T, ch <-chan containerio.Message, timeout time.Duration) []containerio.Message {
	t.Helper()
	var out []containerio.Message
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
			if msg.Done {
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream messages")
			return out
		}
	}
}
