package reaper

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatchWritesExitCodeOnNormalExit(t *testing.T) {
	dir := t.TempDir()
	exitPath := filepath.Join(dir, "exit")

	cmd := exec.Command("sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())

	r := New(zerolog.Nop())
	r.Watch(Child{ID: "c1", Pid: cmd.Process.Pid, ExitPaths: []string{exitPath}})

	require.Eventually(t, func() bool {
		_, err := os.Stat(exitPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(exitPath)
	require.NoError(t, err)
	code, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestWatchWritesSignaledExitCode(t *testing.T) {
	dir := t.TempDir()
	exitPath := filepath.Join(dir, "exit")

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	r := New(zerolog.Nop())
	r.Watch(Child{ID: "c2", Pid: cmd.Process.Pid, ExitPaths: []string{exitPath}})

	require.NoError(t, cmd.Process.Kill())

	require.Eventually(t, func() bool {
		_, err := os.Stat(exitPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(exitPath)
	require.NoError(t, err)
	code, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	require.Equal(t, 128+9, code)
}

func TestWatchRemovesEntryAfterExit(t *testing.T) {
	dir := t.TempDir()
	exitPath := filepath.Join(dir, "exit")

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())

	r := New(zerolog.Nop())
	r.Watch(Child{ID: "c3", Pid: cmd.Process.Pid, ExitPaths: []string{exitPath}})

	require.Eventually(t, func() bool {
		_, err := r.Get("c3")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMultimapAllowsDuplicateIDs(t *testing.T) {
	r := New(zerolog.Nop())

	c1 := exec.Command("sleep", "30")
	c2 := exec.Command("sleep", "30")
	require.NoError(t, c1.Start())
	require.NoError(t, c2.Start())
	defer c1.Process.Kill()
	defer c2.Process.Kill()

	r.Watch(Child{ID: "dup", Pid: c1.Process.Pid})
	r.Watch(Child{ID: "dup", Pid: c2.Process.Pid})

	list, err := r.Get("dup")
	require.NoError(t, err)
	require.Len(t, list, 2)
}
