package bootstrap

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conmon.pid")
	require.NoError(t, WritePidFile(path, 1234))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	require.Equal(t, 1234, pid)
}

func TestInstallSubreaperSucceedsUnprivileged(t *testing.T) {
	require.NoError(t, InstallSubreaper())
}
