package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	t.Run("command exists with start alias", func(t *testing.T) {
		cmd, _, err := GetRootCmd().Find([]string{"start"})
		require.NoError(t, err)
		assert.Equal(t, "serve", cmd.Name())
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "serve", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Start the devmind gateway")
		assert.Contains(t, output, "--port")
	})

	t.Run("requires a shared secret", func(t *testing.T) {
		isolateHome(t)
		_, err := execute(t, "serve")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared_secret")
	})
}

func TestGetPIDFilePath(t *testing.T) {
	home := isolateHome(t)
	assert.Equal(t, filepath.Join(home, ".devmind", "devmind.pid"), getPIDFilePath())
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "nonexistent.pid")
		assert.False(t, isRunning(pidFile))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0o644))
		assert.False(t, isRunning(pidFile))
	})

	t.Run("own pid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "nested", "devmind.pid")
		require.NoError(t, writePIDFile(pidFile))

		pid, err := readPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.True(t, isRunning(pidFile))
	})
}
