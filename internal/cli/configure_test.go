package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "interactive configuration wizard")
	})

	t.Run("saves wizard answers", func(t *testing.T) {
		home := isolateHome(t)
		path := filepath.Join(home, "devmind.json")
		t.Cleanup(func() { cfgFile = "" })

		cmd := GetRootCmd()
		resetFlags(cmd)
		cmd.SetIn(strings.NewReader("ollama\n\n\n/repo\ngo\n\n"))
		out := &strings.Builder{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{"configure", "--config", path})
		require.NoError(t, cmd.Execute())

		assert.Contains(t, out.String(), "Configuration saved to: "+path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"ollama"`)
		assert.Contains(t, string(data), `"/repo"`)
	})
}
