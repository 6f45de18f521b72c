package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args in an isolated HOME and returns
// what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default.
// The command tree is package-global, so values parsed by one Execute
// (--help in particular) would otherwise leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	return home
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "devmind version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "devmind")
		assert.Contains(t, output, "repository")
		for _, sub := range []string{"chat", "session", "serve", "configure", "version"} {
			assert.Contains(t, output, sub)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})
}

func TestVersionCommand(t *testing.T) {
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "devmind "+GetVersion()))
}

func TestExecute_FlagsDoNotLeakBetweenRuns(t *testing.T) {
	isolateHome(t)

	_, err := execute(t, "--help")
	require.NoError(t, err)
	_, err = execute(t, "version", "--help")
	require.NoError(t, err)

	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "devmind "+GetVersion()), output)
	assert.NotContains(t, output, "Usage:")

	output, err = execute(t, "session", "list")
	require.NoError(t, err)
	assert.NotContains(t, output, "Usage:")
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	isolateHome(t)
	t.Cleanup(func() { logLevel = "" })

	logLevel = "debug"
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	logLevel = "loud"
	_, err = loadConfig()
	assert.Error(t, err)
}
