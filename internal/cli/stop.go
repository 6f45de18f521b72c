package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the devmind gateway",
	Long: `Stop a running devmind gateway gracefully.
Sends SIGTERM and waits for in-flight turns to finish before the timeout.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the gateway to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	out := cmd.OutOrStdout()

	if !isRunning(pidFile) {
		_ = os.Remove(pidFile)
		fmt.Fprintln(out, "Gateway is not running")
		return nil
	}
	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	if err := signalPID(pid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Fprintln(out, "Gateway stopped")
			_ = os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := signalPID(pid, syscall.SIGKILL); err != nil {
		return err
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "Gateway killed")
	return nil
}

func signalPID(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return nil
}
