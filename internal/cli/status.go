package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Show whether the devmind gateway is running and how many sessions exist.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath()

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Gateway: stopped")
	} else {
		pid, err := readPID(pidFile)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Gateway: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Address: %s\n", cfg.Gateway.Addr())
	fmt.Fprintf(out, "Sessions dir: %s\n", cfg.SessionsDir)
	if entries, err := os.ReadDir(cfg.SessionsDir); err == nil {
		n := 0
		for _, e := range entries {
			if e.IsDir() {
				n++
			}
		}
		fmt.Fprintf(out, "Sessions: %d\n", n)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
