package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/spf13/cobra"
)

var (
	progressLimit int
	setPlanFile   string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and edit session artifacts",
}

var sessionPlanCmd = &cobra.Command{
	Use:   "plan <session>",
	Short: "Print a session's plan.md",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionPlan,
}

var sessionSetPlanCmd = &cobra.Command{
	Use:   "set-plan <session> [text]",
	Short: "Replace a session's plan (from text, --file, or stdin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSessionSetPlan,
}

var sessionFindingsCmd = &cobra.Command{
	Use:   "findings <session>",
	Short: "List a session's findings",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionFindings,
}

var sessionProgressCmd = &cobra.Command{
	Use:   "progress <session>",
	Short: "Print the latest progress entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionProgress,
}

var sessionTailCmd = &cobra.Command{
	Use:   "tail <session>",
	Short: "Follow a session's progress log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionTail,
}

var sessionReportCmd = &cobra.Command{
	Use:   "report <session>",
	Short: "Append a summary report to progress.md",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionReport,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with their turn counts",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

func init() {
	sessionProgressCmd.Flags().IntVarP(&progressLimit, "limit", "n", 20, "number of entries to show (0 for all)")
	sessionSetPlanCmd.Flags().StringVarP(&setPlanFile, "file", "f", "", "read the plan from a file")

	sessionCmd.AddCommand(sessionPlanCmd)
	sessionCmd.AddCommand(sessionSetPlanCmd)
	sessionCmd.AddCommand(sessionFindingsCmd)
	sessionCmd.AddCommand(sessionProgressCmd)
	sessionCmd.AddCommand(sessionTailCmd)
	sessionCmd.AddCommand(sessionReportCmd)
	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

// withSession opens an existing session for an artifact-only command.
func withSession(id string, fn func(a *app, sess *sessionstore.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.store.Exists(id) {
		return fmt.Errorf("session %q not found in %s", id, a.store.BaseDir())
	}
	sess, err := a.store.CreateOrOpen(id)
	if err != nil {
		return err
	}
	return fn(a, sess)
}

func runSessionPlan(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(_ *app, sess *sessionstore.Session) error {
		text, err := sess.ReadPlan()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	})
}

func runSessionSetPlan(cmd *cobra.Command, args []string) error {
	text, err := planText(cmd, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.store.CreateOrOpen(args[0])
	if err != nil {
		return err
	}
	if err := sess.UpdatePlanWithContext(cmd.Context(), text); err != nil {
		return err
	}
	done, total := sessionstore.ParsePlan(text).Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "Plan updated (%d/%d items done)\n", done, total)
	return nil
}

func planText(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case setPlanFile != "":
		data, err := os.ReadFile(setPlanFile)
		if err != nil {
			return "", fmt.Errorf("failed to read plan file: %w", err)
		}
		return string(data), nil
	case len(args) == 2:
		return args[1], nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read plan from stdin: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("plan text is empty")
		}
		return string(data), nil
	}
}

func runSessionFindings(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(_ *app, sess *sessionstore.Session) error {
		findings, err := sess.Findings()
		if err != nil {
			return err
		}
		printFindings(cmd.OutOrStdout(), findings)
		return nil
	})
}

func runSessionProgress(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(_ *app, sess *sessionstore.Session) error {
		entries, err := sess.Progress()
		if err != nil {
			return err
		}
		printProgress(cmd.OutOrStdout(), entries, progressLimit)
		return nil
	})
}

func runSessionTail(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(_ *app, sess *sessionstore.Session) error {
		watcher, err := sess.WatchProgress()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Following %s (Ctrl+C to stop)\n", sess.Path(sessionstore.ArtifactProgress))
		return watcher.Run(ctx, func(e sessionstore.ProgressEntry) {
			printProgress(out, []sessionstore.ProgressEntry{e}, 0)
		})
	})
}

func runSessionReport(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(a *app, sess *sessionstore.Session) error {
		st, err := sess.FinalizeReport(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report appended: %d entries, %d findings, %d errors (%s)\n",
			st.Entries, st.Findings, st.Errors, st.Status)
		if a.tracker != nil {
			a.tracker.UpdateTaskStatus(cmd.Context(), a.cfg.Tracker.TaskID, st.Status)
		}
		return nil
	})
}

func runSessionList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if a.catalog != nil {
		summaries, err := a.catalog.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(summaries) > 0 {
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTURNS\tEXECUTIONS\tFAILURES\tLAST SEEN")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", s.ID, s.Turns, s.Executions, s.Failures, s.LastSeen.Local().Format(time.DateTime))
			}
			return tw.Flush()
		}
	}

	ids, err := a.store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func printFindings(out io.Writer, findings []sessionstore.Finding) {
	if len(findings) == 0 {
		fmt.Fprintln(out, "No findings.")
		return
	}
	for _, f := range findings {
		fmt.Fprintf(out, "[%s] %s (%s)\n", f.Severity, f.Title, f.At.Local().Format(time.DateTime))
		if f.Description != "" {
			for _, line := range strings.Split(f.Description, "\n") {
				fmt.Fprintf(out, "    %s\n", line)
			}
		}
	}
}

// printProgress prints the last limit entries; limit <= 0 prints all.
func printProgress(out io.Writer, entries []sessionstore.ProgressEntry, limit int) {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %-5s %s\n", e.At.Format(time.DateTime), e.Kind, e.Message)
	}
}
