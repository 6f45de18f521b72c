package sessionstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ReportStats summarizes a session for the closing report.
type ReportStats struct {
	Entries  int
	ByKind   map[string]int
	Findings int
	Errors   int
	Duration time.Duration
	Status   string
}

// Summarize derives report stats from parsed entries.
func Summarize(progress []ProgressEntry, findings []Finding) ReportStats {
	st := ReportStats{
		Entries:  len(progress),
		ByKind:   map[string]int{},
		Findings: len(findings),
		Status:   "completed",
	}
	for _, e := range progress {
		st.ByKind[e.Kind]++
		if e.Kind == KindError {
			st.Errors++
		}
	}
	for _, f := range findings {
		if f.Severity == SeverityError {
			st.Errors++
		}
	}
	if len(progress) > 1 {
		st.Duration = progress[len(progress)-1].At.Sub(progress[0].At)
	}
	if st.Errors > 0 {
		st.Status = "completed with errors"
	}
	return st
}

// FormatReport renders stats as the markdown table appended by FinalizeReport.
func FormatReport(st ReportStats, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Session Report (%s)\n\n", at.Format(progressTimeLayout))
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Progress entries | %d |\n", st.Entries)
	for _, kind := range []string{KindChat, KindExec, KindPlan, KindThink, KindError} {
		if n := st.ByKind[kind]; n > 0 {
			fmt.Fprintf(&b, "| %s entries | %d |\n", kind, n)
		}
	}
	fmt.Fprintf(&b, "| Findings | %d |\n", st.Findings)
	fmt.Fprintf(&b, "| Errors | %d |\n", st.Errors)
	fmt.Fprintf(&b, "| Duration | %s |\n", st.Duration.Round(time.Second))
	fmt.Fprintf(&b, "| Status | %s |\n\n", st.Status)
	return b.String()
}

// FinalizeReport appends a summary table of the session to progress.md and
// returns the stats it wrote.
func (s *Session) FinalizeReport(ctx context.Context) (ReportStats, error) {
	progress, err := s.Progress()
	if err != nil {
		return ReportStats{}, err
	}
	findings, err := s.Findings()
	if err != nil {
		return ReportStats{}, err
	}
	st := Summarize(progress, findings)
	report := FormatReport(st, s.now())
	return st, s.mutate(ctx, ArtifactProgress, appendEntry(report))
}
