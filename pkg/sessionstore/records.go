package sessionstore

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Artifact names one of the files a session owns.
type Artifact string

const (
	ArtifactPlan     Artifact = "plan.md"
	ArtifactFindings Artifact = "findings.md"
	ArtifactProgress Artifact = "progress.md"
)

// Well-known finding severities. Any short label is accepted.
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityRisk    = "RISK"
)

// Well-known progress kinds. Any short label is accepted.
const (
	KindExec  = "EXEC"
	KindPlan  = "PLAN"
	KindThink = "THINK"
	KindChat  = "CHAT"
	KindError = "ERROR"
)

const (
	progressTimeLayout = "2006-01-02 15:04:05"
	findingsHeader     = "# Findings & Insights\n\n"
)

// DefaultPlan is the plan every new session starts with.
var DefaultPlan = Plan{
	Title: "Task Plan",
	Items: []PlanItem{{Text: "Initialize Analysis"}},
}

// PlanItem is one checklist line of a plan.
type PlanItem struct {
	Done bool
	Text string
}

// Plan is the typed view of plan.md. Free text outside the title and the
// checklist is not modelled; UpdatePlan always stores the caller's raw text.
type Plan struct {
	Title string
	Items []PlanItem
}

// Markdown renders the plan as stored on disk.
func (p Plan) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	for _, it := range p.Items {
		mark := " "
		if it.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, it.Text)
	}
	return b.String()
}

// Counts returns how many items are checked off and how many exist.
func (p Plan) Counts() (done, total int) {
	for _, it := range p.Items {
		if it.Done {
			done++
		}
	}
	return done, len(p.Items)
}

var planItemRe = regexp.MustCompile(`^\s*[-*] \[([ xX])\] (.*)$`)

// ParsePlan extracts the title and checklist from plan markdown.
func ParsePlan(text string) Plan {
	var p Plan
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if p.Title == "" && strings.HasPrefix(line, "# ") {
			p.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			continue
		}
		if m := planItemRe.FindStringSubmatch(line); m != nil {
			p.Items = append(p.Items, PlanItem{Done: m[1] != " ", Text: strings.TrimSpace(m[2])})
		}
	}
	return p
}

// Finding is one entry of findings.md.
type Finding struct {
	Severity    string
	Title       string
	Description string
	At          time.Time
}

// FormatFinding serializes f as
//
//	<!-- 2026-01-02T15:04:05Z -->
//	[SEVERITY] Title
//	Description
//
// followed by a blank line separating it from the next entry.
func FormatFinding(f Finding) string {
	desc := strings.TrimRight(strings.ReplaceAll(f.Description, "\r\n", "\n"), "\n \t")
	var b strings.Builder
	fmt.Fprintf(&b, "<!-- %s -->\n", f.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "[%s] %s\n", NormalizeSeverity(f.Severity), singleLine(f.Title))
	if desc != "" {
		b.WriteString(desc)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

var (
	findingStampRe = regexp.MustCompile(`^<!-- (\S+) -->$`)
	findingHeadRe  = regexp.MustCompile(`^\[([^\]]+)\] (.*)$`)
)

// ParseFindings reads every entry written by FormatFinding, in file order.
// Text that does not belong to an entry (the header) is skipped.
func ParseFindings(text string) []Finding {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var (
		out     []Finding
		cur     *Finding
		curDesc []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Description = strings.TrimRight(strings.Join(curDesc, "\n"), "\n \t")
		out = append(out, *cur)
		cur, curDesc = nil, nil
	}

	for i := 0; i < len(lines); i++ {
		if m := findingStampRe.FindStringSubmatch(lines[i]); m != nil && i+1 < len(lines) {
			if h := findingHeadRe.FindStringSubmatch(lines[i+1]); h != nil {
				flush()
				at, _ := time.Parse(time.RFC3339, m[1])
				cur = &Finding{Severity: h[1], Title: h[2], At: at}
				i++
				continue
			}
		}
		if cur != nil {
			curDesc = append(curDesc, lines[i])
		}
	}
	flush()
	return out
}

// ProgressEntry is one line of progress.md.
type ProgressEntry struct {
	Kind    string
	Message string
	At      time.Time
}

// FormatProgressEntry serializes e as "- **YYYY-MM-DD HH:MM:SS** [`KIND`] message\n".
func FormatProgressEntry(e ProgressEntry) string {
	return fmt.Sprintf("- **%s** [`%s`] %s\n", e.At.Format(progressTimeLayout), NormalizeKind(e.Kind), singleLine(e.Message))
}

var progressLineRe = regexp.MustCompile("^- \\*\\*(\\d{4}-\\d{2}-\\d{2} \\d{2}:\\d{2}:\\d{2})\\*\\* \\[`([^`]+)`\\] ?(.*)$")

// ParseProgress reads every entry line of progress.md in file order.
// Timestamps are interpreted in loc (time.Local when nil).
func ParseProgress(text string, loc *time.Location) []ProgressEntry {
	if loc == nil {
		loc = time.Local
	}
	var out []ProgressEntry
	for _, line := range strings.Split(text, "\n") {
		m := progressLineRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		at, _ := time.ParseInLocation(progressTimeLayout, m[1], loc)
		out = append(out, ProgressEntry{Kind: m[2], Message: m[3], At: at})
	}
	return out
}

// ProgressMarker returns the literal tag written for kind, e.g. "[`EXEC`]".
func ProgressMarker(kind string) string {
	return "[`" + NormalizeKind(kind) + "`]"
}

func progressHeader(started time.Time) string {
	return fmt.Sprintf("# Progress Log\n\nSession started: %s\n\n", started.Format(progressTimeLayout))
}

// NormalizeSeverity upper-cases a severity label, defaulting to INFO.
func NormalizeSeverity(s string) string {
	s = strings.ToUpper(strings.TrimSpace(strings.NewReplacer("[", "", "]", "", "\n", " ").Replace(s)))
	if s == "" {
		return SeverityInfo
	}
	return s
}

// NormalizeKind upper-cases a progress kind, defaulting to EXEC.
func NormalizeKind(k string) string {
	k = strings.ToUpper(strings.TrimSpace(strings.NewReplacer("`", "", "\n", " ").Replace(k)))
	if k == "" {
		return KindExec
	}
	return k
}

func singleLine(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
