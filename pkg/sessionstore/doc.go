// Package sessionstore persists the working state of one analysis session
// as three markdown artifacts under <base_dir>/<session_id>/:
// plan.md, findings.md and progress.md.
//
// Invariants:
//   - Session IDs are validated and path-safe.
//   - All three artifacts exist once CreateOrOpen returns; reopening never
//     clobbers an existing plan.
//   - Findings and progress entries are only ever appended, in call order.
//   - Every write goes to a temp file in the session directory and is renamed
//     over the target, so readers never observe a partial file.
//   - Writes to the same session directory are serialized process-wide.
//
// Usage:
//
//	s, _ := sessionstore.CreateOrOpen("review-42", "/var/lib/devmind/sessions")
//	_ = s.LogFinding("Bug Found", "nil map write in cache.Put", sessionstore.SeverityRisk)
//	_ = s.LogProgress("counted python files", sessionstore.KindExec)
//	plan, _ := s.ReadPlan()
//	_ = plan
package sessionstore
