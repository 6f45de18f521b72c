// Package agent runs chat turns against one analysis session.
//
// A turn moves through Idle → Routing → (DirectReply | Executing →
// Composing) → Idle. Routing makes one model call; a sandbox decision runs
// the snippet and folds its output into the reply under the
// "**Execution Result:**" marker.
//
// Invariants:
//   - The marker appears exactly once in a reply whose snippet ran
//     successfully and never in a direct reply.
//   - Router, sandbox and model failures become an apologetic reply plus an
//     ERROR finding. Only *sessionstore.StorageError escapes Chat.
//   - Manager serializes turns per session through commandqueue lanes.
//
// Usage:
//
//	sess, _ := agent.NewSession(stored, agent.Config{Router: r, Sandbox: sb})
//	reply, err := sess.Chat(ctx, "How many python files are in this directory?")
package agent
