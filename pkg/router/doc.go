// Package router makes the single per-turn model call and classifies the
// reply as a direct answer or a sandbox request.
//
// The model asks for execution with one of three directives, checked in
// order:
//
//   - a run_code tool call (or a tool whose name mentions python and exec)
//     carrying the snippet in code, command or script
//   - a fenced block tagged <lang>:execute or <lang>:exec
//   - a line starting with RUN: followed by a one-line snippet
//
// A directive with no usable payload is a routing failure and falls back
// to a direct answer carrying the raw model text. So is a snippet written
// in a language other than the one the sandbox runs; the router names that
// language in the system prompt and in the tool schema.
package router
