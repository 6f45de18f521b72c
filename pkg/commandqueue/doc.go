// Package commandqueue runs tasks in named lanes, one at a time per lane.
//
// The agent uses one lane per session so turns of a session never overlap
// while different sessions proceed in parallel.
//
// Invariants:
//   - A lane runs at most one task; queued tasks start in FIFO order.
//   - A RequestID seen again within the dedup TTL returns the first result.
//     A duplicate that arrives while the first is still queued or running
//     waits for it instead of running the task twice.
//   - Close cancels running tasks and fails queued ones with ErrQueueClosed.
//
// Usage:
//
//	q := commandqueue.New()
//	defer q.Close()
//	v, err := q.EnqueueWithContext(ctx, "session-abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, &commandqueue.TaskOptions{RequestID: "req-1"})
package commandqueue
