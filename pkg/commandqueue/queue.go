package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrQueueClosed is returned for tasks enqueued after, or still queued
	// at, Close.
	ErrQueueClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is the unit of work run in a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes one enqueue.
type TaskOptions struct {
	// RequestID makes the enqueue idempotent within the dedup TTL.
	RequestID string
	// WarnAfter logs a warning and calls OnWait when the task is still
	// queued after this long. Zero disables the check.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, position int)
}

type job struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	opts       TaskOptions
	done       chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type lane struct {
	mu      sync.Mutex
	pending []*job
	busy    bool
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	dedup  *dedupCache
}

// New creates a queue that remembers request results for five minutes.
func New() *CommandQueue {
	return NewWithDedupTTL(5 * time.Minute)
}

// NewWithDedupTTL creates a queue whose RequestID cache keeps results for ttl.
func NewWithDedupTTL(ttl time.Duration) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		dedup:  newDedupCache(ctx, ttl),
	}
}

// Enqueue runs task in the named lane with a background context.
func (cq *CommandQueue) Enqueue(name string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), name, task, options)
}

// EnqueueWithContext queues task in the named lane and blocks until it has
// run. ctx is handed to the task; it is also cancelled by Close.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, name string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "devmind.commandqueue", "commandqueue.enqueue", attribute.String("lane", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", name).Logger()

	var opts TaskOptions
	if options != nil {
		opts = *options
	}

	var res taskResult
	if opts.RequestID == "" {
		res = cq.submit(ctx, name, task, opts, logger)
	} else {
		key := name + "/" + opts.RequestID
		f, owner := cq.dedup.Begin(key)
		if owner {
			res = cq.submit(ctx, name, task, opts, logger)
			cq.dedup.Finish(key, f, res)
		} else {
			logger.Debug().Str("request_id", opts.RequestID).Msg("Duplicate request, sharing first result")
			select {
			case <-f.done:
				res = f.result
			case <-ctx.Done():
				res = taskResult{err: ctx.Err()}
			}
		}
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.value, res.err
}

func (cq *CommandQueue) submit(ctx context.Context, name string, task Task, opts TaskOptions, logger zerolog.Logger) taskResult {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return taskResult{err: ErrQueueClosed}
	}
	cq.seq++
	id := fmt.Sprintf("%s-%d", name, cq.seq)
	ln, ok := cq.lanes[name]
	if !ok {
		ln = &lane{}
		cq.lanes[name] = ln
	}
	cq.mu.Unlock()

	j := &job{
		id:         id,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		opts:       opts,
		done:       make(chan taskResult, 1),
	}
	ln.mu.Lock()
	ln.pending = append(ln.pending, j)
	depth := len(ln.pending)
	ln.mu.Unlock()

	logger.Debug().Str("task_id", id).Int("queue_size", depth).Msg("Task enqueued")
	observability.RecordQueueEnqueue(name, depth)

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(name, ln, j)
	}
	cq.dispatch(name, ln)
	return <-j.done
}

// dispatch starts the next queued job when the lane is idle.
func (cq *CommandQueue) dispatch(name string, ln *lane) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.busy || len(ln.pending) == 0 {
		return
	}
	j := ln.pending[0]
	ln.pending = ln.pending[1:]
	ln.busy = true

	cq.wg.Add(1)
	go cq.run(name, ln, j)
}

func (cq *CommandQueue) run(name string, ln *lane, j *job) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(j.ctx, "devmind.commandqueue", "commandqueue.run",
		attribute.String("lane", name),
		attribute.String("task_id", j.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", name).Str("task_id", j.id).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	start := time.Now()
	value, err := invoke(runCtx, j.task)
	elapsed := time.Since(start)
	stop()
	cancel()

	ln.mu.Lock()
	ln.busy = false
	depth := len(ln.pending)
	ln.mu.Unlock()

	j.done <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Dur("duration", elapsed).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", elapsed).Msg("Task completed")
	}
	observability.RecordQueueCompletion(name, elapsed, err == nil, depth)

	cq.dispatch(name, ln)
}

// invoke turns a panic into an error so the lane keeps moving.
func invoke(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(name string, ln *lane, j *job) {
	timer := time.NewTimer(j.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-cq.ctx.Done():
		return
	case <-timer.C:
	}

	ln.mu.Lock()
	position := -1
	for i, queued := range ln.pending {
		if queued == j {
			position = i
			break
		}
	}
	ln.mu.Unlock()
	if position < 0 {
		return
	}

	waited := time.Since(j.enqueuedAt)
	log.Warn().
		Str("lane", name).
		Str("task_id", j.id).
		Dur("waited", waited).
		Int("position", position).
		Msg("Task waiting longer than expected")
	if j.opts.OnWait != nil {
		j.opts.OnWait(waited, position)
	}
}

func (cq *CommandQueue) lookup(name string) (*lane, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ln, ok := cq.lanes[name]
	return ln, ok
}

// Pending returns how many tasks wait in the named lane, excluding the one
// running.
func (cq *CommandQueue) Pending(name string) int {
	ln, ok := cq.lookup(name)
	if !ok {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.pending)
}

// Busy reports whether the named lane is running a task.
func (cq *CommandQueue) Busy(name string) bool {
	ln, ok := cq.lookup(name)
	if !ok {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.busy
}

// ActiveLanes returns how many lanes have queued or running tasks.
func (cq *CommandQueue) ActiveLanes() int {
	cq.mu.Lock()
	lanes := make([]*lane, 0, len(cq.lanes))
	for _, ln := range cq.lanes {
		lanes = append(lanes, ln)
	}
	cq.mu.Unlock()

	n := 0
	for _, ln := range lanes {
		ln.mu.Lock()
		if ln.busy || len(ln.pending) > 0 {
			n++
		}
		ln.mu.Unlock()
	}
	return n
}

// WaitIdle blocks until no lane has work or ctx ends.
func (cq *CommandQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cq.ActiveLanes() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ClearLane fails every queued task of the lane with ErrLaneCleared and
// returns how many were dropped. The running task is left alone.
func (cq *CommandQueue) ClearLane(name string) int {
	ln, ok := cq.lookup(name)
	if !ok {
		return 0
	}
	n := ln.drop(ErrLaneCleared)
	log.Info().Str("lane", name).Int("dropped", n).Msg("Lane cleared")
	observability.SetQueueSize(name, 0)
	return n
}

func (ln *lane) drop(reason error) int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	n := len(ln.pending)
	for _, j := range ln.pending {
		j.done <- taskResult{err: reason}
	}
	ln.pending = nil
	return n
}

// Close rejects new tasks, fails queued ones, cancels the running ones and
// waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*lane, 0, len(cq.lanes))
	for _, ln := range cq.lanes {
		lanes = append(lanes, ln)
	}
	cq.mu.Unlock()

	for _, ln := range lanes {
		ln.drop(ErrQueueClosed)
	}
	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}
