// Package tasks is the dispatcher between the firehose subscribers and the
// receive workers: durable enqueue with optional delay, a per-user per-queue
// rate limit, and an inline mode that runs handlers synchronously.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crossfed/crossfed/internal/reporting"
)

// Task is one unit of work. Exactly one of Bsky, Nostr, or AS1 carries the
// payload, per source protocol; AS1 additionally carries synthesized
// activities (deletes, undos).
type Task struct {
	Queue          string
	ID             string
	SourceProtocol string
	AuthedAs       string
	ReceivedAt     string

	Bsky  map[string]any
	Nostr map[string]any
	AS1   map[string]any

	Delay time.Duration
}

// Queue is the durable task-queue oracle.
type Queue interface {
	Enqueue(ctx context.Context, t Task, eta time.Time) error
}

// Handler processes tasks for one queue name.
type Handler func(ctx context.Context, t Task) error

// Dispatcher schedules tasks. A nil redis client disables rate limiting; a
// missing AuthedAs bypasses it.
type Dispatcher struct {
	queue    Queue
	redis    *redis.Client
	limit    int
	window   time.Duration
	reporter *reporting.Reporter

	// Inline runs the handler synchronously instead of enqueuing. Used by
	// tests and the no-queue path.
	Inline bool

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Dispatcher. queue may be nil only when Inline is later set.
func New(queue Queue, rdb *redis.Client, limit int, window time.Duration, reporter *reporting.Reporter) *Dispatcher {
	if reporter == nil {
		reporter = reporting.New(nil)
	}
	return &Dispatcher{
		queue:    queue,
		redis:    rdb,
		limit:    limit,
		window:   window,
		reporter: reporter,
		handlers: map[string]Handler{},
	}
}

// Register installs the handler for a queue name.
func (d *Dispatcher) Register(queue string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[queue] = h
}

// Handler returns the handler registered for a queue name, or nil.
func (d *Dispatcher) Handler(queue string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[queue]
}

// CreateTask schedules t at max(now, nextSlot(authedAs, queue)) + t.Delay.
// Errors are reported to the error sink but never propagated to the caller's
// request path; the returned error is only for tests running inline.
func (d *Dispatcher) CreateTask(ctx context.Context, t Task) error {
	if d.Inline {
		h := d.Handler(t.Queue)
		if h == nil {
			return fmt.Errorf("no handler for queue %q", t.Queue)
		}
		if err := h(ctx, t); err != nil {
			d.reporter.Error(ctx, "inline task failed", err,
				map[string]any{"queue": t.Queue, "id": t.ID})
			return err
		}
		return nil
	}

	eta := d.nextSlot(ctx, t.Queue, t.AuthedAs).Add(t.Delay)
	if err := d.queue.Enqueue(ctx, t, eta); err != nil {
		d.reporter.Error(ctx, "enqueue failed", err,
			map[string]any{"queue": t.Queue, "id": t.ID})
	}
	return nil
}

// nextSlot enforces the per-user-per-queue rate limit: limit tasks per
// window, with overflow pushed into subsequent windows. No AuthedAs or no
// counter backend means no limit.
func (d *Dispatcher) nextSlot(ctx context.Context, queue, authedAs string) time.Time {
	now := time.Now()
	if d.redis == nil || authedAs == "" || d.limit <= 0 {
		return now
	}

	windowStart := now.Truncate(d.window)
	key := fmt.Sprintf("task:%s:%s:%d", queue, authedAs, windowStart.Unix())
	count, err := d.redis.Incr(ctx, key).Result()
	if err != nil {
		// The counter is best-effort; a down backend must not block tasks.
		slog.Warn("rate limit counter unavailable", "error", err)
		return now
	}
	d.redis.Expire(ctx, key, d.window*4)

	if count <= int64(d.limit) {
		return now
	}
	// nth overflow window: tasks limit+1..2*limit land in the next window,
	// and so on.
	windows := (count - 1) / int64(d.limit)
	slot := windowStart.Add(time.Duration(windows) * d.window)
	slog.Debug("rate limiting task", "queue", queue, "authed_as", authedAs,
		"count", count, "eta", slot)
	return slot
}

// ─── In-process queue ─────────────────────────────────────────────────────────

// MemQueue is an in-process Queue that dispatches tasks to registered
// handlers through a bounded worker pool once their eta arrives. It is the
// default backend when no external task-queue oracle is configured.
type MemQueue struct {
	dispatcher *Dispatcher
	ch         chan Task
	workers    int
	wg         sync.WaitGroup
}

// NewMemQueue creates a MemQueue with the given number of receive workers.
// Start must be called before tasks flow.
func NewMemQueue(workers, depth int) *MemQueue {
	return &MemQueue{ch: make(chan Task, depth), workers: workers}
}

// Bind attaches the dispatcher whose handlers this queue feeds.
func (q *MemQueue) Bind(d *Dispatcher) { q.dispatcher = d }

// Start launches the receive workers. Blocks until ctx is cancelled and all
// in-flight handlers drain.
func (q *MemQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-q.ch:
					q.run(ctx, t)
				}
			}
		}()
	}
	<-ctx.Done()
	q.wg.Wait()
}

func (q *MemQueue) run(ctx context.Context, t Task) {
	defer q.dispatcher.reporter.Recover(ctx, "task handler")
	h := q.dispatcher.Handler(t.Queue)
	if h == nil {
		slog.Warn("no handler for queue", "queue", t.Queue, "id", t.ID)
		return
	}
	if err := h(ctx, t); err != nil {
		q.dispatcher.reporter.Error(ctx, "task failed", err,
			map[string]any{"queue": t.Queue, "id": t.ID})
	}
}

// Enqueue schedules t for its eta. Delayed tasks wait in a timer goroutine
// so the channel only ever holds due work.
func (q *MemQueue) Enqueue(ctx context.Context, t Task, eta time.Time) error {
	delay := time.Until(eta)
	if delay <= 0 {
		select {
		case q.ch <- t:
			return nil
		default:
			return fmt.Errorf("task queue full")
		}
	}
	time.AfterFunc(delay, func() {
		select {
		case q.ch <- t:
		default:
			slog.Warn("task queue full, dropping delayed task", "queue", t.Queue, "id", t.ID)
		}
	})
	return nil
}
