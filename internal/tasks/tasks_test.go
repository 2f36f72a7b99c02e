package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureQueue records enqueued tasks and their etas.
type captureQueue struct {
	mu    sync.Mutex
	tasks []Task
	etas  []time.Time
}

func (q *captureQueue) Enqueue(ctx context.Context, t Task, eta time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	q.etas = append(q.etas, eta)
	return nil
}

func TestInlineMode(t *testing.T) {
	d := New(nil, nil, 0, 0, nil)
	d.Inline = true

	var got Task
	d.Register("receive", func(ctx context.Context, task Task) error {
		got = task
		return nil
	})

	err := d.CreateTask(context.Background(), Task{Queue: "receive", ID: "at://x"})
	require.NoError(t, err)
	assert.Equal(t, "at://x", got.ID)

	// Unregistered queue errors inline.
	err = d.CreateTask(context.Background(), Task{Queue: "nope"})
	assert.Error(t, err)
}

func TestDelayedTaskEta(t *testing.T) {
	q := &captureQueue{}
	d := New(q, nil, 0, 0, nil)

	start := time.Now()
	require.NoError(t, d.CreateTask(context.Background(), Task{
		Queue: "receive",
		ID:    "at://x#delete",
		Delay: 90 * time.Second,
	}))

	require.Len(t, q.etas, 1)
	assert.WithinDuration(t, start.Add(90*time.Second), q.etas[0], 2*time.Second)
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q := &captureQueue{}
	d := New(q, rdb, 2, time.Minute, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, d.CreateTask(ctx, Task{
			Queue:    "receive",
			ID:       "task",
			AuthedAs: "did:plc:spammy",
		}))
	}
	require.Len(t, q.etas, 5)

	now := time.Now()
	// First two run immediately.
	assert.WithinDuration(t, now, q.etas[0], 2*time.Second)
	assert.WithinDuration(t, now, q.etas[1], 2*time.Second)
	// Overflow lands in later windows.
	assert.True(t, q.etas[2].After(now), "third task should be pushed out")
	assert.True(t, q.etas[4].After(q.etas[2]) || q.etas[4].Equal(q.etas[2].Add(time.Minute)),
		"fifth task should be pushed at least one window beyond the third")
}

func TestRateLimitBypass(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q := &captureQueue{}
	d := New(q, rdb, 1, time.Minute, nil)

	// No AuthedAs: never limited.
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, d.CreateTask(ctx, Task{Queue: "receive", ID: "t"}))
	}
	now := time.Now()
	for _, eta := range q.etas {
		assert.WithinDuration(t, now, eta, 2*time.Second)
	}
}

func TestMemQueueDispatch(t *testing.T) {
	q := NewMemQueue(2, 16)
	d := New(q, nil, 0, 0, nil)
	q.Bind(d)

	done := make(chan Task, 1)
	d.Register("receive", func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	require.NoError(t, d.CreateTask(ctx, Task{Queue: "receive", ID: "at://y"}))

	select {
	case got := <-done:
		assert.Equal(t, "at://y", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("task never dispatched")
	}
}
