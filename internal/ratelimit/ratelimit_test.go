package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhawk/streamhawk/internal/config"
)

func newTestLimiter(maxConcurrent int, minInterval time.Duration) *Limiter {
	return New(config.LimiterConfig{MaxConcurrent: maxConcurrent, MinInterval: minInterval}, nil)
}

func waitDone(t *testing.T, ticket *Ticket) {
	t.Helper()
	select {
	case <-ticket.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("ticket never completed")
	}
}

func TestTasksStartInEnqueueOrder(t *testing.T) {
	l := newTestLimiter(1, time.Millisecond)
	defer l.Close()

	var mu sync.Mutex
	var order []int

	var tickets []*Ticket
	for i := 0; i < 5; i++ {
		i := i
		tickets = append(tickets, l.Enqueue(1, "t", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, tk := range tickets {
		waitDone(t, tk)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestConcurrencyCap(t *testing.T) {
	l := newTestLimiter(2, 0)
	defer l.Close()

	var current, peak atomic.Int32
	block := make(chan struct{})

	var tickets []*Ticket
	for i := 0; i < 6; i++ {
		tickets = append(tickets, l.Enqueue(1, "t", func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-block
			current.Add(-1)
			return nil
		}))
	}

	time.Sleep(100 * time.Millisecond)
	close(block)
	for _, tk := range tickets {
		waitDone(t, tk)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "both slots should have been used")
}

func TestMinIntervalSpacesStarts(t *testing.T) {
	const interval = 50 * time.Millisecond
	l := newTestLimiter(2, interval)
	defer l.Close()

	var mu sync.Mutex
	var starts []time.Time

	var tickets []*Ticket
	for i := 0; i < 3; i++ {
		tickets = append(tickets, l.Enqueue(1, "t", func(context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		}))
	}
	for _, tk := range tickets {
		waitDone(t, tk)
	}

	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond, "starts %d and %d too close", i-1, i)
	}
}

func TestCancelTabDropsQueuedTasks(t *testing.T) {
	l := newTestLimiter(1, 0)
	defer l.Close()

	block := make(chan struct{})
	running := l.Enqueue(1, "blocker", func(context.Context) error {
		<-block
		return nil
	})

	var ran atomic.Bool
	queuedSameTab := l.Enqueue(2, "victim", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	queuedOtherTab := l.Enqueue(3, "survivor", func(context.Context) error { return nil })

	// Wait for the blocker to occupy the slot.
	time.Sleep(50 * time.Millisecond)
	l.CancelTab(2)

	waitDone(t, queuedSameTab)
	assert.ErrorIs(t, queuedSameTab.Err(), ErrCanceled)
	assert.False(t, ran.Load())

	close(block)
	waitDone(t, running)
	waitDone(t, queuedOtherTab)
	assert.NoError(t, queuedOtherTab.Err())
}

func TestCancelTabCancelsRunningContext(t *testing.T) {
	l := newTestLimiter(1, 0)
	defer l.Close()

	started := make(chan struct{})
	ticket := l.Enqueue(5, "t", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	l.CancelTab(5)
	waitDone(t, ticket)
	assert.Error(t, ticket.Err())
}

func TestCloseFailsQueuedTasks(t *testing.T) {
	l := newTestLimiter(1, 0)

	block := make(chan struct{})
	l.Enqueue(1, "blocker", func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	queued := l.Enqueue(1, "queued", func(context.Context) error { return nil })

	time.Sleep(50 * time.Millisecond)
	l.Close()

	waitDone(t, queued)
	assert.ErrorIs(t, queued.Err(), ErrClosed)

	after := l.Enqueue(1, "late", func(context.Context) error { return nil })
	waitDone(t, after)
	assert.ErrorIs(t, after.Err(), ErrClosed)
}
