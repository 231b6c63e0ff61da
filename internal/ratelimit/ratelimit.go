// Package ratelimit serializes outbound enrichment work. All manifest
// fetches, probes and preview generations funnel through one limiter so a
// tab with fifty sightings cannot hammer a CDN or the helper process.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/stream"
)

// ErrCanceled is reported by tickets whose task was canceled before or
// during execution.
var ErrCanceled = errors.New("task canceled")

// ErrClosed is reported when the limiter is shutting down.
var ErrClosed = errors.New("limiter closed")

// Task is a unit of rate-limited work. The context is canceled when the
// task's tab goes away or the limiter shuts down.
type Task func(ctx context.Context) error

// Ticket tracks one enqueued task to completion.
type Ticket struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Done is closed once the task finished, failed or was canceled.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the task outcome. Only valid after Done is closed.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Ticket) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

type job struct {
	tab      stream.TabID
	name     string
	run      Task
	ticket   *Ticket
	ctx      context.Context
	cancel   context.CancelFunc
	canceled bool
}

// Limiter runs tasks FIFO with a concurrency cap and a minimum interval
// between consecutive starts.
type Limiter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*job
	running map[stream.TabID]map[*job]struct{}
	closed  bool

	slots   chan struct{}
	spacing *rate.Limiter

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New creates a limiter from config and starts its dispatcher.
func New(cfg config.LimiterConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	ctx, stop := context.WithCancel(context.Background())
	l := &Limiter{
		running:  make(map[stream.TabID]map[*job]struct{}),
		slots:    make(chan struct{}, maxConcurrent),
		spacing:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		baseCtx:  ctx,
		baseStop: stop,
		logger:   observability.WithComponent(logger, "ratelimit"),
	}
	l.cond = sync.NewCond(&l.mu)

	l.wg.Add(1)
	go l.dispatch()
	return l
}

// Enqueue appends a task to the queue. Tasks start in enqueue order.
func (l *Limiter) Enqueue(tab stream.TabID, name string, task Task) *Ticket {
	ticket := &Ticket{done: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ticket.finish(ErrClosed)
		return ticket
	}
	ctx, cancel := context.WithCancel(l.baseCtx)
	j := &job{tab: tab, name: name, run: task, ticket: ticket, ctx: ctx, cancel: cancel}
	l.queue = append(l.queue, j)
	l.cond.Signal()
	l.mu.Unlock()

	return ticket
}

// CancelTab discards every queued task for a tab and cancels the contexts
// of its running tasks.
func (l *Limiter) CancelTab(tab stream.TabID) {
	l.mu.Lock()

	kept := l.queue[:0]
	var dropped []*job
	for _, j := range l.queue {
		if j.tab == tab {
			j.canceled = true
			dropped = append(dropped, j)
			continue
		}
		kept = append(kept, j)
	}
	l.queue = kept

	for j := range l.running[tab] {
		j.cancel()
	}
	l.mu.Unlock()

	for _, j := range dropped {
		j.cancel()
		j.ticket.finish(ErrCanceled)
	}
	if len(dropped) > 0 {
		l.logger.Debug("queued tasks canceled",
			slog.Int64("tab_id", int64(tab)),
			slog.Int("count", len(dropped)))
	}
}

// QueueLen returns the number of tasks waiting to start.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the dispatcher, cancels running tasks and fails queued ones.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.cond.Broadcast()
	l.mu.Unlock()

	l.baseStop()
	for _, j := range pending {
		j.ticket.finish(ErrClosed)
	}
	l.wg.Wait()
}

// dispatch pops jobs FIFO, waits for a free slot and the spacing interval,
// then runs each job on its own goroutine.
func (l *Limiter) dispatch() {
	defer l.wg.Done()

	for {
		j := l.next()
		if j == nil {
			return
		}
		// Tracked from pop time so CancelTab reaches a job that is
		// waiting for a slot, not only ones already running.
		l.track(j)

		if j.ctx.Err() != nil {
			l.untrack(j)
			j.ticket.finish(ErrCanceled)
			continue
		}

		select {
		case l.slots <- struct{}{}:
		case <-j.ctx.Done():
			l.untrack(j)
			if l.baseCtx.Err() != nil {
				j.ticket.finish(ErrClosed)
				return
			}
			j.ticket.finish(ErrCanceled)
			continue
		}

		if err := l.spacing.Wait(j.ctx); err != nil {
			<-l.slots
			l.untrack(j)
			if l.baseCtx.Err() != nil {
				j.ticket.finish(ErrClosed)
				return
			}
			j.ticket.finish(ErrCanceled)
			continue
		}

		l.wg.Add(1)
		go func(j *job) {
			defer l.wg.Done()
			defer func() { <-l.slots }()
			defer l.untrack(j)
			defer j.cancel()

			err := j.run(j.ctx)
			if err == nil && j.ctx.Err() != nil {
				err = ErrCanceled
			}
			j.ticket.finish(err)
		}(j)
	}
}

// next blocks until a job is available or the limiter closes.
func (l *Limiter) next() *job {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.queue) == 0 && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return nil
	}
	j := l.queue[0]
	l.queue = l.queue[1:]
	return j
}

func (l *Limiter) track(j *job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.running[j.tab]
	if set == nil {
		set = make(map[*job]struct{})
		l.running[j.tab] = set
	}
	set[j] = struct{}{}
}

func (l *Limiter) untrack(j *job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.running[j.tab]
	delete(set, j)
	if len(set) == 0 {
		delete(l.running, j.tab)
	}
}
