// Package loop provides the single control thread every data task runs on.
// Work is posted as closures and executed strictly in FIFO order by one
// goroutine, so state owned by the loop needs no locking.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStopped is returned by Run when the loop was already stopped.
var ErrStopped = errors.New("loop stopped")

// Loop is a serial executor. Post may be called from any goroutine;
// posted funcs run one at a time on the goroutine that called Run.
type Loop struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New creates a Loop. It does nothing until Run is called.
func New(optFns ...Option) *Loop {
	var opts options
	for _, opt := range optFns {
		opt(&opts)
	}
	if opts.clock == nil {
		opts.clock = clock.New()
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	return &Loop{
		clock:  opts.clock,
		logger: opts.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Clock returns the clock timers are scheduled against.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Post queues fn for execution on the loop. It reports false when the
// loop has stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Run executes posted funcs until ctx ends. Funcs still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()

		if dropped > 0 {
			l.logger.Debug("loop stopped with pending work", "dropped", dropped)
		}
		close(l.done)
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	loop    *Loop
	timer   *clock.Timer
	stopped bool // only touched on the loop
}

// AfterFunc runs fn on the loop once d has elapsed on the loop's clock.
// The returned Timer must only be stopped from the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			// The timer may have been stopped after it fired but
			// before this func reached the front of the queue.
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})

	return t
}

// Stop prevents the callback from running. It is safe to call more than once.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}
