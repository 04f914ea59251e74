package bluetooth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Loop is the single logical thread every stateful component runs on.
//
// All adapter, device and dispatcher state is confined to the goroutine
// executing Run. Code running elsewhere (websocket pumps, backend signal
// pumps, timers) hands work over with Post and never touches shared state
// directly. Backend completions are likewise posted, so a completion is
// always delivered on a later turn than the call that initiated it.
type Loop struct {
	log *logrus.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewLoop creates a stopped loop. Call Run to start draining tasks, or pump
// it manually with RunPending (tests do this for deterministic turn order).
func NewLoop(logger *logrus.Logger) *Loop {
	return &Loop{
		log:  logger,
		wake: make(chan struct{}, 1),
	}
}

// Post schedules fn to run as a later turn. Safe to call from any goroutine,
// including from within a running task.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed schedules fn to run on the loop after d. The returned Timer can
// be Reset to restart the countdown or Stopped to cancel an undelivered fire.
func (l *Loop) PostDelayed(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, d: d, fn: fn}
	t.Reset()
	return t
}

// Run executes posted tasks until ctx is done. It must be called at most once.
func (l *Loop) Run(ctx context.Context) {
	for {
		if task, ok := l.pop(); ok {
			task()
			continue
		}
		select {
		case <-ctx.Done():
			l.log.WithField("pending", l.Len()).Debug("event loop stopped")
			return
		case <-l.wake:
		}
	}
}

// RunPending synchronously executes queued tasks, including tasks they post,
// until the queue is empty, and reports how many ran. Only the goroutine that
// owns the loop's state may call it; it is how tests pump turns without a
// running Run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		task, ok := l.pop()
		if !ok {
			return n
		}
		task()
		n++
	}
}

// Len reports the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue = l.queue[1:]
	return task, true
}

// Timer delivers its function on the loop after a delay. Reset restarts the
// countdown and invalidates an already-scheduled but undelivered fire, so a
// stale fire never runs after a Reset or Stop.
type Timer struct {
	loop *Loop
	d    time.Duration
	fn   func()

	mu  sync.Mutex
	gen int
	t   *time.Timer
}

// Reset (re)starts the countdown from now.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(t.d, func() {
		t.loop.Post(func() {
			t.mu.Lock()
			live := gen == t.gen
			t.mu.Unlock()
			if live {
				t.fn()
			}
		})
	})
}

// Stop cancels the pending fire, if any. The timer can be restarted with Reset.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
