// Package runloop adapts the vendor stack's cooperative run-loop contract
// (deferred calls and sorted one-shot timers) onto the worker goroutine.
//
// The loop never runs anything on its own: the worker calls Process
// whenever the wake queue fires. Trigger is the only method meant to be
// called from other goroutines; everything else runs on the worker.
package runloop

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDeferredCapacity = 64
	DefaultWakePeriod       = time.Second
)

var (
	ErrTimerExists = errors.New("runloop: timer already scheduled")
	ErrQueueFull   = errors.New("runloop: deferred call queue full")
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Clock abstracts wall time so tests can drive timers deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real-time Clock.
var SystemClock Clock = systemClock{}

// Options configures a Loop. Zero values select the defaults.
type Options struct {
	Logger            *logrus.Logger
	Clock             Clock
	DeferredCapacity  uint32
	DefaultWakePeriod time.Duration
}

// Loop is the run-loop adapter.
type Loop struct {
	logger *logrus.Logger
	clock  Clock

	deferred mpmc.RingBuffer[func()]

	timers []*Timer
	seq    uint64

	defaultPeriod time.Duration

	wakeMu  sync.Mutex
	wake    *time.Timer
	trigger func()
	closed  bool
}

// New creates a Loop.
func New(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.DeferredCapacity == 0 {
		opts.DeferredCapacity = DefaultDeferredCapacity
	}
	if opts.DefaultWakePeriod == 0 {
		opts.DefaultWakePeriod = DefaultWakePeriod
	}
	return &Loop{
		logger:        opts.Logger,
		clock:         opts.Clock,
		deferred:      mpmc.New[func()](opts.DeferredCapacity),
		defaultPeriod: opts.DefaultWakePeriod,
	}
}

// SetTrigger installs the function that posts to the worker's wake queue.
func (l *Loop) SetTrigger(fn func()) {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	l.trigger = fn
}

// Trigger asks the worker to call Process. Safe from any goroutine.
func (l *Loop) Trigger() {
	l.wakeMu.Lock()
	fn := l.trigger
	l.wakeMu.Unlock()
	if fn != nil {
		fn()
	}
}

// ExecuteOnMainThread defers fn to the next Process call.
func (l *Loop) ExecuteOnMainThread(fn func()) error {
	if fn == nil {
		return nil
	}
	if err := l.deferred.Enqueue(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	l.Trigger()
	return nil
}

// Execute is the stack's "run forever" entry point. The worker keeps
// driving Process, so this returns immediately.
func (l *Loop) Execute() error {
	l.logger.Debug("Run loop execute: handing control back to worker")
	return nil
}

// Now returns the loop's current time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// SetTimeout sets t to expire d from now. It does not schedule t.
func (l *Loop) SetTimeout(t *Timer, d time.Duration) {
	t.deadline = l.clock.Now().Add(d)
}

// AddTimer schedules t in deadline order. Adding a timer that is already
// scheduled is rejected with ErrTimerExists.
func (l *Loop) AddTimer(t *Timer) error {
	if t.armed {
		return ErrTimerExists
	}
	l.seq++
	t.seq = l.seq
	t.armed = true

	// Equal deadlines keep insertion order.
	i := sort.Search(len(l.timers), func(i int) bool {
		return l.timers[i].deadline.After(t.deadline)
	})
	l.timers = slices.Insert(l.timers, i, t)
	return nil
}

// RemoveTimer unschedules t and reports whether it was scheduled.
func (l *Loop) RemoveTimer(t *Timer) bool {
	if !t.armed {
		return false
	}
	i := slices.Index(l.timers, t)
	if i < 0 {
		t.armed = false
		return false
	}
	l.timers = slices.Delete(l.timers, i, i+1)
	t.armed = false
	return true
}

// Pending returns the number of scheduled timers.
func (l *Loop) Pending() int { return len(l.timers) }

// NextDeadline returns the earliest scheduled deadline.
func (l *Loop) NextDeadline() (time.Time, bool) {
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].deadline, true
}

// Process drains deferred calls, runs every timer due now, and reprograms
// the wake timer for the earliest remaining deadline. Timers armed by a
// handler during this pass run on a later pass.
func (l *Loop) Process() {
	for !l.deferred.IsEmpty() {
		fn, err := l.deferred.Dequeue()
		if err != nil {
			break
		}
		fn()
	}

	now := l.clock.Now()
	limit := l.seq
	for i := 0; i < len(l.timers); {
		t := l.timers[i]
		if t.deadline.After(now) {
			break
		}
		if t.seq > limit {
			i++
			continue
		}
		l.timers = slices.Delete(l.timers, i, i+1)
		t.armed = false
		t.handler(t)
		// The handler may have added or removed timers.
		i = 0
	}

	l.reprogram(now)
}

func (l *Loop) reprogram(now time.Time) {
	d := l.defaultPeriod
	if next, ok := l.NextDeadline(); ok {
		d = next.Sub(now)
		if d < 0 {
			d = 0
		}
	}

	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.closed {
		return
	}
	if l.wake == nil {
		l.wake = time.AfterFunc(d, l.Trigger)
		return
	}
	l.wake.Reset(d)
}

// Close stops the wake timer and drops every scheduled timer.
func (l *Loop) Close() {
	l.wakeMu.Lock()
	l.closed = true
	if l.wake != nil {
		l.wake.Stop()
	}
	l.wakeMu.Unlock()

	for _, t := range l.timers {
		t.armed = false
	}
	l.timers = nil
}

// Timer is a one-shot run-loop timer. A Timer is a stable handle: the
// same value is re-armed with SetTimeout and AddTimer.
type Timer struct {
	handler  func(*Timer)
	deadline time.Time
	armed    bool
	seq      uint64
}

// NewTimer creates an unscheduled timer.
func NewTimer(handler func(*Timer)) *Timer {
	return &Timer{handler: handler}
}

// Deadline returns the expiry time set by SetTimeout.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Armed reports whether the timer is scheduled.
func (t *Timer) Armed() bool { return t.armed }
