// Package worker serializes the Bluetooth core onto one goroutine. It
// multiplexes three queues: controller commands, transport I/O
// completions and run-loop wake-ups. Producers on other goroutines only
// ever post to the queues.
package worker

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/controller"
	"github.com/srg/btcore/internal/event"
	"github.com/srg/btcore/internal/groutine"
	"github.com/srg/btcore/internal/queue"
	"github.com/srg/btcore/internal/transport"
)

const (
	DefaultCommandQueueSize = 32
	DefaultIOQueueSize      = 64
	wakeQueueSize           = 1
)

var (
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrQueueFull      = errors.New("worker: command queue full")
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type Worker struct {
	logger *logrus.Logger
	ctx    *Context

	commands *queue.Ring[event.Event]
	io       *queue.Ring[transport.IOEvent]
	wake     *queue.Ring[struct{}]

	callbacks map[transport.IOKind]func(transport.IOEvent)

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// New builds the component context described by cfg and the worker that
// owns it.
func New(cfg Config) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger
	}
	if cfg.CommandQueueSize <= 0 {
		cfg.CommandQueueSize = DefaultCommandQueueSize
	}
	if cfg.IOQueueSize <= 0 {
		cfg.IOQueueSize = DefaultIOQueueSize
	}

	w := &Worker{
		logger:   cfg.Logger,
		commands: queue.NewRing[event.Event]("bt-commands", cfg.CommandQueueSize),
		io:       queue.NewRing[transport.IOEvent]("bt-io", cfg.IOQueueSize),
		wake:     queue.NewRing[struct{}]("bt-wake", wakeQueueSize),
		done:     make(chan struct{}),
	}
	ctx, err := newContext(cfg, w.Notify)
	if err != nil {
		return nil, err
	}
	w.ctx = ctx
	w.callbacks = ctx.Driver.IOCallbacks()
	ctx.Loop.SetTrigger(w.Trigger)
	return w, nil
}

// Context exposes the components. Only touch them from the worker
// goroutine or before Start.
func (w *Worker) Context() *Context { return w.ctx }

// Post queues a controller command. It never blocks.
func (w *Worker) Post(ev event.Event) error {
	if !w.commands.TryPost(ev) {
		w.logger.WithField("event", event.Name(ev)).Error("Command queue full, event dropped")
		return ErrQueueFull
	}
	return nil
}

// Notify queues a transport completion. It is the transport.Notifier of
// the HCI UART.
func (w *Worker) Notify(ev transport.IOEvent) {
	if !w.io.TryPost(ev) {
		w.logger.WithField("kind", ev.Kind).Error("I/O queue full, completion dropped")
	}
}

// Trigger asks for a run-loop pass. Pending wake-ups coalesce.
func (w *Worker) Trigger() {
	w.wake.TryPost(struct{}{})
}

// Start runs the worker goroutine until ctx is cancelled or the
// controller terminates.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	groutine.GoTracked(ctx, &w.wg, "bt-worker", w.run)
	return nil
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the worker goroutine exits.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.ctx.close()

	w.logger.WithField("goroutine", groutine.Name(ctx)).Info("Bluetooth worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Bluetooth worker cancelled")
			return
		case ev := <-w.commands.C():
			w.dispatch(ev)
			w.commands.Drain(w.dispatch)
		case ev := <-w.io.C():
			w.guard("io", func() { w.handleIO(ev) })
		case <-w.wake.C():
			w.guard("runloop", w.ctx.Loop.Process)
		}
		if w.ctx.Controller.State() == controller.StateTerminated {
			w.logger.Info("Bluetooth worker terminated")
			return
		}
	}
}

func (w *Worker) dispatch(ev event.Event) {
	err := w.ctx.Controller.Handle(ev)
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrEventRejected):
		w.logger.WithField("event", event.Name(ev)).Debug(err.Error())
	default:
		w.logger.WithError(err).WithField("event", event.Name(ev)).Error("Event handling failed")
	}
}

// guard runs fn and hands a panic to the controller, which restarts the
// core when the radio is on.
func (w *Worker) guard(source string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := w.ctx.Controller.Recover(source, r)
			w.logger.WithError(err).WithField("source", source).Error("Worker step panicked")
		}
	}()
	fn()
}

func (w *Worker) handleIO(ev transport.IOEvent) {
	cb, ok := w.callbacks[ev.Kind]
	if !ok {
		w.logger.WithField("kind", ev.Kind).Warn("No handler for I/O completion")
		return
	}
	cb(ev)
}
