// Package queue provides the bounded, non-blocking queues producers use to
// hand work to the worker goroutine.
package queue

import "sync/atomic"

// Ring is a bounded channel-backed queue. Producers never block: Post
// overwrites the oldest element when full, TryPost refuses the new one.
//
// The consumer selects on C() alongside other queues, then drains with
// TryReceive.
type Ring[T any] struct {
	name    string
	ch      chan T
	metrics Metrics
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](name string, capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("queue: capacity must be > 0")
	}
	return &Ring[T]{name: name, ch: make(chan T, capacity)}
}

// Name identifies the queue in logs.
func (r *Ring[T]) Name() string { return r.name }

// C exposes the receive side for select statements. Reads through C are
// not counted in Metrics.Processed.
func (r *Ring[T]) C() <-chan T { return r.ch }

// Post enqueues v, discarding the oldest element if the queue is full.
// It reports whether an element was discarded.
func (r *Ring[T]) Post(v T) bool {
	dropped := false
	for {
		select {
		case r.ch <- v:
			r.metrics.add(&r.metrics.Written)
			return dropped
		default:
		}
		select {
		case <-r.ch:
			r.metrics.add(&r.metrics.Overwritten)
			dropped = true
		default:
		}
	}
}

// TryPost enqueues v only if there is room.
func (r *Ring[T]) TryPost(v T) bool {
	select {
	case r.ch <- v:
		r.metrics.add(&r.metrics.Written)
		return true
	default:
		r.metrics.add(&r.metrics.Rejected)
		return false
	}
}

// TryReceive dequeues without blocking.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		if ok {
			r.metrics.add(&r.metrics.Processed)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Drain dequeues everything currently buffered and passes it to fn in
// FIFO order.
func (r *Ring[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := r.TryReceive()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

func (r *Ring[T]) Len() int { return len(r.ch) }
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the queue. Posting afterwards panics.
func (r *Ring[T]) Close() { close(r.ch) }

// Metrics returns a snapshot of the counters.
func (r *Ring[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Processed:   atomic.LoadInt64(&r.metrics.Processed),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
		Rejected:    atomic.LoadInt64(&r.metrics.Rejected),
	}
}

// Metrics counts queue traffic. Fields are updated atomically.
type Metrics struct {
	Written     int64
	Processed   int64
	Overwritten int64
	Rejected    int64
}

func (m *Metrics) add(field *int64) {
	atomic.AddInt64(field, 1)
}
