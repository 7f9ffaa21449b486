package bus

import (
	"slices"
	"sync"
)

// Recorder is a Sender that keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

// FailWith makes Send return err after recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Sent returns a snapshot of everything sent so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

// Names returns the variant names of everything sent so far.
func (r *Recorder) Names() []string {
	sent := r.Sent()
	names := make([]string, len(sent))
	for i, n := range sent {
		names[i] = Name(n)
	}
	return names
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

// OfType returns the recorded notifications of type T in order.
func OfType[T Notification](r *Recorder) []T {
	var out []T
	for _, n := range r.Sent() {
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
