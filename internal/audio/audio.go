// Package audio is the hand-off point between the platform audio paths
// and the profile engines. The platform owns a Device and assigns it to
// the profile it is routed to; the engine pulls PCM for the peer with
// Read and pushes PCM received from the peer with Write.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/btcore/internal/bt"
)

// DefaultStreamCapacity holds about 200 ms of 16 kHz mono PCM per direction.
const DefaultStreamCapacity = 6400

var ErrDisabled = errors.New("audio: device disabled")

// Device is a platform audio path.
type Device interface {
	Profile() bt.ProfileKind
	Enabled() bool
	// Read fills p with PCM for the peer and returns the bytes copied.
	Read(p []byte) (int, error)
	// Write takes PCM received from the peer.
	Write(p []byte) (int, error)
}

// Stream is a Device backed by two byte rings, one per direction. The
// platform feeds playback with Feed and collects capture with Collect.
type Stream struct {
	profile bt.ProfileKind
	enabled atomic.Bool

	mu       sync.Mutex
	playback *ringbuffer.RingBuffer
	capture  *ringbuffer.RingBuffer
	dropped  uint64
}

var _ Device = (*Stream)(nil)

// NewStream creates an enabled stream for profile. capacity <= 0 selects
// DefaultStreamCapacity.
func NewStream(profile bt.ProfileKind, capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	s := &Stream{
		profile:  profile,
		playback: ringbuffer.New(capacity),
		capture:  ringbuffer.New(capacity),
	}
	s.enabled.Store(true)
	return s
}

func (s *Stream) Profile() bt.ProfileKind { return s.profile }

func (s *Stream) Enabled() bool { return s.enabled.Load() }

// SetEnabled mutes or unmutes the path without detaching it.
func (s *Stream) SetEnabled(on bool) { s.enabled.Store(on) }

func (s *Stream) Read(p []byte) (int, error) {
	if !s.Enabled() {
		return 0, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.playback.TryRead(p)
	if errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

// Write stores p for the platform. Bytes that do not fit are dropped and
// counted; audio never blocks the worker.
func (s *Stream) Write(p []byte) (int, error) {
	if !s.Enabled() {
		return 0, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.capture.Write(p)
	if n < len(p) {
		s.dropped += uint64(len(p) - n)
	}
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, fmt.Errorf("capture: %w", err)
	}
	return len(p), nil
}

// Feed queues playback PCM and returns the bytes accepted.
func (s *Stream) Feed(pcm []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.playback.Write(pcm)
	return n
}

// Collect returns and clears the captured PCM.
func (s *Stream) Collect() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.capture.Length())
	n, _ := s.capture.TryRead(out)
	return out[:n]
}

// Dropped returns the number of capture bytes lost to a full ring.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Silence fills p with zero samples.
func Silence(p []byte) {
	clear(p)
}
