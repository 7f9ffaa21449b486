// Package sco moves voice audio over a synchronous link. The receive path
// decodes every packet and hands fixed-size PCM blocks to the audio
// device; the send path answers every can-send-now with exactly one
// packet of the link's packet length, silence when there is nothing to
// play.
package sco

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/stack"
)

// DefaultBlockDuration is the PCM length of one block handed to the
// audio device.
const DefaultBlockDuration = 10 * time.Millisecond

var ErrNotOpen = errors.New("sco: link not open")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures an Engine.
type Options struct {
	Logger *logrus.Logger
	Stack  stack.Stack
	// Lock guards the audio device hand-off. Engines of one profile
	// manager share it.
	Lock          sync.Locker
	BlockDuration time.Duration
}

// Stats counts link activity since the last Open.
type Stats struct {
	PacketsReceived int
	BlocksWritten   int
	PacketsSent     int
	SilencePackets  int
}

// Engine is the audio side of one SCO link.
type Engine struct {
	logger *logrus.Logger
	opts   Options
	lock   sync.Locker

	audio audio.Device

	handle  bt.Handle
	codec   bt.Codec
	decoder stack.VoiceDecoder
	reasm   *Reassembler
	packet  []byte
	stats   Stats
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = DefaultBlockDuration
	}
	return &Engine{
		logger: opts.Logger,
		opts:   opts,
		lock:   opts.Lock,
		handle: bt.InvalidHandle,
	}
}

// BlockSize returns the bytes of 16-bit mono PCM in one block for codec.
func (e *Engine) BlockSize(codec bt.Codec) int {
	return codec.SampleRate() * 2 * int(e.opts.BlockDuration/time.Millisecond) / 1000
}

// Open binds the engine to a live link and asks for the first send slot.
func (e *Engine) Open(handle bt.Handle, codec bt.Codec) error {
	if !handle.Valid() {
		return fmt.Errorf("sco: invalid handle 0x%04x", uint16(handle))
	}
	dec, err := e.opts.Stack.Codecs().NewVoiceDecoder(codec)
	if err != nil {
		return fmt.Errorf("sco: %w", err)
	}
	e.handle = handle
	e.codec = codec
	e.decoder = dec
	e.reasm = NewReassembler(e.BlockSize(codec))
	e.packet = make([]byte, e.opts.Stack.SCO().PacketLength())
	e.stats = Stats{}

	e.logger.WithFields(logrus.Fields{
		"handle": fmt.Sprintf("0x%04x", uint16(handle)),
		"codec":  codec,
		"block":  e.reasm.BlockSize(),
	}).Info("SCO link open")
	e.opts.Stack.SCO().RequestCanSendNow()
	return nil
}

// Close unbinds the engine. Carried bytes are dropped.
func (e *Engine) Close() {
	if !e.handle.Valid() {
		return
	}
	e.logger.WithField("stats", fmt.Sprintf("%+v", e.stats)).Info("SCO link closed")
	e.handle = bt.InvalidHandle
	e.decoder = nil
	if e.reasm != nil {
		e.reasm.Reset()
	}
}

func (e *Engine) Handle() bt.Handle { return e.handle }
func (e *Engine) Codec() bt.Codec   { return e.codec }
func (e *Engine) Stats() Stats      { return e.stats }

// SetAudioDevice assigns the platform audio path. nil detaches it.
func (e *Engine) SetAudioDevice(dev audio.Device) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.audio = dev
}

// HandleEvent consumes SCO events addressed to the open link and reports
// whether ev was one.
func (e *Engine) HandleEvent(ev stack.Event) bool {
	switch ev := ev.(type) {
	case stack.SCOCanSendNow:
		if !e.handle.Valid() {
			return false
		}
		e.send()
		return true
	case stack.SCOData:
		if !e.handle.Valid() || ev.Handle != e.handle {
			return false
		}
		e.receive(ev.Payload, ev.BadFrame)
		return true
	default:
		return false
	}
}

func (e *Engine) receive(payload []byte, badFrame bool) {
	e.stats.PacketsReceived++
	pcm := e.decoder.Decode(payload, badFrame)

	e.lock.Lock()
	defer e.lock.Unlock()
	dev := e.audio
	e.stats.BlocksWritten += e.reasm.Push(pcm, func(block []byte) {
		if dev == nil || !dev.Enabled() {
			return
		}
		if _, err := dev.Write(block); err != nil {
			e.logger.WithError(err).Debug("Audio device rejected PCM block")
		}
	})
}

func (e *Engine) send() {
	pkt := e.packet
	silent := true

	e.lock.Lock()
	if dev := e.audio; dev != nil && dev.Enabled() {
		n, err := dev.Read(pkt)
		if err != nil {
			e.logger.WithError(err).Debug("Audio device read failed")
			n = 0
		}
		audio.Silence(pkt[n:])
		silent = n == 0
	} else {
		audio.Silence(pkt)
	}
	e.lock.Unlock()

	if st := e.opts.Stack.SCO().Send(e.handle, pkt); !st.OK() {
		e.logger.WithField("status", st).Warn("SCO send failed")
	}
	e.stats.PacketsSent++
	if silent {
		e.stats.SilencePackets++
	}
	e.opts.Stack.SCO().RequestCanSendNow()
}
