package a2dp

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/runloop"
)

// MediaContext is the state of one open media stream. It exists from
// stream establishment until the stream is released.
type MediaContext struct {
	Cid        uint16
	LocalSEID  uint8
	RemoteSEID uint8
	Opened     bool
	Streaming  bool

	// SamplesReady is the sample debt not yet encoded.
	SamplesReady int
	// MissedSamples accumulates the sub-sample remainder of each tick in
	// thousandths of a sample.
	MissedSamples int
	LastTick      time.Time
	MaxPayload    int
	ReadyToSend   bool

	storage *ringbuffer.RingBuffer
	timer   *runloop.Timer
}

func newMediaContext(cid uint16, localSEID, remoteSEID uint8, storageSize int) *MediaContext {
	return &MediaContext{
		Cid:        cid,
		LocalSEID:  localSEID,
		RemoteSEID: remoteSEID,
		Opened:     true,
		storage:    ringbuffer.New(storageSize),
	}
}

// Buffered returns the encoded bytes waiting for a media packet.
func (m *MediaContext) Buffered() int { return m.storage.Length() }

func (m *MediaContext) reset() {
	m.SamplesReady = 0
	m.MissedSamples = 0
	m.LastTick = time.Time{}
	m.ReadyToSend = false
	m.storage.Reset()
}

func (e *Engine) startTimer() {
	m := e.media
	m.MaxPayload = min(e.opts.Stack.A2DP().MaxMediaPayloadSize(m.Cid, m.LocalSEID), e.opts.StorageSize)
	m.reset()
	m.Streaming = true

	if m.timer == nil {
		m.timer = runloop.NewTimer(e.tick)
	}
	e.opts.RunLoop.RemoveTimer(m.timer)
	e.opts.RunLoop.SetTimeout(m.timer, e.opts.Period)
	if err := e.opts.RunLoop.AddTimer(m.timer); err != nil {
		e.logger.WithError(err).Error("Audio timer not started")
		return
	}
	e.logger.WithField("max_payload", m.MaxPayload).Debug("Audio timer started")
}

func (e *Engine) stopTimer() {
	m := e.media
	if m == nil {
		return
	}
	if m.timer != nil {
		e.opts.RunLoop.RemoveTimer(m.timer)
	}
	m.reset()
	m.Streaming = false
	e.logger.Debug("Audio timer stopped")
}

// tick runs every period while streaming. It turns the elapsed wall time
// into a sample debt, encodes as many whole frames as the debt and the
// payload allow, and asks for a send slot once the next frame would not
// fit.
func (e *Engine) tick(t *runloop.Timer) {
	m := e.media
	if m == nil || m.timer != t || e.encoder == nil {
		return
	}
	e.opts.RunLoop.SetTimeout(t, e.opts.Period)
	if err := e.opts.RunLoop.AddTimer(t); err != nil {
		e.logger.WithError(err).Warn("Audio timer not re-armed")
	}

	// LastTick only moves by whole milliseconds so the remainder of each
	// tick counts towards the next one.
	now := e.opts.RunLoop.Now()
	periodMs := int(e.opts.Period / time.Millisecond)
	if m.LastTick.IsZero() {
		m.LastTick = now
	} else {
		periodMs = int(now.Sub(m.LastTick) / time.Millisecond)
		m.LastTick = m.LastTick.Add(time.Duration(periodMs) * time.Millisecond)
	}
	rate := e.config.SamplingFrequency
	samples := periodMs * rate / 1000
	m.MissedSamples += periodMs * rate % 1000
	for m.MissedSamples >= 1000 {
		samples++
		m.MissedSamples -= 1000
	}
	m.SamplesReady += samples

	if m.ReadyToSend {
		return
	}
	e.fillStorage()

	if m.Buffered()+e.encoder.FrameLength() > m.MaxPayload {
		m.ReadyToSend = true
		e.opts.Stack.A2DP().RequestCanSendNow(m.Cid, m.LocalSEID)
	}
}

// fillStorage encodes whole frames while the sample debt and the payload
// room allow.
func (e *Engine) fillStorage() {
	m := e.media
	perFrame := e.encoder.SamplesPerFrame()
	frameLen := e.encoder.FrameLength()
	for m.SamplesReady >= perFrame && m.MaxPayload-m.Buffered() >= frameLen {
		frame := e.encoder.Encode(e.readPCM(perFrame * e.encoder.Channels()))
		if _, err := m.storage.Write(frame); err != nil {
			e.logger.WithError(err).Error("SBC storage overflow")
			return
		}
		m.SamplesReady -= perFrame
	}
}

// readPCM returns n interleaved samples from the audio device, padded
// with silence.
func (e *Engine) readPCM(n int) []int16 {
	if cap(e.raw) < 2*n {
		e.raw = make([]byte, 2*n)
		e.pcm = make([]int16, n)
	}
	raw, pcm := e.raw[:2*n], e.pcm[:n]

	read := 0
	e.lock.Lock()
	if dev := e.audio; dev != nil && dev.Enabled() {
		var err error
		read, err = dev.Read(raw)
		if err != nil && !errors.Is(err, audio.ErrDisabled) {
			e.logger.WithError(err).Debug("Audio device read failed")
		}
	}
	e.lock.Unlock()
	audio.Silence(raw[read:])

	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return pcm
}

// sendMediaPacket flushes every buffered frame in one media packet.
func (e *Engine) sendMediaPacket() {
	m := e.media
	if m == nil || e.encoder == nil {
		return
	}
	n := m.Buffered()
	if n == 0 {
		m.ReadyToSend = false
		return
	}
	payload := make([]byte, n)
	n, _ = m.storage.TryRead(payload)
	frames := n / e.encoder.FrameLength()

	if st := e.opts.Stack.A2DP().SendMediaPayload(m.Cid, m.LocalSEID, payload[:n], frames, false); !st.OK() {
		e.logger.WithFields(logrus.Fields{"status": st, "frames": frames}).Warn("Media packet not sent")
	}
	m.storage.Reset()
	m.ReadyToSend = false
}
