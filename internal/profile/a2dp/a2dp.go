// Package a2dp is the music profile engine: an A2DP source streaming SBC
// to one sink, plus the AVRCP target and controller roles that travel
// with it.
package a2dp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/stack"
)

const (
	// DefaultPeriod is the encode cadence.
	DefaultPeriod = 10 * time.Millisecond
	// DefaultStorageSize bounds the encoded bytes held for one packet.
	DefaultStorageSize = 1030
	DefaultVolume      = 64
)

// Capabilities is the SBC configuration offered by the stream endpoint.
var Capabilities = stack.SBCConfig{
	SamplingFrequency: 44100,
	ChannelMode:       stack.ChannelJointStereo,
	BlockLength:       16,
	Subbands:          8,
	Allocation:        stack.AllocationLoudness,
	MinBitpool:        2,
	MaxBitpool:        53,
}

var ErrNoEndpoint = errors.New("a2dp: stream endpoint not created")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures an Engine.
type Options struct {
	Logger  *logrus.Logger
	Stack   stack.Stack
	RunLoop *runloop.Loop
	Sender  bus.Sender
	Links   device.LinkObserver
	// Lock guards the audio device hand-off.
	Lock        sync.Locker
	Period      time.Duration
	StorageSize int
}

// Engine is the music profile. All methods run on the worker goroutine
// except SetAudioDevice.
type Engine struct {
	logger *logrus.Logger
	opts   Options
	lock   sync.Locker

	initialized bool
	gen         int
	localSEID   uint8

	dev        device.Device
	connecting bool
	cid        uint16
	avrcpCid   uint16
	volume     uint8
	playback   stack.PlaybackStatus

	config  stack.SBCConfig
	encoder stack.SBCEncoder
	media   *MediaContext

	audio audio.Device
	raw   []byte
	pcm   []int16
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Sender == nil {
		opts.Sender = bus.Discard
	}
	if opts.Links == nil {
		opts.Links = device.NopLinkObserver{}
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.StorageSize <= 0 {
		opts.StorageSize = DefaultStorageSize
	}
	return &Engine{
		logger: opts.Logger,
		opts:   opts,
		lock:   opts.Lock,
		volume: DefaultVolume,
	}
}

func (e *Engine) Profile() bt.ProfileKind { return bt.ProfileA2DP }

// Init creates the stream endpoint and subscribes to stack events. It is
// a no-op once done.
func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	seid, st := e.opts.Stack.A2DP().CreateStreamEndpoint(Capabilities)
	if !st.OK() {
		return fmt.Errorf("%w: status %s", ErrNoEndpoint, st)
	}
	e.localSEID = seid
	kind := e.Profile()
	if st := e.opts.Stack.SDP().RegisterService(kind.ServiceUUID(), kind.RemoteServiceUUIDs()); !st.OK() {
		return fmt.Errorf("%w: service record status %s", ErrNoEndpoint, st)
	}
	e.opts.Stack.AVRCP().SetSupportedEvents([]stack.AVRCPEvent{
		stack.AVRCPEventPlaybackStatusChanged,
		stack.AVRCPEventTrackChanged,
		stack.AVRCPEventVolumeChanged,
	})

	e.gen++
	gen := e.gen
	e.opts.Stack.AddEventHandler(func(ev stack.Event) {
		if e.gen == gen {
			e.handle(ev)
		}
	})
	e.initialized = true
	e.logger.WithField("local_seid", seid).Info("A2DP source initialized")
	return nil
}

// DeInit drops the session. The stack stops delivering events to it.
func (e *Engine) DeInit() {
	if !e.initialized {
		return
	}
	e.stopTimer()
	e.media = nil
	e.encoder = nil
	e.cid, e.avrcpCid = 0, 0
	e.connecting = false
	e.opts.Stack.SDP().UnregisterService(e.Profile().ServiceUUID())
	e.gen++
	e.initialized = false
	e.logger.Info("A2DP source deinitialized")
}

// Connect opens signaling and a media stream to dev. The outcome is
// reported by one ConnectResult.
func (e *Engine) Connect(dev device.Device) bt.Result {
	if !e.initialized || e.connecting {
		return bt.Fail(bt.NotReady)
	}
	if e.cid != 0 {
		if dev.Address == e.dev.Address {
			e.send(bus.ConnectResult{Device: e.connectedDevice(), Success: true})
			return bt.Ok()
		}
		return bt.Fail(bt.NotReady)
	}
	e.dev = dev
	e.connecting = true
	e.logger.WithField("address", dev.Address).Info("Starting playback connection")
	if _, st := e.opts.Stack.A2DP().EstablishStream(dev.Address, e.localSEID); !st.OK() {
		e.connecting = false
		e.logger.WithField("status", st).Error("Establish stream failed")
		e.send(bus.ConnectResult{Device: dev, Success: false})
		return st.Result()
	}
	return bt.Ok()
}

// Disconnect releases the stream and signaling.
func (e *Engine) Disconnect() bt.Result {
	if !e.initialized || e.cid == 0 {
		return bt.Fail(bt.NotReady)
	}
	e.logger.WithField("cid", e.cid).Info("Stopping playback connection")
	return e.opts.Stack.A2DP().Disconnect(e.cid).Result()
}

// Start resumes streaming on an open stream.
func (e *Engine) Start() bt.Result {
	if e.media == nil || !e.media.Opened {
		return bt.Fail(bt.NotReady)
	}
	return e.opts.Stack.A2DP().StartStream(e.media.Cid, e.media.LocalSEID).Result()
}

// Stop suspends streaming. The stream stays open.
func (e *Engine) Stop() bt.Result {
	if e.media == nil || !e.media.Opened {
		return bt.Fail(bt.NotReady)
	}
	return e.opts.Stack.A2DP().PauseStream(e.media.Cid, e.media.LocalSEID).Result()
}

func (e *Engine) SetAudioDevice(dev audio.Device) bt.Result {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.audio = dev
	return bt.Ok()
}

// Connected reports whether signaling to a sink is up.
func (e *Engine) Connected() bool { return e.cid != 0 }

// Media returns the open stream, if any.
func (e *Engine) Media() *MediaContext { return e.media }

func (e *Engine) Volume() uint8 { return e.volume }

func (e *Engine) Playback() stack.PlaybackStatus { return e.playback }

func (e *Engine) connectedDevice() device.Device {
	dev := e.dev
	dev.State = device.StateConnectedAudio
	return dev
}

func (e *Engine) handle(ev stack.Event) {
	switch ev := ev.(type) {
	case stack.A2DPSignalingEstablished:
		e.signalingEstablished(ev)
	case stack.A2DPCodecConfigured:
		e.codecConfigured(ev)
	case stack.A2DPStreamEstablished:
		e.streamEstablished(ev)
	case stack.A2DPStreamStarted:
		if e.media == nil || ev.Cid != e.media.Cid {
			return
		}
		e.setPlayback(stack.PlaybackPlaying)
		e.startTimer()
		e.logger.WithField("cid", ev.Cid).Info("Stream started")
	case stack.A2DPCanSendMediaPacketNow:
		if e.media != nil && ev.Cid == e.media.Cid {
			e.sendMediaPacket()
		}
	case stack.A2DPStreamSuspended:
		if e.media == nil || ev.Cid != e.media.Cid {
			return
		}
		e.setPlayback(stack.PlaybackPaused)
		e.stopTimer()
		e.logger.WithField("cid", ev.Cid).Info("Stream paused")
	case stack.A2DPStreamReleased:
		e.streamReleased(ev)
	case stack.A2DPSignalingReleased:
		e.signalingReleased(ev)
	default:
		e.handleAVRCP(ev)
	}
}

func (e *Engine) signalingEstablished(ev stack.A2DPSignalingEstablished) {
	log := e.logger.WithFields(logrus.Fields{"address": ev.Address, "cid": ev.Cid})
	if !ev.Status.OK() {
		log.WithField("status", ev.Status).Warn("A2DP connection failed")
		e.cid = 0
		e.failConnect()
		return
	}
	if !e.connecting {
		// Connection opened by the sink.
		e.dev = device.Device{Address: ev.Address}
	}
	e.cid = ev.Cid
	e.volume = DefaultVolume
	log.Info("A2DP signaling established")
}

func (e *Engine) codecConfigured(ev stack.A2DPCodecConfigured) {
	if ev.Cid != e.cid {
		return
	}
	log := e.logger.WithFields(logrus.Fields{
		"cid":         ev.Cid,
		"rate":        ev.Config.SamplingFrequency,
		"channels":    ev.Config.ChannelMode.Channels(),
		"block":       ev.Config.BlockLength,
		"subbands":    ev.Config.Subbands,
		"max_bitpool": ev.Config.MaxBitpool,
	})
	enc, err := e.opts.Stack.Codecs().NewSBCEncoder(ev.Config)
	if err != nil {
		log.WithError(err).Error("SBC encoder not created")
		e.stopTimer()
		e.encoder = nil
		return
	}
	e.config = ev.Config
	e.encoder = enc
	log.Info("SBC configuration received")
}

func (e *Engine) streamEstablished(ev stack.A2DPStreamEstablished) {
	log := e.logger.WithFields(logrus.Fields{"address": ev.Address, "cid": ev.Cid})
	switch {
	case !ev.Status.OK():
		log.WithField("status", ev.Status).Warn("Stream failed")
		e.failConnect()
		return
	case ev.LocalSEID != e.localSEID:
		log.WithField("local_seid", ev.LocalSEID).Warn("Stream failed, wrong local SEID")
		e.failConnect()
		return
	case e.encoder == nil:
		log.Warn("Stream established without a usable codec configuration")
		e.failConnect()
		return
	}

	e.media = newMediaContext(ev.Cid, ev.LocalSEID, ev.RemoteSEID, e.opts.StorageSize)
	dev := e.connectedDevice()
	e.opts.Links.LinkUp(dev, device.StateConnectedAudio)
	if e.connecting {
		e.connecting = false
		e.send(bus.ConnectResult{Device: dev, Success: true})
	}
	e.send(bus.AudioDeviceState{Profile: bt.ProfileA2DP, Connected: true})
	log.WithField("remote_seid", ev.RemoteSEID).Info("Stream established")

	if st := e.opts.Stack.A2DP().StartStream(ev.Cid, ev.LocalSEID); !st.OK() {
		log.WithField("status", st).Warn("Stream start failed")
	}
}

func (e *Engine) streamReleased(ev stack.A2DPStreamReleased) {
	if e.media == nil || ev.Cid != e.media.Cid {
		return
	}
	e.releaseMedia()
	e.logger.WithField("cid", ev.Cid).Info("Stream released")
}

// releaseMedia drops the open stream, if any, and reports the audio path
// down.
func (e *Engine) releaseMedia() {
	if e.media == nil {
		return
	}
	e.setPlayback(stack.PlaybackStopped)
	e.stopTimer()
	e.media = nil
	e.send(bus.AudioDeviceState{Profile: bt.ProfileA2DP, Connected: false})
}

func (e *Engine) signalingReleased(ev stack.A2DPSignalingReleased) {
	if e.cid == 0 || ev.Cid != e.cid {
		return
	}
	e.releaseMedia()
	e.cid = 0
	e.avrcpCid = 0
	e.encoder = nil
	e.opts.Links.LinkDown(e.dev.Address, device.StateConnectedAudio)
	e.send(bus.DisconnectResult{Device: e.dev})
	e.logger.WithField("address", e.dev.Address).Info("A2DP signaling released")
}

// failConnect reports a failed attempt once.
func (e *Engine) failConnect() {
	if !e.connecting {
		return
	}
	e.connecting = false
	e.send(bus.ConnectResult{Device: e.dev, Success: false})
	if e.cid != 0 {
		e.opts.Stack.A2DP().Disconnect(e.cid)
		e.cid = 0
	}
}

func (e *Engine) send(n bus.Notification) {
	if err := e.opts.Sender.Send(n); err != nil {
		e.logger.WithError(err).WithField("notification", bus.Name(n)).Warn("Notification not delivered")
	}
}
