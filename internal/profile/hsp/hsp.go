// Package hsp is the headset audio gateway. A headset has no indicators
// and no caller id, so most of the call lifecycle reduces to ringing and
// bringing the SCO link up and down.
package hsp

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/profile/sco"
	"github.com/srg/btcore/internal/stack"
)

const DefaultServiceName = "PurePhone HSP"

var ErrNotConfigured = errors.New("hsp: audio gateway not configured")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type Options struct {
	Logger      *logrus.Logger
	Stack       stack.Stack
	Sender      bus.Sender
	Links       device.LinkObserver
	Lock        sync.Locker
	ServiceName string
}

// Engine is the HSP audio gateway. All methods run on the worker
// goroutine except SetAudioDevice.
type Engine struct {
	logger *logrus.Logger
	opts   Options

	initialized bool
	gen         int

	dev          device.Device
	connecting   bool
	connected    bool
	pendingAudio bool
	ringing      bool
	scoHandle    bt.Handle
	sco          *sco.Engine
	speakerGain  int
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
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	return &Engine{
		logger:    opts.Logger,
		opts:      opts,
		scoHandle: bt.InvalidHandle,
		sco:       sco.New(sco.Options{Logger: opts.Logger, Stack: opts.Stack, Lock: opts.Lock}),
	}
}

func (e *Engine) Profile() bt.ProfileKind { return bt.ProfileHSP }

func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	if st := e.opts.Stack.HSP().Configure(e.opts.ServiceName); !st.OK() {
		return fmt.Errorf("%w: status %s", ErrNotConfigured, st)
	}
	kind := e.Profile()
	if st := e.opts.Stack.SDP().RegisterService(kind.ServiceUUID(), kind.RemoteServiceUUIDs()); !st.OK() {
		return fmt.Errorf("%w: service record status %s", ErrNotConfigured, st)
	}
	e.gen++
	gen := e.gen
	e.opts.Stack.AddEventHandler(func(ev stack.Event) {
		if e.gen == gen {
			e.handle(ev)
		}
	})
	e.initialized = true
	e.logger.WithField("service", e.opts.ServiceName).Info("HSP audio gateway initialized")
	return nil
}

func (e *Engine) DeInit() {
	if !e.initialized {
		return
	}
	e.sco.Close()
	e.scoHandle = bt.InvalidHandle
	e.connected = false
	e.connecting = false
	e.pendingAudio = false
	e.ringing = false
	e.opts.Stack.SDP().UnregisterService(e.Profile().ServiceUUID())
	e.gen++
	e.initialized = false
	e.logger.Info("HSP audio gateway deinitialized")
}

// Connect opens the RFCOMM control channel to dev.
func (e *Engine) Connect(dev device.Device) bt.Result {
	if !e.initialized || e.connecting {
		return bt.Fail(bt.NotReady)
	}
	if e.connected {
		if dev.Address == e.dev.Address {
			e.send(bus.ConnectResult{Device: e.connectedDevice(), Success: true})
			return bt.Ok()
		}
		return bt.Fail(bt.NotReady)
	}
	e.dev = dev
	e.connecting = true
	e.logger.WithField("address", dev.Address).Info("Connecting the HSP profile")
	if st := e.opts.Stack.HSP().Connect(dev.Address); !st.OK() {
		e.connecting = false
		e.pendingAudio = false
		e.logger.WithField("status", st).Error("HSP connect failed")
		e.send(bus.ConnectResult{Device: dev, Success: false})
		return st.Result()
	}
	return bt.Ok()
}

func (e *Engine) Disconnect() bt.Result {
	if !e.initialized || !e.connected {
		return bt.Fail(bt.NotReady)
	}
	return e.opts.Stack.HSP().Disconnect().Result()
}

// Start brings up the SCO link, connecting first when needed.
func (e *Engine) Start() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	if e.connected {
		return e.establishAudio()
	}
	if e.dev.Address.IsZero() {
		return bt.Fail(bt.NotReady)
	}
	e.pendingAudio = true
	return e.Connect(e.dev)
}

func (e *Engine) Stop() bt.Result {
	if !e.initialized || !e.scoHandle.Valid() {
		return bt.Fail(bt.NotReady)
	}
	return e.opts.Stack.HSP().ReleaseAudio().Result()
}

func (e *Engine) SetAudioDevice(dev audio.Device) bt.Result {
	e.sco.SetAudioDevice(dev)
	return bt.Ok()
}

func (e *Engine) Connected() bool { return e.connected }

func (e *Engine) Ringing() bool { return e.ringing }

func (e *Engine) SCO() *sco.Engine { return e.sco }

func (e *Engine) SpeakerGain() int { return e.speakerGain }

func (e *Engine) establishAudio() bt.Result {
	if e.scoHandle.Valid() {
		return bt.Ok()
	}
	e.logger.WithField("address", e.dev.Address).Debug("Establishing audio connection")
	return e.opts.Stack.HSP().EstablishAudio().Result()
}

func (e *Engine) connectedDevice() device.Device {
	dev := e.dev
	dev.State = device.StateConnectedVoice
	return dev
}

func (e *Engine) handle(ev stack.Event) {
	switch ev := ev.(type) {
	case stack.HSPRFCOMMConnected:
		e.rfcommConnected(ev)
	case stack.HSPRFCOMMDisconnected:
		e.rfcommDisconnected(ev)
	case stack.HSPAudioConnected:
		if !ev.Status.OK() {
			e.logger.WithField("status", ev.Status).Warn("Audio connection establishment failed")
			return
		}
		e.scoHandle = ev.Sco
		if err := e.sco.Open(ev.Sco, bt.CodecCVSD); err != nil {
			e.logger.WithError(err).Error("SCO link not opened")
			return
		}
		e.logger.WithField("sco", fmt.Sprintf("0x%04x", uint16(ev.Sco))).Info("Audio connection established")
	case stack.HSPAudioDisconnected:
		e.sco.Close()
		e.scoHandle = bt.InvalidHandle
		e.logger.Info("Audio connection released")
	case stack.HSPMicrophoneGain:
		e.logger.WithField("gain", ev.Gain).Debug("Microphone gain changed")
	case stack.HSPSpeakerGain:
		e.speakerGain = ev.Gain
		e.send(bus.VolumeChanged{Profile: bt.ProfileHSP, Volume: ev.Gain})
	case stack.HSPCommand:
		e.logger.WithField("command", ev.Value).Debug("Custom headset command ignored")
	case stack.HSPButtonPressed:
		e.logger.Info("Headset button pressed")
		e.send(bus.HSPButton{})
	default:
		e.sco.HandleEvent(ev)
	}
}

func (e *Engine) rfcommConnected(ev stack.HSPRFCOMMConnected) {
	if !ev.Status.OK() {
		e.logger.WithField("status", ev.Status).Warn("RFCOMM connection establishment failed")
		if e.connecting {
			e.connecting = false
			e.pendingAudio = false
			e.send(bus.ConnectResult{Device: e.dev, Success: false})
		}
		return
	}
	e.connected = true
	e.logger.WithField("address", e.dev.Address).Info("RFCOMM connection established")

	dev := e.connectedDevice()
	e.opts.Links.LinkUp(dev, device.StateConnectedVoice)
	e.send(bus.AudioDeviceState{Profile: bt.ProfileHSP, Connected: true})
	if e.connecting {
		e.connecting = false
		e.send(bus.ConnectResult{Device: dev, Success: true})
	}
	if e.pendingAudio {
		e.pendingAudio = false
		if res := e.establishAudio(); !res.IsSuccess() {
			e.logger.WithField("result", res).Warn("Audio connection not requested")
		}
	}
}

func (e *Engine) rfcommDisconnected(ev stack.HSPRFCOMMDisconnected) {
	if !ev.Status.OK() {
		e.logger.WithField("status", ev.Status).Warn("RFCOMM disconnection failed")
		return
	}
	if !e.connected {
		return
	}
	e.connected = false
	e.ringing = false
	e.sco.Close()
	e.scoHandle = bt.InvalidHandle
	e.logger.WithField("address", e.dev.Address).Info("RFCOMM disconnected")

	e.opts.Links.LinkDown(e.dev.Address, device.StateConnectedVoice)
	e.send(bus.AudioDeviceState{Profile: bt.ProfileHSP, Connected: false})
	e.send(bus.DisconnectResult{Device: e.dev})
}

func (e *Engine) send(n bus.Notification) {
	if err := e.opts.Sender.Send(n); err != nil {
		e.logger.WithError(err).WithField("notification", bus.Name(n)).Warn("Notification not delivered")
	}
}
