// Package hfp is the hands-free audio gateway: service level connection,
// SCO audio with CVSD or mSBC, AG indicators and the call state the
// cellular subsystem reports.
package hfp

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/profile/sco"
	"github.com/srg/btcore/internal/stack"
)

const (
	DefaultServiceName      = "PurePhone HFP"
	DefaultSubscriberNumber = "225577"
	DefaultVoiceTagNumber   = "1234567"
)

// DefaultDialStrings are the numbers a hands-free unit may dial. ">1" is
// memory dialing of the first entry.
var DefaultDialStrings = []string{"1234567", "7654321", ">1"}

// Indicators is the AG indicator table, in "+CIND" order.
var Indicators = []stack.HFPIndicator{
	{Index: 1, Name: "service", Min: 0, Max: 1, Value: 1},
	{Index: 2, Name: "call", Min: 0, Max: 1, Value: 0, Mandatory: true, Enabled: true},
	{Index: 3, Name: "callsetup", Min: 0, Max: 3, Value: 0, Mandatory: true, Enabled: true},
	{Index: 4, Name: "battchg", Min: 0, Max: 5, Value: 3},
	{Index: 5, Name: "signal", Min: 0, Max: 5, Value: 5, Enabled: true},
	{Index: 6, Name: "roam", Min: 0, Max: 1, Value: 0, Enabled: true},
	{Index: 7, Name: "callheld", Min: 0, Max: 2, Value: 0, Mandatory: true, Enabled: true},
}

// CallHoldServices are the "+CHLD" services offered to the hands-free unit.
var CallHoldServices = []string{"1", "1x", "2", "2x", "3"}

var ErrNotConfigured = errors.New("hfp: audio gateway not configured")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures an Engine.
type Options struct {
	Logger *logrus.Logger
	Stack  stack.Stack
	Sender bus.Sender
	Links  device.LinkObserver
	// Lock guards the audio device hand-off.
	Lock sync.Locker

	Codecs           bt.CodecSet
	ServiceName      string
	SubscriberNumber string
	VoiceTagNumber   string
	DialStrings      []string
}

// Session is the state of one service level connection. Handles are
// invalid whenever the matching link is down.
type Session struct {
	Address device.Address
	Acl     bt.Handle
	Sco     bt.Handle
	Codec   bt.Codec
}

func (s *Session) reset() {
	*s = Session{Acl: bt.InvalidHandle, Sco: bt.InvalidHandle}
}

// Engine is the HFP audio gateway. All methods run on the worker
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
	session      Session
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
	if opts.SubscriberNumber == "" {
		opts.SubscriberNumber = DefaultSubscriberNumber
	}
	if opts.VoiceTagNumber == "" {
		opts.VoiceTagNumber = DefaultVoiceTagNumber
	}
	if opts.DialStrings == nil {
		opts.DialStrings = DefaultDialStrings
	}
	e := &Engine{
		logger: opts.Logger,
		opts:   opts,
		sco:    sco.New(sco.Options{Logger: opts.Logger, Stack: opts.Stack, Lock: opts.Lock}),
	}
	e.session.reset()
	return e
}

func (e *Engine) Profile() bt.ProfileKind { return bt.ProfileHFP }

// Init registers the audio gateway with its codecs and indicator table.
// It is a no-op once done.
func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	codecs := e.opts.Codecs.Codecs()
	st := e.opts.Stack.HFP().Configure(stack.HFPConfig{
		ServiceName:      e.opts.ServiceName,
		Codecs:           codecs,
		Indicators:       slices.Clone(Indicators),
		CallHoldServices: slices.Clone(CallHoldServices),
		SubscriberNumber: e.opts.SubscriberNumber,
	})
	if !st.OK() {
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
	e.logger.WithFields(logrus.Fields{
		"service": e.opts.ServiceName,
		"codecs":  codecs,
	}).Info("HFP audio gateway initialized")
	return nil
}

func (e *Engine) DeInit() {
	if !e.initialized {
		return
	}
	e.sco.Close()
	e.session.reset()
	e.connected = false
	e.connecting = false
	e.pendingAudio = false
	e.opts.Stack.SDP().UnregisterService(e.Profile().ServiceUUID())
	e.gen++
	e.initialized = false
	e.logger.Info("HFP audio gateway deinitialized")
}

// Connect opens a service level connection to dev.
func (e *Engine) Connect(dev device.Device) bt.Result {
	if !e.initialized || e.connecting {
		return bt.Fail(bt.NotReady)
	}
	if e.connected {
		if dev.Address == e.session.Address {
			e.send(bus.ConnectResult{Device: e.connectedDevice(), Success: true})
			return bt.Ok()
		}
		return bt.Fail(bt.NotReady)
	}
	e.dev = dev
	e.connecting = true
	e.logger.WithField("address", dev.Address).Info("Connecting the HFP profile")
	if st := e.opts.Stack.HFP().EstablishServiceLevel(dev.Address); !st.OK() {
		e.connecting = false
		e.pendingAudio = false
		e.logger.WithField("status", st).Error("Establish service level connection failed")
		e.send(bus.ConnectResult{Device: dev, Success: false})
		return st.Result()
	}
	return bt.Ok()
}

func (e *Engine) Disconnect() bt.Result {
	if !e.initialized || !e.connected {
		return bt.Fail(bt.NotReady)
	}
	return e.opts.Stack.HFP().ReleaseServiceLevel(e.session.Acl).Result()
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

// Stop releases the SCO link. The service level connection stays up.
func (e *Engine) Stop() bt.Result {
	if !e.initialized || !e.session.Sco.Valid() {
		return bt.Fail(bt.NotReady)
	}
	return e.opts.Stack.HFP().ReleaseAudio(e.session.Acl).Result()
}

func (e *Engine) SetAudioDevice(dev audio.Device) bt.Result {
	e.sco.SetAudioDevice(dev)
	return bt.Ok()
}

func (e *Engine) Connected() bool { return e.connected }

// Session returns a copy of the connection state.
func (e *Engine) Session() Session { return e.session }

// SCO exposes the audio side of the link.
func (e *Engine) SCO() *sco.Engine { return e.sco }

func (e *Engine) SpeakerGain() int { return e.speakerGain }

func (e *Engine) establishAudio() bt.Result {
	if e.session.Sco.Valid() {
		return bt.Ok()
	}
	e.logger.WithField("address", e.session.Address).Debug("Establishing audio connection")
	return e.opts.Stack.HFP().EstablishAudio(e.session.Acl).Result()
}

func (e *Engine) connectedDevice() device.Device {
	dev := e.dev
	dev.Address = e.session.Address
	dev.State = device.StateConnectedVoice
	return dev
}

func (e *Engine) handle(ev stack.Event) {
	switch ev := ev.(type) {
	case stack.HFPServiceLevelEstablished:
		e.serviceLevelEstablished(ev)
	case stack.HFPServiceLevelReleased:
		e.serviceLevelReleased()
	case stack.HFPAudioEstablished:
		e.audioEstablished(ev)
	case stack.HFPAudioReleased:
		if e.session.Sco.Valid() {
			e.logger.Info("Audio connection released")
		}
		e.sco.Close()
		e.session.Sco = bt.InvalidHandle
	case stack.HFPStartRinging:
		e.logger.Debug("Start ringing")
	case stack.HFPStopRinging:
		e.logger.Debug("Stop ringing")
	case stack.HFPPlaceCallWithNumber:
		e.placeCall(ev.Number)
	case stack.HFPAttachNumberToVoiceTag:
		e.opts.Stack.HFP().SendPhoneNumberForVoiceTag(e.session.Acl, e.opts.VoiceTagNumber)
	case stack.HFPTransmitDTMF:
		e.logger.WithField("codes", ev.Codes).Debug("Send DTMF codes")
		e.opts.Stack.HFP().SendDTMFCodeDone(e.session.Acl)
	case stack.HFPCallAnswered:
		e.logger.Info("Call answered by HF")
		e.send(bus.CellularRequest{Action: bus.CellularAnswer})
	case stack.HFPCallTerminated:
		e.logger.Info("Call terminated by HF")
		e.send(bus.CellularRequest{Action: bus.CellularHangup})
	case stack.HFPSpeakerVolume:
		e.speakerGain = ev.Gain
		e.send(bus.VolumeChanged{Profile: bt.ProfileHFP, Volume: ev.Gain})
	case stack.HFPMicrophoneVolume:
		e.logger.WithField("gain", ev.Gain).Debug("Microphone gain changed")
	default:
		e.sco.HandleEvent(ev)
	}
}

func (e *Engine) serviceLevelEstablished(ev stack.HFPServiceLevelEstablished) {
	log := e.logger.WithField("address", ev.Address)
	if !ev.Status.OK() {
		log.WithField("status", ev.Status).Warn("Service level connection failed")
		if e.connecting {
			e.connecting = false
			e.pendingAudio = false
			e.send(bus.ConnectResult{Device: e.dev, Success: false})
		}
		return
	}
	if !e.connecting || e.dev.Address != ev.Address {
		// Connection opened by the hands-free unit.
		e.dev = device.Device{Address: ev.Address}
	}
	e.session.Address = ev.Address
	e.session.Acl = ev.Acl
	e.connected = true
	log.WithField("acl", fmt.Sprintf("0x%04x", uint16(ev.Acl))).Info("Service level connection established")

	dev := e.connectedDevice()
	e.opts.Links.LinkUp(dev, device.StateConnectedVoice)
	e.send(bus.AudioDeviceState{Profile: bt.ProfileHFP, Connected: true})
	if e.connecting {
		e.connecting = false
		e.send(bus.ConnectResult{Device: dev, Success: true})
	}
	if e.pendingAudio {
		e.pendingAudio = false
		if res := e.establishAudio(); !res.IsSuccess() {
			log.WithField("result", res).Warn("Audio connection not requested")
		}
	}
}

func (e *Engine) serviceLevelReleased() {
	if !e.connected {
		return
	}
	addr := e.session.Address
	e.sco.Close()
	e.session.reset()
	e.connected = false
	e.logger.WithField("address", addr).Info("Service level connection released")

	e.opts.Links.LinkDown(addr, device.StateConnectedVoice)
	e.send(bus.AudioDeviceState{Profile: bt.ProfileHFP, Connected: false})
	e.send(bus.DisconnectResult{Device: device.Device{Address: addr, Name: e.dev.Name}})
}

func (e *Engine) audioEstablished(ev stack.HFPAudioEstablished) {
	if !ev.Status.OK() {
		e.logger.WithField("status", ev.Status).Warn("Audio connection establishment failed")
		return
	}
	e.session.Sco = ev.Sco
	e.session.Codec = ev.Codec
	if err := e.sco.Open(ev.Sco, ev.Codec); err != nil {
		e.logger.WithError(err).Error("SCO link not opened")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"sco":   fmt.Sprintf("0x%04x", uint16(ev.Sco)),
		"codec": ev.Codec,
	}).Info("Audio connection established")
}

// placeCall applies the dial-string policy to a call placed by the
// hands-free unit.
func (e *Engine) placeCall(number string) {
	log := e.logger.WithField("number", number)
	if slices.Contains(e.opts.DialStrings, number) {
		log.Info("Dial string valid, accepting call")
		e.opts.Stack.HFP().OutgoingCallAccepted()
		return
	}
	log.Info("Dial string invalid, rejecting call")
	e.opts.Stack.HFP().OutgoingCallRejected()
}

func (e *Engine) send(n bus.Notification) {
	if err := e.opts.Sender.Send(n); err != nil {
		e.logger.WithError(err).WithField("notification", bus.Name(n)).Warn("Notification not delivered")
	}
}
