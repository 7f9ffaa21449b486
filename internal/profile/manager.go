package profile

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack"
)

// AllProfiles is the default engine set, in fan-out order.
var AllProfiles = []bt.ProfileKind{bt.ProfileA2DP, bt.ProfileHFP, bt.ProfileHSP}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures a Manager.
type Options struct {
	Logger   *logrus.Logger
	Stack    stack.Stack
	RunLoop  *runloop.Loop
	Sender   bus.Sender
	Registry *device.Registry
	Settings settings.Holder
	// Powered reports the radio state for mode notifications. nil means
	// always powered.
	Powered func() bool

	// Profiles lists the kinds to build engines for. Empty selects
	// AllProfiles.
	Profiles []bt.ProfileKind
	// CallProfile receives call lifecycle and telemetry. ProfileNone
	// selects the first call-capable kind of Profiles.
	CallProfile bt.ProfileKind
	Factory     Factory

	Codecs           bt.CodecSet
	MediaPeriod      time.Duration
	MediaStorageSize int
}

// Manager owns the profile engines. Every method runs on the worker
// goroutine except SetAudioDevice, which the platform audio path may call
// from anywhere.
type Manager struct {
	logger *logrus.Logger
	opts   Options

	// audioMu serializes the audio device hand-off with the engines'
	// audio paths.
	audioMu sync.Mutex

	order       []bt.ProfileKind
	engines     map[bt.ProfileKind]Engine
	call        CallEngine
	initialized bool
	mode        bus.Mode
	modeSent    bool
}

var _ device.LinkObserver = (*Manager)(nil)

// New builds the engines. The set never changes afterwards.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Sender == nil {
		opts.Sender = bus.Discard
	}
	if opts.Registry == nil {
		opts.Registry = device.NewRegistry()
	}
	if opts.Powered == nil {
		opts.Powered = func() bool { return true }
	}
	if len(opts.Profiles) == 0 {
		opts.Profiles = AllProfiles
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory
	}

	m := &Manager{
		logger:  opts.Logger,
		opts:    opts,
		engines: make(map[bt.ProfileKind]Engine),
	}
	for _, kind := range opts.Profiles {
		if _, dup := m.engines[kind]; dup {
			continue
		}
		e := opts.Factory(kind, m)
		if e == nil {
			m.logger.WithField("profile", kind).Warn("Profile not supported")
			continue
		}
		m.engines[kind] = e
		m.order = append(m.order, kind)
	}

	callKind := opts.CallProfile
	if callKind == bt.ProfileNone {
		if i := slices.IndexFunc(m.order, bt.ProfileKind.IsCall); i >= 0 {
			callKind = m.order[i]
		}
	}
	if ce, ok := m.engines[callKind].(CallEngine); ok {
		m.call = ce
	}
	return m
}

// Init initializes every engine. It is a no-op once done; on failure the
// engines already initialized are rolled back.
func (m *Manager) Init() error {
	if m.initialized {
		return nil
	}
	for i, kind := range m.order {
		if err := m.engines[kind].Init(); err != nil {
			for _, done := range slices.Backward(m.order[:i]) {
				m.engines[done].DeInit()
			}
			return fmt.Errorf("init %s profile: %w", kind, err)
		}
	}
	m.initialized = true
	m.logger.WithField("profiles", m.order).Info("Profiles initialized")
	return nil
}

func (m *Manager) DeInit() {
	if !m.initialized {
		return
	}
	for _, kind := range slices.Backward(m.order) {
		m.engines[kind].DeInit()
	}
	m.initialized = false
	// Deinitialized engines report no link down.
	if active, ok := m.opts.Registry.Active(); ok && active.State.IsConnected() {
		if _, err := m.opts.Registry.SetState(active.Address, device.StatePaired); err == nil {
			m.persistConnected("")
		}
	}
	m.logger.Info("Profiles deinitialized")
}

func (m *Manager) Initialized() bool { return m.initialized }

// Engine returns the engine of kind, if built.
func (m *Manager) Engine(kind bt.ProfileKind) (Engine, bool) {
	e, ok := m.engines[kind]
	return e, ok
}

// CallEngine returns the engine calls are routed to, if any.
func (m *Manager) CallEngine() (CallEngine, bool) { return m.call, m.call != nil }

// Connect asks every engine to connect to dev.
func (m *Manager) Connect(dev device.Device) bt.Result {
	if !m.initialized {
		return bt.Fail(bt.NotReady)
	}
	m.logger.WithField("address", dev.Address).Info("Connecting profiles")
	return m.fanOut(func(e Engine) bt.Result { return e.Connect(dev) })
}

// Disconnect asks every engine to drop its connection.
func (m *Manager) Disconnect() bt.Result {
	if !m.initialized {
		return bt.Fail(bt.NotReady)
	}
	return m.fanOut(Engine.Disconnect)
}

// fanOut runs op on every engine. NotReady from an engine that has
// nothing to do is not a failure; the first other failure is returned.
func (m *Manager) fanOut(op func(Engine) bt.Result) bt.Result {
	res := bt.Fail(bt.NotReady)
	var failed bool
	for _, kind := range m.order {
		r := op(m.engines[kind])
		switch {
		case r.IsSuccess():
			if !failed {
				res = r
			}
		case r.Code != bt.NotReady && !failed:
			m.logger.WithFields(logrus.Fields{"profile": kind, "result": r}).Warn("Profile operation failed")
			res, failed = r, true
		}
	}
	return res
}

// Start resumes music streaming.
func (m *Manager) Start() bt.Result {
	return m.music(Engine.Start)
}

// Stop suspends music streaming.
func (m *Manager) Stop() bt.Result {
	return m.music(Engine.Stop)
}

func (m *Manager) music(op func(Engine) bt.Result) bt.Result {
	e, ok := m.engines[bt.ProfileA2DP]
	if !m.initialized || !ok {
		return bt.Fail(bt.NotReady)
	}
	return op(e)
}

// SetAudioDevice hands dev to the engine of its profile.
func (m *Manager) SetAudioDevice(dev audio.Device) bt.Result {
	if dev == nil {
		return bt.Fail(bt.NotReady)
	}
	e, ok := m.engines[dev.Profile()]
	if !ok {
		m.logger.WithField("profile", dev.Profile()).Debug("No engine for audio device")
		return bt.Fail(bt.NotReady)
	}
	return e.SetAudioDevice(dev)
}

// ErrNoCallEngine is the error form of a call routed with no call engine.
var ErrNoCallEngine = errors.New("profile: no call engine")

func (m *Manager) callOp(name string, op func(CallEngine) bt.Result) bt.Result {
	if !m.initialized || m.call == nil {
		m.logger.WithError(ErrNoCallEngine).WithField("op", name).Debug("Call operation dropped")
		return bt.Fail(bt.NotReady)
	}
	return op(m.call)
}

func (m *Manager) IncomingCallStarted() bt.Result {
	return m.callOp("incoming_call_started", CallEngine.IncomingCallStarted)
}

func (m *Manager) SetIncomingCallNumber(number string) bt.Result {
	return m.callOp("incoming_call_number", func(c CallEngine) bt.Result { return c.SetIncomingCallNumber(number) })
}

func (m *Manager) OutgoingCallStarted(number string) bt.Result {
	return m.callOp("outgoing_call_started", func(c CallEngine) bt.Result { return c.OutgoingCallStarted(number) })
}

func (m *Manager) IncomingCallAnswered() bt.Result {
	return m.callOp("incoming_call_answered", CallEngine.IncomingCallAnswered)
}

func (m *Manager) OutgoingCallAnswered() bt.Result {
	return m.callOp("outgoing_call_answered", CallEngine.OutgoingCallAnswered)
}

func (m *Manager) CallTerminated() bt.Result {
	return m.callOp("call_terminated", CallEngine.CallTerminated)
}

func (m *Manager) CallMissed() bt.Result {
	return m.callOp("call_missed", CallEngine.CallMissed)
}

func (m *Manager) StartRinging() bt.Result {
	return m.callOp("start_ringing", CallEngine.StartRinging)
}

func (m *Manager) StopRinging() bt.Result {
	return m.callOp("stop_ringing", CallEngine.StopRinging)
}

func (m *Manager) InitializeCall() bt.Result {
	return m.callOp("initialize_call", CallEngine.InitializeCall)
}

func (m *Manager) SetSignalStrength(bars int) bt.Result {
	return m.callOp("signal_strength", func(c CallEngine) bt.Result { return c.SetSignalStrength(bars) })
}

func (m *Manager) SetOperatorName(name string) bt.Result {
	return m.callOp("operator_name", func(c CallEngine) bt.Result { return c.SetOperatorName(name) })
}

func (m *Manager) SetBatteryLevel(level int) bt.Result {
	return m.callOp("battery_level", func(c CallEngine) bt.Result { return c.SetBatteryLevel(level) })
}

func (m *Manager) SetNetworkStatus(registered, roaming bool) bt.Result {
	return m.callOp("network_status", func(c CallEngine) bt.Result { return c.SetNetworkStatus(registered, roaming) })
}

// LinkUp records a profile link to dev and persists it as the connected
// device.
func (m *Manager) LinkUp(dev device.Device, link device.State) {
	dev.State = link
	stored := m.opts.Registry.Upsert(dev)
	m.logger.WithFields(logrus.Fields{"address": stored.Address, "state": stored.State}).Info("Profile link up")
	m.persistConnected(stored.Address.String())
	m.RefreshMode()
}

// LinkDown drops one profile link of the device at addr.
func (m *Manager) LinkDown(addr device.Address, link device.State) {
	stored, err := m.opts.Registry.DropLink(addr, link)
	if err != nil {
		m.logger.WithError(err).WithField("address", addr).Debug("Link down for unknown device")
		return
	}
	m.logger.WithFields(logrus.Fields{"address": addr, "state": stored.State}).Info("Profile link down")
	if !stored.State.IsConnected() {
		m.persistConnected("")
	}
	m.RefreshMode()
}

func (m *Manager) persistConnected(addr string) {
	if m.opts.Settings == nil {
		return
	}
	if err := m.opts.Settings.Set(settings.KeyConnectedDevice, addr); err != nil {
		m.logger.WithError(err).Error("Connected device not persisted")
	}
}

// Mode returns the last Bluetooth mode reported.
func (m *Manager) Mode() bus.Mode { return m.mode }

// RefreshMode recomputes the Bluetooth mode from the radio state and the
// active device, and reports it when it changed.
func (m *Manager) RefreshMode() {
	state := device.StatePaired
	if active, ok := m.opts.Registry.Active(); ok {
		state = active.State
	}
	mode := bus.ModeOf(m.opts.Powered(), state)
	if m.modeSent && mode == m.mode {
		return
	}
	m.mode, m.modeSent = mode, true
	if err := m.opts.Sender.Send(bus.ModeChanged{Mode: mode}); err != nil {
		m.logger.WithError(err).Warn("Mode change not delivered")
	}
}
