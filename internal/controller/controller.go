// Package controller is the top-level state machine of the Bluetooth core.
// It sequences radio power and driver bring-up, runs the steady-state
// commands while the radio is on and tracks the call substate so that the
// call profile follows the cellular call.
//
//	Off --PowerOn--> Setup --ok--> On --PowerOff--> Off
//	                   \--error--> Off
//	On --processing error--> Restart --> Setup
//	any --ShutDown--> Terminated
package controller

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/event"
	"github.com/srg/btcore/internal/settings"
)

type State int

const (
	StateOff State = iota
	StateSetup
	StateOn
	StateRestart
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateSetup:
		return "setup"
	case StateOn:
		return "on"
	case StateRestart:
		return "restart"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CallState is the call substate. It is only meaningful in StateOn.
type CallState int

const (
	CallSetup CallState = iota
	CallRinging
	CallInitiated
	CallInProgress
	// CallEnded is never observed: entering it folds straight back into
	// CallSetup.
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallSetup:
		return "call_setup"
	case CallRinging:
		return "call_ringing"
	case CallInitiated:
		return "call_initiated"
	case CallInProgress:
		return "call_in_progress"
	case CallEnded:
		return "call_ended"
	default:
		return fmt.Sprintf("call(%d)", int(s))
	}
}

// Driver is the HCI session lifecycle.
type Driver interface {
	Init() error
	Run() bt.Result
	Stop() bt.Result
	Close()
}

// Commands are the steady-state operations of the command handler.
type Commands interface {
	Scan() bt.Result
	StopScan() bt.Result
	SetVisibility(visible bool) bt.Result
	SetDeviceName(name string) bt.Result
	Pair(dev device.Device) bt.Result
	Unpair(dev device.Device) bt.Result
	PinCode(pin string) bt.Result
	Connect(dev device.Device) bt.Result
	Disconnect() bt.Result
	AvailableDevices() bt.Result
}

// Profiles is the profile manager as seen by the controller.
type Profiles interface {
	Init() error
	DeInit()
	Start() bt.Result
	Stop() bt.Result

	IncomingCallStarted() bt.Result
	SetIncomingCallNumber(number string) bt.Result
	OutgoingCallStarted(number string) bt.Result
	IncomingCallAnswered() bt.Result
	OutgoingCallAnswered() bt.Result
	CallTerminated() bt.Result
	CallMissed() bt.Result
	StartRinging() bt.Result
	StopRinging() bt.Result
	InitializeCall() bt.Result

	SetSignalStrength(bars int) bt.Result
	SetOperatorName(name string) bt.Result
	SetBatteryLevel(level int) bt.Result
	SetNetworkStatus(registered, roaming bool) bt.Result

	// RefreshMode reports the Bluetooth mode after a power change.
	RefreshMode()
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type Options struct {
	Logger   *logrus.Logger
	Driver   Driver
	Commands Commands
	Profiles Profiles
	Registry *device.Registry
	Settings settings.Holder
	// Register announces the core to the platform once per successful
	// initialization. Optional.
	Register func() error
}

// Controller runs on the worker goroutine only.
type Controller struct {
	logger *logrus.Logger
	opts   Options

	state    State
	call     CallState
	initDone bool
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Registry == nil {
		opts.Registry = device.NewRegistry()
	}
	return &Controller{
		logger: opts.Logger,
		opts:   opts,
	}
}

func (c *Controller) State() State { return c.state }

func (c *Controller) CallState() CallState { return c.call }

// Initialized reports whether Setup completed its one-time initialization.
func (c *Controller) Initialized() bool { return c.initDone }

// Handle consumes one event. It returns ErrEventRejected (wrapped) when the
// current state ignores ev, an *InitializationError when Setup failed and
// a *ProcessingError when the controller had to restart.
func (c *Controller) Handle(ev event.Event) (err error) {
	c.logger.WithFields(logrus.Fields{"event": event.Name(ev), "state": c.state, "call": c.call}).Debug("Handling event")
	defer func() {
		if r := recover(); r != nil {
			err = c.recovered(event.Name(ev), r)
		}
	}()

	switch c.state {
	case StateOff:
		return c.handleOff(ev)
	case StateOn:
		return c.handleOn(ev)
	default:
		return c.reject(ev)
	}
}

func (c *Controller) handleOff(ev event.Event) error {
	switch ev.(type) {
	case event.PowerOn:
		return c.setup()
	case event.ShutDown:
		c.terminate()
		return nil
	default:
		return c.reject(ev)
	}
}

func (c *Controller) handleOn(ev event.Event) error {
	cmd, prof := c.opts.Commands, c.opts.Profiles

	switch e := ev.(type) {
	case event.PowerOff:
		c.turnOff()
		c.persistPower(settings.PowerOff)
		c.transition(StateOff)
		return nil
	case event.ShutDown:
		c.turnOff()
		c.terminate()
		return nil

	case event.StartScan:
		return c.act(ev, cmd.Scan())
	case event.StopScan:
		return c.act(ev, cmd.StopScan())
	case event.VisibilityOn:
		return c.act(ev, cmd.SetVisibility(true))
	case event.VisibilityOff:
		return c.act(ev, cmd.SetVisibility(false))
	case event.AvailableDevices:
		return c.act(ev, cmd.AvailableDevices())
	case event.SetDeviceName:
		return c.act(ev, cmd.SetDeviceName(e.Name))
	case event.Pair:
		return c.act(ev, cmd.Pair(e.Device))
	case event.Unpair:
		if c.connected(e.Device.Address) {
			if err := c.act(ev, cmd.Disconnect()); err != nil {
				return err
			}
		}
		return c.act(ev, cmd.Unpair(e.Device))
	case event.PinCode:
		return c.act(ev, cmd.PinCode(e.Pin))
	case event.Connect:
		return c.act(ev, cmd.Connect(e.Device))
	case event.Disconnect:
		return c.act(ev, cmd.Disconnect())

	case event.StartStream:
		return c.act(ev, prof.Start())
	case event.StopStream:
		return c.act(ev, prof.Stop())
	case event.StartRinging:
		return c.act(ev, prof.StartRinging())
	case event.StopRinging:
		return c.act(ev, prof.StopRinging())
	case event.StartRouting:
		return c.act(ev, prof.InitializeCall())

	case event.SignalStrengthData:
		return c.act(ev, prof.SetSignalStrength(e.Bars))
	case event.OperatorNameData:
		return c.act(ev, prof.SetOperatorName(e.Name))
	case event.BatteryLevelData:
		return c.act(ev, prof.SetBatteryLevel(e.Level))
	case event.NetworkStatusData:
		return c.act(ev, prof.SetNetworkStatus(e.Registered, e.Roaming))

	case event.IncomingCallStarted, event.IncomingCallNumber, event.OutgoingCallStarted,
		event.CallAnswered, event.CallTerminated, event.CallMissed:
		return c.handleCall(ev)

	default:
		return c.reject(ev)
	}
}

// setup runs the Setup state: one-time initialization unless already done,
// then radio power-up and profile initialization.
func (c *Controller) setup() error {
	c.transition(StateSetup)
	if !c.initDone {
		if err := c.initialize(); err != nil {
			return c.setupFailed(err)
		}
	}
	if r := c.opts.Driver.Run(); !r.IsSuccess() {
		return c.setupFailed(&InitializationError{Op: "run driver", Err: r.Err()})
	}
	if err := c.opts.Profiles.Init(); err != nil {
		c.opts.Driver.Stop()
		return c.setupFailed(&InitializationError{Op: "init profiles", Err: err})
	}
	c.call = CallSetup
	c.persistPower(settings.PowerOn)
	c.transition(StateOn)
	return nil
}

func (c *Controller) initialize() error {
	if err := c.loadBonded(); err != nil {
		return &InitializationError{Op: "load bonded devices", Err: err}
	}
	if err := c.opts.Driver.Init(); err != nil {
		return &InitializationError{Op: "init driver", Err: err}
	}
	if c.opts.Register != nil {
		if err := c.opts.Register(); err != nil {
			c.opts.Driver.Close()
			return &InitializationError{Op: "register device", Err: err}
		}
	}
	c.initDone = true
	return nil
}

func (c *Controller) setupFailed(err error) error {
	c.logger.WithError(err).Error("Bluetooth setup failed")
	c.transition(StateOff)
	return err
}

func (c *Controller) loadBonded() error {
	if c.opts.Settings == nil {
		return nil
	}
	doc, err := settings.GetString(c.opts.Settings, settings.KeyBondedDevices)
	if err != nil {
		return err
	}
	devices, err := device.DecodeBonded(doc)
	if err != nil {
		return err
	}
	c.opts.Registry.Clear()
	for _, d := range devices {
		c.opts.Registry.Upsert(d)
	}
	c.logger.WithField("count", len(devices)).Info("Bonded devices loaded")
	return nil
}

// turnOff releases the profiles and powers the radio down. The driver
// session stays open so the next PowerOn skips initialization.
func (c *Controller) turnOff() {
	c.opts.Profiles.DeInit()
	if r := c.opts.Driver.Stop(); !r.IsSuccess() {
		c.logger.WithField("result", r).Warn("Driver stop failed")
	}
	c.call = CallSetup
	c.opts.Profiles.RefreshMode()
}

func (c *Controller) terminate() {
	if c.initDone {
		c.opts.Driver.Close()
		c.initDone = false
	}
	c.transition(StateTerminated)
}

// restart tears everything down and runs Setup again from scratch.
func (c *Controller) restart(perr *ProcessingError) error {
	c.logger.WithError(perr).Error("Processing error, restarting")
	c.transition(StateRestart)
	c.turnOff()
	c.opts.Driver.Close()
	c.initDone = false
	if err := c.setup(); err != nil {
		c.logger.WithError(err).Error("Restart failed")
	}
	return perr
}

// Recover handles a panic raised outside Handle, such as in a run-loop
// timer or a transport callback, the same way as a panic in an event.
func (c *Controller) Recover(source string, r any) error {
	return c.recovered(source, r)
}

func (c *Controller) recovered(source string, r any) error {
	perr := &ProcessingError{Event: source, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
	if c.state == StateOn {
		return c.restart(perr)
	}
	c.logger.WithError(perr).Error("Recovered outside the on state")
	if c.initDone {
		c.opts.Driver.Close()
		c.initDone = false
	}
	if c.state != StateTerminated {
		c.transition(StateOff)
	}
	return perr
}

// act checks the result of one side effect. A system error is a
// processing error; anything else is logged and the event is done.
func (c *Controller) act(ev event.Event, r bt.Result) error {
	log := c.logger.WithFields(logrus.Fields{"event": event.Name(ev), "result": r})
	switch r.Code {
	case bt.Success:
		return nil
	case bt.NotReady:
		log.Debug("Action not ready")
		return nil
	case bt.SystemError:
		return c.restart(&ProcessingError{Event: event.Name(ev), Err: r.Err()})
	default:
		log.Warn("Action failed")
		return nil
	}
}

func (c *Controller) reject(ev event.Event) error {
	c.logger.WithFields(logrus.Fields{"event": event.Name(ev), "state": c.state}).Debug("Event rejected")
	return fmt.Errorf("%w: %s in %s", ErrEventRejected, event.Name(ev), c.state)
}

func (c *Controller) transition(to State) {
	if c.state == to {
		return
	}
	c.logger.WithFields(logrus.Fields{"from": c.state, "to": to}).Info("Bluetooth state changed")
	c.state = to
}

func (c *Controller) connected(addr device.Address) bool {
	dev, ok := c.opts.Registry.Get(addr)
	return ok && dev.State.IsConnected()
}

func (c *Controller) persistPower(state settings.PowerState) {
	if c.opts.Settings == nil {
		return
	}
	if err := c.opts.Settings.Set(settings.KeyState, string(state)); err != nil {
		c.logger.WithError(err).Warn("Power state not persisted")
	}
}
