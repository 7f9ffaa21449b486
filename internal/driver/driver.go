// Package driver owns the single HCI/GAP session with the vendor stack:
// bring-up, radio power, discovery, visibility and pairing.
package driver

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack"
	"github.com/srg/btcore/internal/transport"
)

const (
	DefaultLocalName     = "PurePhone"
	DefaultClassOfDevice = 0x200408
	// DefaultInquiryDuration is one inquiry window; scanning restarts the
	// inquiry until StopScan.
	DefaultInquiryDuration = 5 * time.Second
	DefaultPin             = "0000"
)

var (
	ErrNotInitialized = errors.New("driver not initialized")
	ErrNoStack        = errors.New("driver: no vendor stack")
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures a Driver.
type Options struct {
	Logger  *logrus.Logger
	Stack   stack.Stack
	RunLoop *runloop.Loop
	// Transport is optional. When set it is opened with Notify.
	Transport transport.UART
	Notify    transport.Notifier
	LinkKeys  stack.LinkKeyDB
	Settings  settings.Holder
	Registry  *device.Registry
	Sender    bus.Sender

	LocalName       string
	ClassOfDevice   uint32
	InquiryDuration time.Duration
}

// Driver is the HCI session. All methods run on the worker goroutine.
type Driver struct {
	logger *logrus.Logger
	opts   Options
	stack  stack.Stack

	initialized bool
	powered     bool
	onPowerOn   []func()

	gap *gapEngine
}

func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Sender == nil {
		opts.Sender = bus.Discard
	}
	if opts.Registry == nil {
		opts.Registry = device.NewRegistry()
	}
	if opts.LocalName == "" {
		opts.LocalName = DefaultLocalName
	}
	if opts.ClassOfDevice == 0 {
		opts.ClassOfDevice = DefaultClassOfDevice
	}
	if opts.InquiryDuration <= 0 {
		opts.InquiryDuration = DefaultInquiryDuration
	}
	d := &Driver{
		logger: opts.Logger,
		opts:   opts,
		stack:  opts.Stack,
	}
	d.gap = newGAPEngine(d)
	return d
}

// Init opens the transport and brings up the stack: event sink, SSP policy,
// link-key store and GAP identity.
func (d *Driver) Init() error {
	if d.stack == nil {
		return ErrNoStack
	}
	if d.opts.Transport != nil {
		if err := d.opts.Transport.Open(d.opts.Notify); err != nil && !errors.Is(err, transport.ErrAlreadyOpen) {
			return fmt.Errorf("open hci transport: %w", err)
		}
	}

	err := d.stack.Init(stack.Config{
		Transport: d.opts.Transport,
		RunLoop:   d.opts.RunLoop,
		LinkKeys:  d.opts.LinkKeys,
	})
	if err != nil {
		d.closeTransport()
		return fmt.Errorf("init vendor stack: %w", err)
	}
	d.stack.AddEventHandler(d.handleEvent)

	hci := d.stack.HCI()
	hci.SetSSPIOCapability(stack.IODisplayYesNo)
	hci.SetSSPAutoAccept(false)

	gap := d.stack.GAP()
	gap.SetLocalName(d.opts.LocalName)
	gap.SetClassOfDevice(d.opts.ClassOfDevice)
	gap.SetInquiryMode(stack.InquiryRSSIAndEIR)

	d.gap.reset()
	d.initialized = true
	d.logger.WithFields(logrus.Fields{
		"name": d.opts.LocalName,
		"cod":  fmt.Sprintf("0x%06x", d.opts.ClassOfDevice),
	}).Info("Bluetooth driver initialized")
	return nil
}

// Run powers the radio on and hands the stack its run loop. The worker
// keeps driving the loop, so Run returns once power-up is requested.
func (d *Driver) Run() bt.Result {
	if !d.initialized {
		return bt.Fail(bt.NotReady)
	}
	if st := d.stack.HCI().PowerControl(true); !st.OK() {
		d.logger.WithField("status", st).Error("Radio power-on failed")
		return st.Result()
	}
	if d.opts.RunLoop != nil {
		if err := d.opts.RunLoop.Execute(); err != nil {
			d.logger.WithError(err).Error("Run loop execute failed")
			return bt.Fail(bt.SystemError)
		}
	}
	return bt.Ok()
}

// Stop powers the radio off.
func (d *Driver) Stop() bt.Result {
	if !d.initialized {
		return bt.Fail(bt.NotReady)
	}
	d.gap.stopScan()
	st := d.stack.HCI().PowerControl(false)
	if !st.OK() {
		d.logger.WithField("status", st).Error("Radio power-off failed")
	}
	d.powered = false
	return st.Result()
}

// Close releases the stack session and the transport. Init must run again
// before the driver is used.
func (d *Driver) Close() {
	if !d.initialized {
		return
	}
	d.stack.Close()
	d.closeTransport()
	d.initialized = false
	d.powered = false
}

func (d *Driver) closeTransport() {
	if d.opts.Transport == nil {
		return
	}
	if err := d.opts.Transport.Close(); err != nil {
		d.logger.WithError(err).Warn("HCI transport close failed")
	}
}

func (d *Driver) Initialized() bool { return d.initialized }

// Powered reports whether the stack reached the working state.
func (d *Driver) Powered() bool { return d.powered }

// RegisterPowerOnHandler adds fn to the callbacks run every time the radio
// reaches the working state.
func (d *Driver) RegisterPowerOnHandler(fn func()) {
	if fn != nil {
		d.onPowerOn = append(d.onPowerOn, fn)
	}
}

// Stack exposes the vendor stack to the profile engines.
func (d *Driver) Stack() stack.Stack { return d.stack }

// IOCallbacks returns the handlers the worker runs for transport
// completions.
func (d *Driver) IOCallbacks() map[transport.IOKind]func(transport.IOEvent) {
	return map[transport.IOKind]func(transport.IOEvent){
		transport.PacketSent: func(transport.IOEvent) {
			if d.initialized {
				d.stack.HCI().BlockSent()
			}
		},
		transport.PacketReceived: func(ev transport.IOEvent) {
			if d.initialized {
				d.stack.HCI().BlockReceived(ev.Data)
			}
		},
		transport.TransportError: func(ev transport.IOEvent) {
			d.logger.WithError(ev.Err).Error("HCI transport error")
			if d.initialized {
				d.stack.HCI().TransportFailed(ev.Err)
			}
		},
	}
}

func (d *Driver) handleEvent(ev stack.Event) {
	switch e := ev.(type) {
	case stack.StateChanged:
		d.handleState(e.State)
	case stack.PinCodeRequest:
		d.gap.pinCodeRequested(e.Address)
	case stack.InquiryResult:
		d.gap.inquiryResult(e)
	case stack.InquiryComplete:
		d.gap.inquiryComplete()
	case stack.RemoteNameRequestComplete:
		d.gap.nameRequestComplete(e)
	case stack.DedicatedBondingComplete:
		d.gap.bondingComplete(e)
	}
}

func (d *Driver) handleState(state stack.HCIState) {
	d.logger.WithField("state", state).Debug("HCI state changed")
	switch state {
	case stack.HCIWorking:
		d.powered = true
		d.gap.activate()
		for _, fn := range d.onPowerOn {
			fn()
		}
	case stack.HCIOff:
		d.powered = false
		d.gap.deactivate()
	}
}

func (d *Driver) send(n bus.Notification) {
	if err := d.opts.Sender.Send(n); err != nil {
		d.logger.WithError(err).WithField("notification", bus.Name(n)).Warn("Notification not delivered")
	}
}
