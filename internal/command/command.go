// Package command translates the platform's imperative requests into
// single driver or profile operations. Every operation is total: it
// returns a bt.Result, calls exactly one collaborator and never retries.
package command

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Driver is the part of the HCI session the handler drives.
type Driver interface {
	Scan() bt.Result
	StopScan() bt.Result
	SetVisibility(visible bool) bt.Result
	SetLocalName(name string) bt.Result
	Pair(dev device.Device) bt.Result
	Unpair(dev device.Device) bt.Result
	PinCodeResponse(pin string) bt.Result
	ScannedDevices() []device.Device
}

// Profiles connects and disconnects the profile engines.
type Profiles interface {
	Connect(dev device.Device) bt.Result
	Disconnect() bt.Result
}

type Options struct {
	Logger   *logrus.Logger
	Driver   Driver
	Profiles Profiles
	Sender   bus.Sender
}

type Handler struct {
	logger   *logrus.Logger
	driver   Driver
	profiles Profiles
	sender   bus.Sender
}

func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Sender == nil {
		opts.Sender = bus.Discard
	}
	return &Handler{
		logger:   opts.Logger,
		driver:   opts.Driver,
		profiles: opts.Profiles,
		sender:   opts.Sender,
	}
}

func (h *Handler) Scan() bt.Result {
	return h.log("scan", h.driver.Scan())
}

func (h *Handler) StopScan() bt.Result {
	return h.log("stop_scan", h.driver.StopScan())
}

func (h *Handler) SetVisibility(visible bool) bt.Result {
	return h.log("set_visibility", h.driver.SetVisibility(visible))
}

func (h *Handler) SetDeviceName(name string) bt.Result {
	return h.log("set_device_name", h.driver.SetLocalName(name))
}

// Connect asks every profile to connect to dev. The outcome arrives later
// as ConnectResult notifications.
func (h *Handler) Connect(dev device.Device) bt.Result {
	if h.profiles == nil {
		return bt.Fail(bt.NotReady)
	}
	return h.log("connect", h.profiles.Connect(dev))
}

func (h *Handler) Disconnect() bt.Result {
	if h.profiles == nil {
		return bt.Fail(bt.NotReady)
	}
	return h.log("disconnect", h.profiles.Disconnect())
}

func (h *Handler) Pair(dev device.Device) bt.Result {
	return h.log("pair", h.driver.Pair(dev))
}

func (h *Handler) Unpair(dev device.Device) bt.Result {
	return h.log("unpair", h.driver.Unpair(dev))
}

func (h *Handler) PinCode(pin string) bt.Result {
	return h.log("pin_code", h.driver.PinCodeResponse(pin))
}

// AvailableDevices publishes the devices found by the current scan. A
// delivery failure is logged and does not fail the command.
func (h *Handler) AvailableDevices() bt.Result {
	if err := h.sender.Send(bus.DeviceListSync{Devices: h.driver.ScannedDevices()}); err != nil {
		h.logger.WithError(err).Warn("Device list not delivered")
	}
	return bt.Ok()
}

func (h *Handler) log(op string, r bt.Result) bt.Result {
	entry := h.logger.WithFields(logrus.Fields{"command": op, "result": r})
	switch r.Code {
	case bt.Success:
		entry.Debug("Command done")
	case bt.NotReady:
		entry.Info("Command not ready")
	default:
		entry.Error("Command failed")
	}
	return r
}
