package worker

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/command"
	"github.com/srg/btcore/internal/controller"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/driver"
	"github.com/srg/btcore/internal/linkkey"
	"github.com/srg/btcore/internal/profile"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack"
	"github.com/srg/btcore/internal/transport"
)

var ErrNoSettings = errors.New("worker: settings holder required")

// Config describes one Bluetooth core instance.
type Config struct {
	Logger   *logrus.Logger
	Stack    stack.Stack
	Settings settings.Holder
	Sender   bus.Sender
	// Transport is optional; the simulated stack runs without one.
	Transport transport.UART
	Clock     runloop.Clock

	LocalName       string
	ClassOfDevice   uint32
	InquiryDuration time.Duration
	WakePeriod      time.Duration

	Profiles         []bt.ProfileKind
	CallProfile      bt.ProfileKind
	Codecs           bt.CodecSet
	MediaPeriod      time.Duration
	MediaStorageSize int

	CommandQueueSize int
	IOQueueSize      int
}

// Context owns the components of one core instance. Everything in it runs
// on the worker goroutine.
type Context struct {
	Logger     *logrus.Logger
	Loop       *runloop.Loop
	Registry   *device.Registry
	LinkKeys   *linkkey.Store
	Driver     *driver.Driver
	Profiles   *profile.Manager
	Commands   *command.Handler
	Controller *controller.Controller
}

// newContext wires the components. notify receives transport completions.
func newContext(cfg Config, notify transport.Notifier) (*Context, error) {
	if cfg.Settings == nil {
		return nil, ErrNoSettings
	}
	if cfg.Stack == nil {
		return nil, driver.ErrNoStack
	}

	c := &Context{
		Logger:   cfg.Logger,
		Registry: device.NewRegistry(),
		LinkKeys: linkkey.NewStore(cfg.Settings, cfg.Logger),
	}
	c.Loop = runloop.New(runloop.Options{
		Logger:            cfg.Logger,
		Clock:             cfg.Clock,
		DefaultWakePeriod: cfg.WakePeriod,
	})
	c.Driver = driver.New(driver.Options{
		Logger:          cfg.Logger,
		Stack:           cfg.Stack,
		RunLoop:         c.Loop,
		Transport:       cfg.Transport,
		Notify:          notify,
		LinkKeys:        c.LinkKeys,
		Settings:        cfg.Settings,
		Registry:        c.Registry,
		Sender:          cfg.Sender,
		LocalName:       cfg.LocalName,
		ClassOfDevice:   cfg.ClassOfDevice,
		InquiryDuration: cfg.InquiryDuration,
	})
	c.Profiles = profile.New(profile.Options{
		Logger:           cfg.Logger,
		Stack:            cfg.Stack,
		RunLoop:          c.Loop,
		Sender:           cfg.Sender,
		Registry:         c.Registry,
		Settings:         cfg.Settings,
		Powered:          c.Driver.Powered,
		Profiles:         cfg.Profiles,
		CallProfile:      cfg.CallProfile,
		Codecs:           cfg.Codecs,
		MediaPeriod:      cfg.MediaPeriod,
		MediaStorageSize: cfg.MediaStorageSize,
	})
	c.Driver.RegisterPowerOnHandler(c.Profiles.RefreshMode)
	c.Commands = command.New(command.Options{
		Logger:   cfg.Logger,
		Driver:   c.Driver,
		Profiles: c.Profiles,
		Sender:   cfg.Sender,
	})
	c.Controller = controller.New(controller.Options{
		Logger:   cfg.Logger,
		Driver:   c.Driver,
		Commands: c.Commands,
		Profiles: c.Profiles,
		Registry: c.Registry,
		Settings: cfg.Settings,
		Register: func() error {
			c.Driver.SendBondedDevices()
			return nil
		},
	})
	return c, nil
}

func (c *Context) close() {
	c.Profiles.DeInit()
	c.Driver.Close()
	c.Loop.Close()
}
