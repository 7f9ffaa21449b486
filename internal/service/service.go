// Package service is the glue between the platform message bus and the
// Bluetooth worker. It turns inbound requests into controller events,
// keeps the user-facing settings and answers the requests that need no
// radio at all.
package service

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/event"
	"github.com/srg/btcore/internal/settings"
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Poster queues controller events. worker.Worker implements it.
type Poster interface {
	Post(ev event.Event) error
}

type Options struct {
	Logger   *logrus.Logger
	Worker   Poster
	Settings settings.Holder
	Sender   bus.Sender
}

type Service struct {
	logger   *logrus.Logger
	worker   Poster
	settings settings.Holder
	sender   bus.Sender
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.Sender == nil {
		opts.Sender = bus.Discard
	}
	return &Service{
		logger:   opts.Logger,
		worker:   opts.Worker,
		settings: opts.Settings,
		sender:   opts.Sender,
	}
}

// Boot forces the persisted power state to off and returns the settings
// the core starts from. It runs once, before the worker starts.
func Boot(h settings.Holder, logger *logrus.Logger) (settings.Snapshot, error) {
	if logger == nil {
		logger = noopLogger
	}
	if err := settings.ResetPowerState(h); err != nil {
		return settings.Snapshot{}, fmt.Errorf("reset power state: %w", err)
	}
	snap, err := settings.Load(h)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"name":      snap.DeviceName,
		"visible":   snap.Visibility,
		"connected": snap.ConnectedDevice,
	}).Info("Bluetooth settings loaded")
	return snap, nil
}

// Handle applies one inbound request. Requests that reach the controller
// are queued in order; the rest are answered here.
func (s *Service) Handle(r bus.Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	log := s.logger.WithField("request", r.Type)

	switch r.Type {
	case bus.RequestBondedDevices:
		return s.sendBonded()
	case bus.RequestSetDeviceName:
		if err := s.settings.Set(settings.KeyDeviceName, r.Name); err != nil {
			log.WithError(err).Warn("Device name not persisted")
		}
	case bus.RequestVisible:
		s.persistVisibility(r.Visible)
	case bus.RequestSetStatus:
		if r.On {
			s.persistVisibility(r.Visible)
		}
	}

	events, err := Translate(r)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := s.worker.Post(ev); err != nil {
			return fmt.Errorf("post %s: %w", event.Name(ev), err)
		}
	}
	log.WithField("events", len(events)).Debug("Request queued")
	return nil
}

// Translate maps a request onto the controller events it stands for.
func Translate(r bus.Request) ([]event.Event, error) {
	dev := device.New(r.Address, r.Name)

	switch r.Type {
	case bus.RequestScan:
		return one(event.StartScan{})
	case bus.RequestStopScan:
		return one(event.StopScan{})
	case bus.RequestVisible:
		return one(visibility(r.Visible))
	case bus.RequestDevices:
		return one(event.AvailableDevices{})
	case bus.RequestPair:
		return one(event.Pair{Device: dev})
	case bus.RequestUnpair:
		return one(event.Unpair{Device: dev})
	case bus.RequestPinCode:
		return one(event.PinCode{Device: dev, Pin: r.Pin})
	case bus.RequestConnect:
		return one(event.Connect{Device: dev})
	case bus.RequestDisconnect:
		return one(event.Disconnect{})
	case bus.RequestPlay:
		return one(event.StartStream{})
	case bus.RequestStop:
		return one(event.StopStream{})
	case bus.RequestSetStatus:
		if !r.On {
			return one(event.PowerOff{})
		}
		return []event.Event{event.PowerOn{}, visibility(r.Visible)}, nil
	case bus.RequestSetDeviceName:
		return one(event.SetDeviceName{Name: r.Name})
	case bus.RequestShutdown:
		return one(event.ShutDown{})

	case bus.RequestIncomingCall:
		return one(event.IncomingCallStarted{})
	case bus.RequestIncomingCallNumber:
		return one(event.IncomingCallNumber{Number: r.Number})
	case bus.RequestOutgoingCall:
		return one(event.OutgoingCallStarted{Number: r.Number})
	case bus.RequestCallAnswered:
		return one(event.CallAnswered{})
	case bus.RequestCallTerminated:
		return one(event.CallTerminated{})
	case bus.RequestCallMissed:
		return one(event.CallMissed{})
	case bus.RequestStartRouting:
		return one(event.StartRouting{})
	case bus.RequestSignalStrength:
		return one(event.SignalStrengthData{Bars: r.Value})
	case bus.RequestOperatorName:
		return one(event.OperatorNameData{Name: r.Name})
	case bus.RequestBatteryLevel:
		return one(event.BatteryLevelData{Level: r.Value})
	case bus.RequestNetworkStatus:
		return one(event.NetworkStatusData{Registered: r.Registered, Roaming: r.Roaming})
	}
	return nil, fmt.Errorf("%w: %q", bus.ErrUnknownRequest, r.Type)
}

func one(ev event.Event) ([]event.Event, error) { return []event.Event{ev}, nil }

func visibility(on bool) event.Event {
	if on {
		return event.VisibilityOn{}
	}
	return event.VisibilityOff{}
}

func (s *Service) persistVisibility(on bool) {
	if err := settings.SetBool(s.settings, settings.KeyVisibility, on); err != nil {
		s.logger.WithError(err).Warn("Visibility not persisted")
	}
}

// sendBonded answers from the persisted bonded list, so it works with the
// radio off.
func (s *Service) sendBonded() error {
	snap, err := settings.Load(s.settings)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	devices, err := device.DecodeBonded(snap.BondedDevices)
	if err != nil {
		return err
	}
	return s.sender.Send(bus.BondedDevices{Devices: devices, Connected: snap.ConnectedDevice})
}
