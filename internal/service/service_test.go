package service_test

import (
	"errors"
	"testing"

	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/event"
	"github.com/srg/btcore/internal/service"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var headsetAddr = device.MustParseAddress("00:11:22:33:44:55")

type fakeWorker struct {
	posted []event.Event
	err    error
}

func (f *fakeWorker) Post(ev event.Event) error {
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, ev)
	return nil
}

func (f *fakeWorker) names() []string {
	out := make([]string, 0, len(f.posted))
	for _, ev := range f.posted {
		out = append(out, event.Name(ev))
	}
	return out
}

type ServiceTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	store  *settings.MemoryStore
	sender *bus.Recorder
	worker *fakeWorker
	svc    *service.Service
}

func (s *ServiceTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.store = settings.NewMemoryStore()
	s.sender = bus.NewRecorder()
	s.worker = &fakeWorker{}
	s.svc = service.New(service.Options{
		Logger:   s.helper.Logger,
		Worker:   s.worker,
		Settings: s.store,
		Sender:   s.sender,
	})
}

func (s *ServiceTestSuite) TestBootResetsPowerState() {
	// GOAL: Verify a reboot never resumes with the radio marked on
	//
	// TEST SCENARIO: state "on" and a stored name → Boot → state "off", name kept
	s.Require().NoError(s.store.Set(settings.KeyState, string(settings.PowerOn)))
	s.Require().NoError(s.store.Set(settings.KeyDeviceName, "Pure"))

	snap, err := service.Boot(s.store, s.helper.Logger)
	s.Require().NoError(err)
	s.Equal(settings.PowerOff, snap.State)
	s.Equal("Pure", snap.DeviceName)

	state, err := settings.GetString(s.store, settings.KeyState)
	s.Require().NoError(err)
	s.Equal(string(settings.PowerOff), state, "the persisted power state MUST be reset")
}

func (s *ServiceTestSuite) TestTranslate() {
	tests := []struct {
		name string
		req  bus.Request
		want []event.Event
	}{
		{"scan", bus.Request{Type: bus.RequestScan}, []event.Event{event.StartScan{}}},
		{"visible off", bus.Request{Type: bus.RequestVisible}, []event.Event{event.VisibilityOff{}}},
		{"available devices", bus.Request{Type: bus.RequestDevices}, []event.Event{event.AvailableDevices{}}},
		{"power on", bus.Request{Type: bus.RequestSetStatus, On: true, Visible: true},
			[]event.Event{event.PowerOn{}, event.VisibilityOn{}}},
		{"power off", bus.Request{Type: bus.RequestSetStatus, Visible: true}, []event.Event{event.PowerOff{}}},
		{"pair", bus.Request{Type: bus.RequestPair, Address: headsetAddr, Name: "Headset"},
			[]event.Event{event.Pair{Device: device.New(headsetAddr, "Headset")}}},
		{"pin", bus.Request{Type: bus.RequestPinCode, Address: headsetAddr, Pin: "1234"},
			[]event.Event{event.PinCode{Device: device.New(headsetAddr, ""), Pin: "1234"}}},
		{"outgoing call", bus.Request{Type: bus.RequestOutgoingCall, Number: "+48123"},
			[]event.Event{event.OutgoingCallStarted{Number: "+48123"}}},
		{"routing", bus.Request{Type: bus.RequestStartRouting}, []event.Event{event.StartRouting{}}},
		{"battery", bus.Request{Type: bus.RequestBatteryLevel, Value: 80}, []event.Event{event.BatteryLevelData{Level: 80}}},
		{"network", bus.Request{Type: bus.RequestNetworkStatus, Registered: true, Roaming: true},
			[]event.Event{event.NetworkStatusData{Registered: true, Roaming: true}}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			got, err := service.Translate(tt.req)
			s.Require().NoError(err)
			s.Equal(tt.want, got)
		})
	}

	_, err := service.Translate(bus.Request{Type: "teleport"})
	s.ErrorIs(err, bus.ErrUnknownRequest)
}

func (s *ServiceTestSuite) TestSetStatusPersistsVisibility() {
	s.Require().NoError(s.svc.Handle(bus.Request{Type: bus.RequestSetStatus, On: true, Visible: true}))

	s.Equal([]string{"PowerOn", "VisibilityOn"}, s.worker.names())
	visible, err := settings.GetBool(s.store, settings.KeyVisibility)
	s.Require().NoError(err)
	s.True(visible)
}

func (s *ServiceTestSuite) TestPowerOffKeepsVisibility() {
	s.Require().NoError(settings.SetBool(s.store, settings.KeyVisibility, true))
	s.Require().NoError(s.svc.Handle(bus.Request{Type: bus.RequestSetStatus}))

	s.Equal([]string{"PowerOff"}, s.worker.names())
	visible, err := settings.GetBool(s.store, settings.KeyVisibility)
	s.Require().NoError(err)
	s.True(visible, "powering off MUST NOT forget the visibility choice")
}

func (s *ServiceTestSuite) TestSetDeviceNamePersists() {
	s.Require().NoError(s.svc.Handle(bus.Request{Type: bus.RequestSetDeviceName, Name: "Pure"}))

	s.Equal([]event.Event{event.SetDeviceName{Name: "Pure"}}, s.worker.posted)
	name, err := settings.GetString(s.store, settings.KeyDeviceName)
	s.Require().NoError(err)
	s.Equal("Pure", name)
}

func (s *ServiceTestSuite) TestBondedDevicesAnsweredFromSettings() {
	// GOAL: Verify the bonded list is served without the radio
	//
	// TEST SCENARIO: stored bonded list and connected device → request → BondedDevices sent, nothing queued
	doc, err := device.EncodeBonded([]device.Device{device.New(headsetAddr, "Headset")})
	s.Require().NoError(err)
	s.Require().NoError(s.store.Set(settings.KeyBondedDevices, doc))
	s.Require().NoError(s.store.Set(settings.KeyConnectedDevice, headsetAddr.String()))

	s.Require().NoError(s.svc.Handle(bus.Request{Type: bus.RequestBondedDevices}))

	s.Empty(s.worker.posted, "bonded list requests MUST NOT reach the controller")
	sent := bus.OfType[bus.BondedDevices](s.sender)
	s.Require().Len(sent, 1)
	s.Require().Len(sent[0].Devices, 1)
	s.Equal(headsetAddr, sent[0].Devices[0].Address)
	s.Equal(headsetAddr.String(), sent[0].Connected)
}

func (s *ServiceTestSuite) TestInvalidRequestRejected() {
	err := s.svc.Handle(bus.Request{Type: bus.RequestConnect})
	s.ErrorIs(err, bus.ErrInvalidRequest)
	s.Empty(s.worker.posted)
}

func (s *ServiceTestSuite) TestQueueErrorSurfaces() {
	s.worker.err = errors.New("queue full")
	err := s.svc.Handle(bus.Request{Type: bus.RequestScan})
	s.ErrorContains(err, "StartScan")
	s.ErrorIs(err, s.worker.err)
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}
