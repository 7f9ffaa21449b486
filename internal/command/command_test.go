package command_test

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/command"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

var headset = device.New(device.MustParseAddress("00:11:22:33:44:55"), "Headset")

type mockDriver struct{ mock.Mock }

func (m *mockDriver) result(method string, args ...any) bt.Result {
	return m.MethodCalled(method, args...).Get(0).(bt.Result)
}

func (m *mockDriver) Scan() bt.Result                      { return m.result("Scan") }
func (m *mockDriver) StopScan() bt.Result                  { return m.result("StopScan") }
func (m *mockDriver) SetVisibility(v bool) bt.Result       { return m.result("SetVisibility", v) }
func (m *mockDriver) SetLocalName(name string) bt.Result   { return m.result("SetLocalName", name) }
func (m *mockDriver) Pair(dev device.Device) bt.Result     { return m.result("Pair", dev) }
func (m *mockDriver) Unpair(dev device.Device) bt.Result   { return m.result("Unpair", dev) }
func (m *mockDriver) PinCodeResponse(pin string) bt.Result { return m.result("PinCodeResponse", pin) }

func (m *mockDriver) ScannedDevices() []device.Device {
	return m.Called().Get(0).([]device.Device)
}

type mockProfiles struct{ mock.Mock }

func (m *mockProfiles) Connect(dev device.Device) bt.Result {
	return m.Called(dev).Get(0).(bt.Result)
}

func (m *mockProfiles) Disconnect() bt.Result {
	return m.Called().Get(0).(bt.Result)
}

type HandlerTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	driver   *mockDriver
	profiles *mockProfiles
	sender   *bus.Recorder
	handler  *command.Handler
}

func (s *HandlerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.driver = &mockDriver{}
	s.profiles = &mockProfiles{}
	s.sender = bus.NewRecorder()
	s.handler = command.New(command.Options{
		Logger:   s.helper.Logger,
		Driver:   s.driver,
		Profiles: s.profiles,
		Sender:   s.sender,
	})
}

func (s *HandlerTestSuite) TestOperationsCallOneCollaborator() {
	// GOAL: Verify each command maps onto exactly one collaborator call
	//
	// TEST SCENARIO: every operation once → matching mock call once → result passed through

	libErr := bt.Result{Code: bt.LibraryError, Status: 0x0c}
	s.driver.On("Scan").Return(bt.Ok()).Once()
	s.driver.On("StopScan").Return(bt.Ok()).Once()
	s.driver.On("SetVisibility", true).Return(bt.Ok()).Once()
	s.driver.On("SetLocalName", "Pure").Return(bt.Ok()).Once()
	s.driver.On("Pair", headset).Return(libErr).Once()
	s.driver.On("Unpair", headset).Return(bt.Ok()).Once()
	s.driver.On("PinCodeResponse", "0000").Return(bt.Fail(bt.NotReady)).Once()
	s.profiles.On("Connect", headset).Return(bt.Ok()).Once()
	s.profiles.On("Disconnect").Return(bt.Ok()).Once()

	s.True(s.handler.Scan().IsSuccess())
	s.True(s.handler.StopScan().IsSuccess())
	s.True(s.handler.SetVisibility(true).IsSuccess())
	s.True(s.handler.SetDeviceName("Pure").IsSuccess())
	s.Equal(libErr, s.handler.Pair(headset), "library errors MUST be passed through untouched")
	s.True(s.handler.Unpair(headset).IsSuccess())
	s.Equal(bt.Fail(bt.NotReady), s.handler.PinCode("0000"))
	s.True(s.handler.Connect(headset).IsSuccess())
	s.True(s.handler.Disconnect().IsSuccess())

	s.driver.AssertExpectations(s.T())
	s.profiles.AssertExpectations(s.T())
	s.Len(s.helper.EntriesAt(logrus.ErrorLevel), 1, "only the failed pairing MUST be logged as an error")
}

func (s *HandlerTestSuite) TestAvailableDevices() {
	s.driver.On("ScannedDevices").Return([]device.Device{headset})
	s.True(s.handler.AvailableDevices().IsSuccess())
	s.Equal([]bus.DeviceListSync{{Devices: []device.Device{headset}}}, bus.OfType[bus.DeviceListSync](s.sender))

	s.sender.FailWith(errors.New("bus down"))
	s.True(s.handler.AvailableDevices().IsSuccess(), "a bus failure MUST NOT fail the command")
	s.Equal([]string{"Device list not delivered"}, s.helper.EntriesAt(logrus.WarnLevel))
}

func (s *HandlerTestSuite) TestMissingProfiles() {
	h := command.New(command.Options{Driver: s.driver})
	s.Equal(bt.Fail(bt.NotReady), h.Connect(headset))
	s.Equal(bt.Fail(bt.NotReady), h.Disconnect())
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}
