package profile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/profile"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack"
	"github.com/srg/btcore/internal/stack/simstack"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

var carkit = simstack.Peer{
	Address:       device.MustParseAddress("66:77:88:99:AA:BB"),
	Name:          "Car Kit",
	ClassOfDevice: device.ClassServiceTelephony | device.ClassServiceAudio,
}

type mockEngine struct {
	mock.Mock
	kind bt.ProfileKind
}

func (m *mockEngine) Profile() bt.ProfileKind { return m.kind }

func (m *mockEngine) Init() error {
	return m.Called().Error(0)
}

func (m *mockEngine) DeInit() { m.Called() }

func (m *mockEngine) Connect(dev device.Device) bt.Result {
	return m.Called(dev).Get(0).(bt.Result)
}

func (m *mockEngine) result(method string, args ...any) bt.Result {
	return m.MethodCalled(method, args...).Get(0).(bt.Result)
}

func (m *mockEngine) Disconnect() bt.Result                     { return m.result("Disconnect") }
func (m *mockEngine) Start() bt.Result                          { return m.result("Start") }
func (m *mockEngine) Stop() bt.Result                           { return m.result("Stop") }
func (m *mockEngine) SetAudioDevice(dev audio.Device) bt.Result { return m.result("SetAudioDevice", dev) }

type mockCallEngine struct {
	mockEngine
}

func (m *mockCallEngine) IncomingCallStarted() bt.Result     { return m.result("IncomingCallStarted") }
func (m *mockCallEngine) OutgoingCallAnswered() bt.Result    { return m.result("OutgoingCallAnswered") }
func (m *mockCallEngine) IncomingCallAnswered() bt.Result    { return m.result("IncomingCallAnswered") }
func (m *mockCallEngine) CallTerminated() bt.Result          { return m.result("CallTerminated") }
func (m *mockCallEngine) CallMissed() bt.Result              { return m.result("CallMissed") }
func (m *mockCallEngine) StartRinging() bt.Result            { return m.result("StartRinging") }
func (m *mockCallEngine) StopRinging() bt.Result             { return m.result("StopRinging") }
func (m *mockCallEngine) InitializeCall() bt.Result          { return m.result("InitializeCall") }
func (m *mockCallEngine) CallActive() bool                   { return m.Called().Bool(0) }
func (m *mockCallEngine) SetOperatorName(n string) bt.Result { return m.result("SetOperatorName", n) }

func (m *mockCallEngine) SetIncomingCallNumber(number string) bt.Result {
	return m.result("SetIncomingCallNumber", number)
}

func (m *mockCallEngine) OutgoingCallStarted(number string) bt.Result {
	return m.result("OutgoingCallStarted", number)
}

func (m *mockCallEngine) SetSignalStrength(bars int) bt.Result {
	return m.result("SetSignalStrength", bars)
}

func (m *mockCallEngine) SetBatteryLevel(level int) bt.Result {
	return m.result("SetBatteryLevel", level)
}

func (m *mockCallEngine) SetNetworkStatus(registered, roaming bool) bt.Result {
	return m.result("SetNetworkStatus", registered, roaming)
}

type ManagerTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	music    *mockEngine
	hfp      *mockCallEngine
	hsp      *mockCallEngine
	sender   *bus.Recorder
	registry *device.Registry
	store    *settings.MemoryStore
	powered  bool
}

func (s *ManagerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.music = &mockEngine{kind: bt.ProfileA2DP}
	s.hfp = &mockCallEngine{mockEngine{kind: bt.ProfileHFP}}
	s.hsp = &mockCallEngine{mockEngine{kind: bt.ProfileHSP}}
	s.sender = bus.NewRecorder()
	s.registry = device.NewRegistry()
	s.store = settings.NewMemoryStore()
	s.powered = true
}

func (s *ManagerTestSuite) factory(kind bt.ProfileKind, _ *profile.Manager) profile.Engine {
	switch kind {
	case bt.ProfileA2DP:
		return s.music
	case bt.ProfileHFP:
		return s.hfp
	case bt.ProfileHSP:
		return s.hsp
	}
	return nil
}

func (s *ManagerTestSuite) newManager(kinds ...bt.ProfileKind) *profile.Manager {
	return profile.New(profile.Options{
		Logger:   s.helper.Logger,
		Sender:   s.sender,
		Registry: s.registry,
		Settings: s.store,
		Powered:  func() bool { return s.powered },
		Profiles: kinds,
		Factory:  s.factory,
	})
}

func (s *ManagerTestSuite) initManager(kinds ...bt.ProfileKind) *profile.Manager {
	for _, e := range []*mockEngine{s.music, &s.hfp.mockEngine, &s.hsp.mockEngine} {
		e.On("Init").Return(nil).Maybe()
	}
	m := s.newManager(kinds...)
	s.Require().NoError(m.Init())
	return m
}

func (s *ManagerTestSuite) TestNotReadyBeforeInit() {
	m := s.newManager()
	notReady := bt.Fail(bt.NotReady)
	s.Equal(notReady, m.Connect(device.New(carkit.Address, "")))
	s.Equal(notReady, m.Disconnect())
	s.Equal(notReady, m.Start())
	s.Equal(notReady, m.IncomingCallStarted())
	s.Equal(notReady, m.SetSignalStrength(3))
	s.music.AssertNotCalled(s.T(), "Start")
}

func (s *ManagerTestSuite) TestInitIsIdempotent() {
	m := s.initManager()
	s.NoError(m.Init())
	s.music.AssertNumberOfCalls(s.T(), "Init", 1)
	s.hfp.AssertNumberOfCalls(s.T(), "Init", 1)
	s.hsp.AssertNumberOfCalls(s.T(), "Init", 1)
	s.True(m.Initialized())
}

func (s *ManagerTestSuite) TestInitFailureRollsBack() {
	// GOAL: Verify a failing engine leaves no engine initialized
	//
	// TEST SCENARIO: a2dp Init ok → hfp Init fails → a2dp DeInit → error names hfp

	boom := errors.New("sdp full")
	s.music.On("Init").Return(nil)
	s.music.On("DeInit").Return()
	s.hfp.On("Init").Return(boom)

	m := s.newManager()
	err := m.Init()
	s.ErrorIs(err, boom)
	s.Contains(err.Error(), "hfp")
	s.False(m.Initialized())
	s.music.AssertCalled(s.T(), "DeInit")
	s.hsp.AssertNotCalled(s.T(), "Init")
}

func (s *ManagerTestSuite) TestDeInitRunsInReverse() {
	m := s.initManager()
	var order []bt.ProfileKind
	for _, e := range []*mockEngine{s.music, &s.hfp.mockEngine, &s.hsp.mockEngine} {
		e.On("DeInit").Run(func(mock.Arguments) { order = append(order, e.kind) }).Return()
	}
	m.DeInit()
	m.DeInit()
	s.Equal([]bt.ProfileKind{bt.ProfileHSP, bt.ProfileHFP, bt.ProfileA2DP}, order, "engines MUST be released once, last first")
}

func (s *ManagerTestSuite) TestConnectFansOut() {
	m := s.initManager(bt.ProfileA2DP, bt.ProfileHFP)
	dev := device.New(carkit.Address, carkit.Name)
	s.music.On("Connect", dev).Return(bt.Ok()).Once()
	s.hfp.On("Connect", dev).Return(bt.Ok()).Once()

	s.True(m.Connect(dev).IsSuccess())
	s.music.AssertExpectations(s.T())
	s.hfp.AssertExpectations(s.T())
}

func (s *ManagerTestSuite) TestFanOutResults() {
	tests := []struct {
		name  string
		music bt.Result
		call  bt.Result
		want  bt.Result
	}{
		{"both succeed", bt.Ok(), bt.Ok(), bt.Ok()},
		{"idle engine is not a failure", bt.Ok(), bt.Fail(bt.NotReady), bt.Ok()},
		{"nothing to do", bt.Fail(bt.NotReady), bt.Fail(bt.NotReady), bt.Fail(bt.NotReady)},
		{"failure wins", bt.Ok(), bt.Result{Code: bt.LibraryError, Status: 12}, bt.Result{Code: bt.LibraryError, Status: 12}},
		{"first failure wins", bt.Fail(bt.SystemError), bt.Fail(bt.LibraryError), bt.Fail(bt.SystemError)},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			m := s.initManager(bt.ProfileA2DP, bt.ProfileHFP)
			s.music.On("Disconnect").Return(tt.music)
			s.hfp.On("Disconnect").Return(tt.call)
			s.Equal(tt.want, m.Disconnect())
		})
	}
}

func (s *ManagerTestSuite) TestMusicGoesToA2DP() {
	m := s.initManager()
	s.music.On("Start").Return(bt.Ok())
	s.music.On("Stop").Return(bt.Ok())
	s.True(m.Start().IsSuccess())
	s.True(m.Stop().IsSuccess())
	s.hfp.AssertNotCalled(s.T(), "Start")

	m = s.initManager(bt.ProfileHFP)
	s.Equal(bt.Fail(bt.NotReady), m.Start(), "no music engine MUST mean not ready")
}

func (s *ManagerTestSuite) TestCallsRouteToCallEngine() {
	// GOAL: Verify call lifecycle and telemetry reach only the call engine
	//
	// TEST SCENARIO: hfp and hsp built → every call operation hits hfp → hsp untouched

	m := s.initManager()
	s.hfp.On("IncomingCallStarted").Return(bt.Ok())
	s.hfp.On("SetIncomingCallNumber", "600700800").Return(bt.Ok())
	s.hfp.On("IncomingCallAnswered").Return(bt.Ok())
	s.hfp.On("CallTerminated").Return(bt.Ok())
	s.hfp.On("SetSignalStrength", 4).Return(bt.Ok())
	s.hfp.On("SetBatteryLevel", 80).Return(bt.Ok())
	s.hfp.On("SetNetworkStatus", true, false).Return(bt.Ok())
	s.hfp.On("SetOperatorName", "Orange").Return(bt.Ok())

	s.True(m.IncomingCallStarted().IsSuccess())
	s.True(m.SetIncomingCallNumber("600700800").IsSuccess())
	s.True(m.IncomingCallAnswered().IsSuccess())
	s.True(m.CallTerminated().IsSuccess())
	s.True(m.SetSignalStrength(4).IsSuccess())
	s.True(m.SetBatteryLevel(80).IsSuccess())
	s.True(m.SetNetworkStatus(true, false).IsSuccess())
	s.True(m.SetOperatorName("Orange").IsSuccess())

	s.hfp.AssertExpectations(s.T())
	s.hsp.AssertNotCalled(s.T(), "IncomingCallStarted")
	ce, ok := m.CallEngine()
	s.True(ok)
	s.Equal(bt.ProfileHFP, ce.Profile())
}

func (s *ManagerTestSuite) TestCallProfileSelection() {
	m := s.initManager(bt.ProfileA2DP, bt.ProfileHSP)
	ce, ok := m.CallEngine()
	s.Require().True(ok)
	s.Equal(bt.ProfileHSP, ce.Profile(), "the only call-capable engine MUST take calls")

	m = s.initManager(bt.ProfileA2DP)
	_, ok = m.CallEngine()
	s.False(ok)
	s.Equal(bt.Fail(bt.NotReady), m.CallMissed())
	s.Equal(bt.Fail(bt.NotReady), m.StartRinging())
}

func (s *ManagerTestSuite) TestSetAudioDeviceDispatch() {
	m := s.initManager(bt.ProfileA2DP, bt.ProfileHFP)
	voice := audio.NewStream(bt.ProfileHFP, 0)
	headset := audio.NewStream(bt.ProfileHSP, 0)
	s.hfp.On("SetAudioDevice", voice).Return(bt.Ok())

	s.True(m.SetAudioDevice(voice).IsSuccess())
	s.Equal(bt.Fail(bt.NotReady), m.SetAudioDevice(headset), "a profile without engine MUST be refused")
	s.Equal(bt.Fail(bt.NotReady), m.SetAudioDevice(nil))
	s.music.AssertNotCalled(s.T(), "SetAudioDevice", mock.Anything)
}

func (s *ManagerTestSuite) TestLinksDriveRegistryAndMode() {
	// GOAL: Verify profile links merge into one device state and mode
	//
	// TEST SCENARIO: voice up → audio up → voice down → audio down

	m := s.newManager()
	dev := device.New(carkit.Address, carkit.Name)

	m.LinkUp(dev, device.StateConnectedVoice)
	m.LinkUp(dev, device.StateConnectedAudio)
	active, ok := s.registry.Active()
	s.Require().True(ok)
	s.Equal(device.StateConnectedBoth, active.State)
	connected, err := s.store.Get(settings.KeyConnectedDevice)
	s.Require().NoError(err)
	s.Equal(carkit.Address.String(), connected)

	m.LinkDown(carkit.Address, device.StateConnectedVoice)
	m.LinkDown(carkit.Address, device.StateConnectedAudio)
	stored, ok := s.registry.Get(carkit.Address)
	s.Require().True(ok)
	s.Equal(device.StatePaired, stored.State)
	connected, err = s.store.Get(settings.KeyConnectedDevice)
	s.Require().NoError(err)
	s.Empty(connected, "the last link down MUST clear the connected device")

	s.Equal([]bus.ModeChanged{
		{Mode: bus.ModeConnectedVoice},
		{Mode: bus.ModeConnectedBoth},
		{Mode: bus.ModeConnectedAudio},
		{Mode: bus.ModeEnabled},
	}, bus.OfType[bus.ModeChanged](s.sender))
}

func (s *ManagerTestSuite) TestRefreshModeReportsChangesOnly() {
	m := s.newManager()
	m.RefreshMode()
	m.RefreshMode()
	s.powered = false
	m.RefreshMode()
	s.Equal([]bus.ModeChanged{{Mode: bus.ModeEnabled}, {Mode: bus.ModeDisabled}}, bus.OfType[bus.ModeChanged](s.sender))
	s.Equal(bus.ModeDisabled, m.Mode())
}

func (s *ManagerTestSuite) TestLinkDownForUnknownDevice() {
	m := s.newManager()
	m.LinkDown(carkit.Address, device.StateConnectedAudio)
	s.Empty(s.sender.Sent())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

type ManagerStackTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	loop     *runloop.Loop
	sim      *simstack.Stack
	sender   *bus.Recorder
	registry *device.Registry
	store    *settings.MemoryStore
	manager  *profile.Manager
}

func (s *ManagerStackTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.loop = runloop.New(runloop.Options{Logger: s.helper.Logger, Clock: testutils.NewFakeClock(), DefaultWakePeriod: time.Hour})
	s.sim = simstack.New(simstack.Options{Logger: s.helper.Logger, Peers: []simstack.Peer{carkit}})
	s.Require().NoError(s.sim.Init(stack.Config{RunLoop: s.loop}))
	s.Require().True(s.sim.HCI().PowerControl(true).OK())
	s.loop.Process()

	s.sender = bus.NewRecorder()
	s.registry = device.NewRegistry()
	s.store = settings.NewMemoryStore()
	s.manager = profile.New(profile.Options{
		Logger:   s.helper.Logger,
		Stack:    s.sim,
		RunLoop:  s.loop,
		Sender:   s.sender,
		Registry: s.registry,
		Settings: s.store,
		Profiles: []bt.ProfileKind{bt.ProfileA2DP, bt.ProfileHFP},
	})
	s.Require().NoError(s.manager.Init())
}

func (s *ManagerStackTestSuite) TearDownTest() {
	s.manager.DeInit()
	s.sim.Close()
	s.loop.Close()
}

func (s *ManagerStackTestSuite) TestConnectBothProfiles() {
	// GOAL: Verify one connect request brings up music and voice for a device
	//
	// TEST SCENARIO: Connect → a2dp stream + hfp service level → ConnectedBoth → Disconnect → Enabled

	s.Require().True(s.manager.Connect(device.New(carkit.Address, carkit.Name)).IsSuccess())
	s.loop.Process()
	s.loop.Process()

	active, ok := s.registry.Active()
	s.Require().True(ok)
	s.Equal(device.StateConnectedBoth, active.State)
	s.Equal(bus.ModeConnectedBoth, s.manager.Mode())
	s.Len(bus.OfType[bus.ConnectResult](s.sender), 2, "each profile MUST report its own result")

	s.Require().True(s.manager.Disconnect().IsSuccess())
	s.loop.Process()
	s.loop.Process()

	s.Equal(bus.ModeEnabled, s.manager.Mode())
	connected, err := s.store.Get(settings.KeyConnectedDevice)
	s.Require().NoError(err)
	s.Empty(connected)
}

func (s *ManagerStackTestSuite) TestDeInitDropsLinks() {
	s.Require().True(s.manager.Connect(device.New(carkit.Address, carkit.Name)).IsSuccess())
	s.loop.Process()

	s.manager.DeInit()
	stored, ok := s.registry.Get(carkit.Address)
	s.Require().True(ok)
	s.Equal(device.StatePaired, stored.State, "no link MUST survive deinitialization")
	connected, err := s.store.Get(settings.KeyConnectedDevice)
	s.Require().NoError(err)
	s.Empty(connected)
}

func (s *ManagerStackTestSuite) TestCallReachesGateway() {
	s.Require().True(s.manager.Connect(device.New(carkit.Address, carkit.Name)).IsSuccess())
	s.loop.Process()

	s.True(s.manager.IncomingCallStarted().IsSuccess())
	s.loop.Process()
	s.True(s.sim.HFPRinging())
	s.True(s.manager.CallMissed().IsSuccess())
	s.loop.Process()
	s.False(s.sim.HFPRinging())
}

func TestManagerStackTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerStackTestSuite))
}
