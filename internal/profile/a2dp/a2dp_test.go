package a2dp_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/profile/a2dp"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/stack"
	"github.com/srg/btcore/internal/stack/simstack"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var speaker = simstack.Peer{
	Address:       device.MustParseAddress("00:11:22:33:44:55"),
	Name:          "Speaker",
	ClassOfDevice: device.ClassServiceAudio | device.ClassServiceRendering,
}

type link struct {
	addr device.Address
	up   bool
}

type linkRecorder struct{ links []link }

func (r *linkRecorder) LinkUp(dev device.Device, _ device.State) {
	r.links = append(r.links, link{addr: dev.Address, up: true})
}

func (r *linkRecorder) LinkDown(addr device.Address, _ device.State) {
	r.links = append(r.links, link{addr: addr})
}

type A2DPTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	clock  *testutils.FakeClock
	loop   *runloop.Loop
	sim    *simstack.Stack
	sender *bus.Recorder
	links  *linkRecorder
	engine *a2dp.Engine
}

func (s *A2DPTestSuite) SetupTest() {
	s.setup(simstack.Options{})
}

func (s *A2DPTestSuite) setup(opts simstack.Options) {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = testutils.NewFakeClock()
	s.loop = runloop.New(runloop.Options{Logger: s.helper.Logger, Clock: s.clock, DefaultWakePeriod: time.Hour})
	opts.Logger = s.helper.Logger
	opts.Peers = []simstack.Peer{speaker}
	s.sim = simstack.New(opts)
	s.Require().NoError(s.sim.Init(stack.Config{RunLoop: s.loop}))
	s.Require().True(s.sim.HCI().PowerControl(true).OK())
	s.loop.Process()

	s.sender = bus.NewRecorder()
	s.links = &linkRecorder{}
	s.engine = a2dp.New(a2dp.Options{
		Logger:  s.helper.Logger,
		Stack:   s.sim,
		RunLoop: s.loop,
		Sender:  s.sender,
		Links:   s.links,
	})
}

func (s *A2DPTestSuite) TearDownTest() {
	s.engine.DeInit()
	s.sim.Close()
	s.loop.Close()
}

func (s *A2DPTestSuite) connect() {
	s.Require().NoError(s.engine.Init())
	s.Require().True(s.engine.Connect(device.New(speaker.Address, speaker.Name)).IsSuccess())
	s.loop.Process()
	s.Require().NotNil(s.engine.Media())
}

func (s *A2DPTestSuite) advance(d time.Duration) {
	s.clock.Advance(d)
	s.loop.Process()
}

func (s *A2DPTestSuite) TestNotReadyBeforeInit() {
	dev := device.New(speaker.Address, speaker.Name)
	s.Equal(bt.Fail(bt.NotReady), s.engine.Connect(dev))
	s.Equal(bt.Fail(bt.NotReady), s.engine.Disconnect())
	s.Equal(bt.Fail(bt.NotReady), s.engine.Start())
	s.Equal(bt.Fail(bt.NotReady), s.engine.Stop())
}

func (s *A2DPTestSuite) TestConnectStreamsAndReports() {
	// GOAL: Verify a connect attempt opens the stream and reports success once
	//
	// TEST SCENARIO: Connect → ConnectResult(success) + AudioDeviceState → stream started → link up

	s.connect()

	s.Equal([]string{"ConnectResult", "AudioDeviceState"}, s.sender.Names())
	results := bus.OfType[bus.ConnectResult](s.sender)
	s.True(results[0].Success)
	s.Equal(device.StateConnectedAudio, results[0].Device.State)
	s.Equal([]bus.AudioDeviceState{{Profile: bt.ProfileA2DP, Connected: true}}, bus.OfType[bus.AudioDeviceState](s.sender))
	s.Equal([]link{{addr: speaker.Address, up: true}}, s.links.links)

	s.True(s.engine.Connected())
	s.True(s.engine.Media().Streaming, "stream MUST start once established")
	s.Equal(stack.PlaybackPlaying, s.engine.Playback())
	s.Equal(stack.PlaybackPlaying, s.sim.Playback(), "AVRCP MUST report playing")
}

func (s *A2DPTestSuite) TestMediaPacketCadence() {
	// GOAL: Verify the 10 ms producer fills a packet and flushes it on can-send-now
	//
	// TEST SCENARIO: two ticks → 5 frames buffered → can-send-now → one packet of 5 frames

	s.connect()

	s.advance(a2dp.DefaultPeriod)
	s.Equal(3*119, s.engine.Media().Buffered(), "441 samples MUST encode three 128-sample frames")
	s.False(s.engine.Media().ReadyToSend)

	s.advance(a2dp.DefaultPeriod)
	s.Equal(5*119, s.engine.Media().Buffered(), "frames MUST stop at the payload limit")
	s.True(s.engine.Media().ReadyToSend)

	s.loop.Process()
	packets, frames, bytes := s.sim.MediaStats()
	s.Equal(1, packets)
	s.Equal(5, frames)
	s.Equal(5*119, bytes)
	s.Zero(s.engine.Media().Buffered())
	s.False(s.engine.Media().ReadyToSend)
}

func (s *A2DPTestSuite) TestSampleDebtAccumulates() {
	// GOAL: Verify late ticks are compensated so the long-run rate is exact
	//
	// TEST SCENARIO: first tick 10 ms, then ten 13 ms ticks at 44.1 kHz → 441 + 5733 samples, no remainder

	s.engine.DeInit()
	s.sim.Close()
	s.loop.Close()
	s.setup(simstack.Options{MaxMediaPayload: 1})
	s.connect()

	s.advance(a2dp.DefaultPeriod)
	for range 10 {
		s.advance(13 * time.Millisecond)
	}

	m := s.engine.Media()
	s.Equal(441+5733, m.SamplesReady, "remainders MUST add up to whole samples")
	s.Zero(m.MissedSamples)
	s.Zero(m.Buffered(), "no frame fits a one-byte payload")
}

func (s *A2DPTestSuite) TestFractionalTicksKeepRate() {
	// GOAL: Verify ticks that are not whole milliseconds lose no time
	//
	// TEST SCENARIO: first tick 10 ms, then 1000 ticks of 10.6 ms at 44.1 kHz → 441 + 467460 samples

	s.engine.DeInit()
	s.sim.Close()
	s.loop.Close()
	s.setup(simstack.Options{MaxMediaPayload: 1})
	s.connect()

	s.advance(a2dp.DefaultPeriod)
	for range 1000 {
		s.advance(10600 * time.Microsecond)
	}

	m := s.engine.Media()
	s.Equal(441+467460, m.SamplesReady, "sub-millisecond remainders MUST carry to the next tick")
	s.Zero(m.MissedSamples)
}

func (s *A2DPTestSuite) TestSignalingReleaseDropsMedia() {
	// GOAL: Verify losing signaling while streaming tears the stream down
	//
	// TEST SCENARIO: streaming → signaling released → media gone, audio path reported down → later ticks are harmless

	s.connect()
	s.advance(a2dp.DefaultPeriod)
	s.sender.Reset()

	s.sim.Inject(stack.A2DPSignalingReleased{Cid: 1})
	s.loop.Process()

	s.Nil(s.engine.Media(), "media MUST NOT outlive signaling")
	s.False(s.engine.Connected())
	s.Equal([]string{"AudioDeviceState", "DisconnectResult"}, s.sender.Names())
	s.Equal([]bus.AudioDeviceState{{Profile: bt.ProfileA2DP, Connected: false}}, bus.OfType[bus.AudioDeviceState](s.sender))
	s.Equal(stack.PlaybackStopped, s.engine.Playback())

	s.NotPanics(func() { s.advance(5 * a2dp.DefaultPeriod) })
}

func (s *A2DPTestSuite) TestCodecFailureStopsProducer() {
	s.connect()

	bad := a2dp.Capabilities
	bad.Subbands = 5
	s.sim.Inject(stack.A2DPCodecConfigured{Cid: 1, Config: bad})
	s.loop.Process()

	s.Require().NotNil(s.engine.Media())
	s.False(s.engine.Media().Streaming, "no encoder MUST stop the producer")
	s.NotPanics(func() { s.advance(5 * a2dp.DefaultPeriod) })
	s.NotEmpty(s.helper.EntriesAt(logrus.ErrorLevel))
}

func (s *A2DPTestSuite) TestStopSuspendsAndStartResumes() {
	s.connect()

	s.True(s.engine.Stop().IsSuccess())
	s.loop.Process()
	s.False(s.engine.Media().Streaming)
	s.Equal(stack.PlaybackPaused, s.sim.Playback())

	s.advance(time.Second)
	packets, _, _ := s.sim.MediaStats()
	s.Zero(packets, "a suspended stream MUST NOT send")

	s.True(s.engine.Start().IsSuccess())
	s.loop.Process()
	s.True(s.engine.Media().Streaming)
	s.Equal(stack.PlaybackPlaying, s.sim.Playback())
}

func (s *A2DPTestSuite) TestConnectFailureReportedOnce() {
	s.Require().NoError(s.engine.Init())
	ghost := device.New(device.MustParseAddress("DE:AD:BE:EF:00:01"), "Ghost")
	s.True(s.engine.Connect(ghost).IsSuccess())
	s.loop.Process()

	s.Equal([]bus.ConnectResult{{Device: ghost, Success: false}}, bus.OfType[bus.ConnectResult](s.sender))
	s.False(s.engine.Connected())
	s.Nil(s.engine.Media())
	s.Empty(s.links.links)
}

func (s *A2DPTestSuite) TestConnectRefusedByStack() {
	s.Require().NoError(s.engine.Init())
	s.sim.FailNext("a2dp.establish_stream", stack.StatusBusy)

	res := s.engine.Connect(device.New(speaker.Address, speaker.Name))
	s.Equal(bt.LibraryError, res.Code)
	s.Equal([]string{"ConnectResult"}, s.sender.Names())
	s.False(bus.OfType[bus.ConnectResult](s.sender)[0].Success)
}

func (s *A2DPTestSuite) TestDisconnectReleasesStream() {
	s.connect()
	s.sender.Reset()

	s.True(s.engine.Disconnect().IsSuccess())
	s.loop.Process()

	s.Equal([]string{"AudioDeviceState", "DisconnectResult"}, s.sender.Names())
	s.Nil(s.engine.Media(), "media context MUST be destroyed on release")
	s.False(s.engine.Connected())
	s.Equal(link{addr: speaker.Address}, s.links.links[len(s.links.links)-1])
	s.Equal(bt.Fail(bt.NotReady), s.engine.Disconnect())
}

func (s *A2DPTestSuite) TestAVRCPControls() {
	// GOAL: Verify remote control operations and volume reach the platform
	//
	// TEST SCENARIO: PLAY → AudioStart, PAUSE → AudioPause, volume → VolumeChanged, STOP → disconnect

	s.connect()
	s.sender.Reset()

	s.sim.Inject(stack.AVRCPOperationReceived{Cid: 1, Operation: stack.OpPlay})
	s.sim.Inject(stack.AVRCPOperationReceived{Cid: 1, Operation: stack.OpPause})
	s.sim.Inject(stack.AVRCPControllerVolumeChanged{Cid: 1, Volume: 30, Interim: true})
	s.sim.Inject(stack.AVRCPControllerVolumeChanged{Cid: 1, Volume: 100})
	s.loop.Process()

	s.Equal([]string{"AudioStart", "AudioPause", "VolumeChanged"}, s.sender.Names())
	s.Equal([]bus.VolumeChanged{{Profile: bt.ProfileA2DP, Volume: 100}}, bus.OfType[bus.VolumeChanged](s.sender))
	s.Equal(uint8(100), s.engine.Volume())

	s.sim.Inject(stack.AVRCPOperationReceived{Cid: 1, Operation: stack.OpStop})
	s.loop.Process()
	s.loop.Process()
	s.False(s.engine.Connected(), "STOP MUST disconnect the sink")
	s.Len(bus.OfType[bus.DisconnectResult](s.sender), 1)
}

func (s *A2DPTestSuite) TestReInitDoesNotDuplicateHandlers() {
	s.Require().NoError(s.engine.Init())
	s.Require().NoError(s.engine.Init())
	s.engine.DeInit()
	s.Require().NoError(s.engine.Init())

	s.Require().True(s.engine.Connect(device.New(speaker.Address, speaker.Name)).IsSuccess())
	s.loop.Process()
	s.Len(bus.OfType[bus.ConnectResult](s.sender), 1, "one attempt MUST yield one result")
	s.Equal(2, s.sim.CallCount("a2dp.create_stream_endpoint"))
}

func TestA2DPTestSuite(t *testing.T) {
	suite.Run(t, new(A2DPTestSuite))
}
