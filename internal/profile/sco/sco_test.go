package sco_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/profile/sco"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/stack"
	"github.com/srg/btcore/internal/stack/simstack"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var headset = simstack.Peer{
	Address:       device.MustParseAddress("00:11:22:33:44:55"),
	Name:          "Headset",
	ClassOfDevice: device.ClassServiceAudio,
}

type SCOTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	clock  *testutils.FakeClock
	loop   *runloop.Loop
	sim    *simstack.Stack
	engine *sco.Engine
	handle bt.Handle
}

func (s *SCOTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = testutils.NewFakeClock()
	s.loop = runloop.New(runloop.Options{Logger: s.helper.Logger, Clock: s.clock, DefaultWakePeriod: time.Hour})
	s.sim = simstack.New(simstack.Options{Logger: s.helper.Logger, Peers: []simstack.Peer{headset}})
	s.Require().NoError(s.sim.Init(stack.Config{RunLoop: s.loop}))

	s.engine = sco.New(sco.Options{Logger: s.helper.Logger, Stack: s.sim})
	s.handle = bt.InvalidHandle
	s.sim.AddEventHandler(func(ev stack.Event) {
		if e, ok := ev.(stack.HFPAudioEstablished); ok {
			s.handle = e.Sco
		}
		s.engine.HandleEvent(ev)
	})

	// Bring up an HFP audio link so the simulated SCO link is live.
	s.Require().True(s.sim.HCI().PowerControl(true).OK())
	s.loop.Process()
	s.Require().True(s.sim.HFP().Configure(stack.HFPConfig{Codecs: []bt.Codec{bt.CodecCVSD}}).OK())
	s.Require().True(s.sim.HFP().EstablishServiceLevel(headset.Address).OK())
	s.loop.Process()
	s.Require().True(s.sim.HFP().EstablishAudio(0x0040).OK())
	s.loop.Process()
	s.Require().True(s.handle.Valid())
}

func (s *SCOTestSuite) TearDownTest() {
	s.sim.Close()
	s.loop.Close()
}

// tick delivers the next can-send-now.
func (s *SCOTestSuite) tick() {
	s.clock.Advance(simstack.DefaultSCOInterval)
	s.loop.Process()
}

func (s *SCOTestSuite) TestOpenRejectsInvalidHandle() {
	s.Error(s.engine.Open(bt.InvalidHandle, bt.CodecCVSD))
	s.Error(s.engine.Open(s.handle, bt.CodecNone), "codec without decoder MUST be refused")
	s.False(s.engine.Handle().Valid())
}

func (s *SCOTestSuite) TestSilenceWithoutAudioDevice() {
	// GOAL: Verify the send rhythm holds with nothing to play
	//
	// TEST SCENARIO: Open without audio device → three can-send-now → three full-length silent packets

	s.Require().NoError(s.engine.Open(s.handle, bt.CodecCVSD))
	for range 3 {
		s.tick()
	}

	sent, bad := s.sim.SCOStats()
	s.Equal(3, sent)
	s.Zero(bad, "every packet MUST have the link packet length")
	s.Equal(3, s.engine.Stats().SilencePackets)
}

func (s *SCOTestSuite) TestSilenceWhenDeviceDisabled() {
	stream := audio.NewStream(bt.ProfileHFP, 0)
	stream.Feed(bytes.Repeat([]byte{0x11}, 120))
	stream.SetEnabled(false)
	s.engine.SetAudioDevice(stream)

	s.Require().NoError(s.engine.Open(s.handle, bt.CodecCVSD))
	s.tick()

	s.Equal(1, s.engine.Stats().SilencePackets, "disabled device MUST be answered with silence")
}

func (s *SCOTestSuite) TestPlaysFromAudioDevice() {
	stream := audio.NewStream(bt.ProfileHFP, 0)
	stream.Feed(bytes.Repeat([]byte{0x11}, 90))
	s.engine.SetAudioDevice(stream)

	s.Require().NoError(s.engine.Open(s.handle, bt.CodecCVSD))
	s.tick()
	s.tick()
	s.tick()

	stats := s.engine.Stats()
	s.Equal(3, stats.PacketsSent)
	s.Equal(1, stats.SilencePackets, "only the drained third packet MUST be silent")
	_, bad := s.sim.SCOStats()
	s.Zero(bad, "a short read MUST be padded to the packet length")
}

func (s *SCOTestSuite) TestReceiveWritesWholeBlocks() {
	stream := audio.NewStream(bt.ProfileHFP, 0)
	s.engine.SetAudioDevice(stream)
	s.Require().NoError(s.engine.Open(s.handle, bt.CodecCVSD))
	block := s.engine.BlockSize(bt.CodecCVSD)
	s.Equal(160, block)

	for range 5 {
		s.engine.HandleEvent(stack.SCOData{Handle: s.handle, Payload: make([]byte, 60)})
	}
	s.engine.HandleEvent(stack.SCOData{Handle: s.handle + 1, Payload: make([]byte, 60)})

	s.Equal(5, s.engine.Stats().PacketsReceived, "foreign handles MUST be ignored")
	s.Equal(1, s.engine.Stats().BlocksWritten)
	s.Len(stream.Collect(), block)
}

func (s *SCOTestSuite) TestCloseStopsHandling() {
	s.Require().NoError(s.engine.Open(s.handle, bt.CodecCVSD))
	s.engine.Close()
	s.False(s.engine.HandleEvent(stack.SCOCanSendNow{}))
	s.False(s.engine.HandleEvent(stack.SCOData{Handle: s.handle}))
}

func TestSCOTestSuite(t *testing.T) {
	suite.Run(t, new(SCOTestSuite))
}
