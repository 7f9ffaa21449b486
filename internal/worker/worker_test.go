package worker_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/event"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/service"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack/simstack"
	"github.com/srg/btcore/internal/testutils"
	"github.com/srg/btcore/internal/transport"
	"github.com/srg/btcore/internal/worker"
	"github.com/stretchr/testify/suite"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var carkit = simstack.Peer{
	Address:       device.MustParseAddress("66:77:88:99:AA:BB"),
	Name:          "Car Kit",
	ClassOfDevice: device.ClassServiceTelephony,
	NameInInquiry: true,
}

type WorkerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	store  *settings.MemoryStore
	sender *bus.Recorder
	sim    *simstack.Stack
	cancel context.CancelFunc
}

func (s *WorkerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.store = settings.NewMemoryStore()
	s.sender = bus.NewRecorder()
	s.cancel = func() {}
}

func (s *WorkerTestSuite) TearDownTest() {
	s.cancel()
}

func (s *WorkerTestSuite) config() worker.Config {
	s.sim = simstack.New(simstack.Options{Logger: s.helper.Logger, Peers: []simstack.Peer{carkit}})
	return worker.Config{
		Logger:          s.helper.Logger,
		Stack:           s.sim,
		Settings:        s.store,
		Sender:          s.sender,
		InquiryDuration: time.Minute,
		Profiles:        []bt.ProfileKind{bt.ProfileHFP},
	}
}

func (s *WorkerTestSuite) start(cfg worker.Config) *worker.Worker {
	w, err := worker.New(cfg)
	s.Require().NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = func() {
		cancel()
		w.Wait()
	}
	s.Require().NoError(w.Start(ctx))
	return w
}

func (s *WorkerTestSuite) waitForLog(level logrus.Level, msg string) {
	s.Eventually(func() bool {
		return slices.Contains(s.helper.EntriesAt(level), msg)
	}, waitFor, tick, "%q MUST be logged", msg)
}

func (s *WorkerTestSuite) waitForMode(mode bus.Mode) {
	s.Eventually(func() bool {
		modes := bus.OfType[bus.ModeChanged](s.sender)
		return len(modes) > 0 && modes[len(modes)-1].Mode == mode
	}, waitFor, tick, "mode MUST become %s", mode)
}

func (s *WorkerTestSuite) TestNewRequiresSettings() {
	cfg := s.config()
	cfg.Settings = nil
	_, err := worker.New(cfg)
	s.ErrorIs(err, worker.ErrNoSettings)
}

func (s *WorkerTestSuite) TestPowerOnThroughQueues() {
	// GOAL: Verify a posted PowerOn brings the radio up through the run-loop wake queue
	//
	// TEST SCENARIO: Post PowerOn → controller Setup → stack working via wake → ModeChanged(enabled) → bonded list sent

	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))

	s.waitForMode(bus.ModeEnabled)
	s.NotEmpty(bus.OfType[bus.BondedDevices](s.sender), "registration MUST publish the bonded list")

	state, err := s.store.Get(settings.KeyState)
	s.Require().NoError(err)
	s.Equal(string(settings.PowerOn), state)
}

func (s *WorkerTestSuite) TestScanAfterPowerOn() {
	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))
	s.waitForMode(bus.ModeEnabled)
	s.Require().NoError(w.Post(event.StartScan{}))

	s.Eventually(func() bool {
		syncs := bus.OfType[bus.DeviceListSync](s.sender)
		return len(syncs) > 0 && len(syncs[0].Devices) == 1
	}, waitFor, tick, "scan results MUST reach the bus")
}

func (s *WorkerTestSuite) TestBusRequestsDriveWorker() {
	// GOAL: Verify bus requests reach the controller through the service
	//
	// TEST SCENARIO: set_status on → scan → available_devices → scan list republished
	w := s.start(s.config())
	svc := service.New(service.Options{Logger: s.helper.Logger, Worker: w, Settings: s.store, Sender: s.sender})

	s.Require().NoError(svc.Handle(bus.Request{Type: bus.RequestSetStatus, On: true, Visible: true}))
	s.waitForMode(bus.ModeEnabled)
	s.Require().NoError(svc.Handle(bus.Request{Type: bus.RequestScan}))
	s.Eventually(func() bool {
		return len(bus.OfType[bus.DeviceListSync](s.sender)) > 0
	}, waitFor, tick)
	before := len(bus.OfType[bus.DeviceListSync](s.sender))

	s.Require().NoError(svc.Handle(bus.Request{Type: bus.RequestDevices}))
	s.Eventually(func() bool {
		syncs := bus.OfType[bus.DeviceListSync](s.sender)
		return len(syncs) > before && len(syncs[len(syncs)-1].Devices) == 1
	}, waitFor, tick, "available_devices MUST republish the scan list")
}

func (s *WorkerTestSuite) TestBusFailureDoesNotRestart() {
	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))
	s.waitForMode(bus.ModeEnabled)

	s.sender.FailWith(errors.New("broker offline"))
	s.Require().NoError(w.Post(event.AvailableDevices{}))
	s.waitForLog(logrus.WarnLevel, "Device list not delivered")

	s.Require().NoError(w.Post(event.ShutDown{}))
	<-w.Done()
	s.NotContains(s.helper.EntriesAt(logrus.ErrorLevel), "Processing error, restarting",
		"an undelivered notification MUST NOT restart the core")
}

func (s *WorkerTestSuite) TestIOCompletionsReachDriver() {
	// GOAL: Verify transport completions posted with Notify run the driver's callbacks
	//
	// TEST SCENARIO: power on → PacketSent, PacketReceived, TransportError → block counters move, error logged

	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))
	s.waitForMode(bus.ModeEnabled)

	w.Notify(transport.IOEvent{Kind: transport.PacketSent})
	w.Notify(transport.IOEvent{Kind: transport.PacketReceived, Data: []byte{0x04, 0x0e}})
	w.Notify(transport.IOEvent{Kind: transport.TransportError, Err: errors.New("uart overrun")})
	// The I/O queue is FIFO, so the error entry means the packets ran first.
	s.waitForLog(logrus.ErrorLevel, "HCI transport error")

	s.cancel()
	sent, received := s.sim.TransportBlocks()
	s.Equal(1, sent)
	s.Equal(1, received)
	s.Equal(1, s.sim.CallCount("hci.transport_failed"))
}

func (s *WorkerTestSuite) TestTimerPanicIsContained() {
	// GOAL: Verify a panic in a run-loop timer reaches the controller instead of killing the worker
	//
	// TEST SCENARIO: timer panics while On → restart logged → worker keeps serving commands

	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))
	s.waitForMode(bus.ModeEnabled)

	boom := runloop.NewTimer(func(*runloop.Timer) { panic("boom") })
	loop := w.Context().Loop
	s.Require().NoError(loop.ExecuteOnMainThread(func() {
		loop.SetTimeout(boom, 0)
		s.NoError(loop.AddTimer(boom))
	}))
	s.waitForLog(logrus.ErrorLevel, "Worker step panicked")
	s.Contains(s.helper.EntriesAt(logrus.ErrorLevel), "Processing error, restarting")

	s.Require().NoError(w.Post(event.ShutDown{}))
	select {
	case <-w.Done():
	case <-time.After(waitFor):
		s.Fail("worker MUST survive the panic and still handle ShutDown")
	}
}

func (s *WorkerTestSuite) TestConnectAndPowerOff() {
	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))
	s.waitForMode(bus.ModeEnabled)

	s.Require().NoError(w.Post(event.Connect{Device: device.New(carkit.Address, carkit.Name)}))
	s.Eventually(func() bool {
		results := bus.OfType[bus.ConnectResult](s.sender)
		return len(results) == 1 && results[0].Success
	}, waitFor, tick)
	s.waitForMode(bus.ModeConnectedVoice)

	s.Require().NoError(w.Post(event.PowerOff{}))
	s.waitForMode(bus.ModeDisabled)
}

func (s *WorkerTestSuite) TestShutDownStopsWorker() {
	w := s.start(s.config())
	s.Require().NoError(w.Post(event.PowerOn{}))
	s.Require().NoError(w.Post(event.ShutDown{}))

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		s.Fail("worker MUST exit after ShutDown")
	}
}

func (s *WorkerTestSuite) TestCancelStopsWorker() {
	w := s.start(s.config())
	s.cancel()

	select {
	case <-w.Done():
	default:
		s.Fail("Wait MUST return only after the worker exited")
	}
}

func (s *WorkerTestSuite) TestStartTwice() {
	w := s.start(s.config())
	s.ErrorIs(w.Start(context.Background()), worker.ErrAlreadyStarted)
}

func (s *WorkerTestSuite) TestFullQueuesRejectWithoutBlocking() {
	cfg := s.config()
	cfg.CommandQueueSize = 1
	cfg.IOQueueSize = 1
	w, err := worker.New(cfg)
	s.Require().NoError(err)

	s.NoError(w.Post(event.PowerOn{}))
	s.ErrorIs(w.Post(event.StartScan{}), worker.ErrQueueFull)

	w.Notify(transport.IOEvent{Kind: transport.PacketSent})
	w.Notify(transport.IOEvent{Kind: transport.PacketSent})
	w.Trigger()
	w.Trigger()
	s.Len(s.helper.EntriesAt(logrus.ErrorLevel), 2, "each dropped item MUST be logged")
}

func TestWorkerTestSuite(t *testing.T) {
	suite.Run(t, new(WorkerTestSuite))
}
