// Package simstack is an in-memory vendor stack. It answers every
// operation the way a radio with a fixed set of nearby peers would, and
// delivers the resulting events through the run loop so they reach the
// core on the worker goroutine, exactly like the real stack.
//
// Tests drive it by calling runloop.Loop.Process and inspect it through
// Calls, CallCount and the media/SCO counters. FailNext injects a status
// for the next call of an operation.
package simstack

import (
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/linkkey"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/stack"
	"github.com/srg/btcore/internal/transport"
)

const (
	DefaultSCOPacketLength = 60
	DefaultSCOInterval     = 7500 * time.Microsecond
	DefaultMaxMediaPayload = 672
	DefaultInquiryDuration = 200 * time.Millisecond

	firstACLHandle bt.Handle = 0x0040
	firstSCOHandle bt.Handle = 0x0080
	localSEID                = 1
	remoteSEID               = 2
)

// hciReset is the H4 HCI_Reset command sent on power-up.
var hciReset = []byte{0x01, 0x03, 0x0c, 0x00}

// Peer is a remote device within radio range.
type Peer struct {
	Address       device.Address
	Name          string
	ClassOfDevice uint32
	RSSI          int8
	// NameInInquiry reports the name in the inquiry result itself.
	NameInInquiry bool
	// Pin, when set, makes bonding go through a legacy PIN request.
	Pin           string
	RejectPairing bool
	// Services are the service classes the peer advertises. Empty means
	// the peer accepts every profile.
	Services []ble.UUID
}

// Options configures a Stack. Zero values select the defaults.
type Options struct {
	Logger          *logrus.Logger
	Peers           []Peer
	SCOPacketLength int
	SCOInterval     time.Duration
	MaxMediaPayload int
	InquiryDuration time.Duration
	// SCOLoopback echoes every sent SCO packet back as received data.
	SCOLoopback bool
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Stack is the simulated vendor stack.
type Stack struct {
	logger *logrus.Logger
	opts   Options

	loop     *runloop.Loop
	uart     transport.UART
	linkKeys stack.LinkKeyDB
	handlers []stack.Handler
	initErr  error

	mu       sync.Mutex
	calls    []string
	failures map[string]stack.Status

	state        stack.HCIState
	ioCap        stack.IOCapability
	autoAccept   bool
	localName    string
	cod          uint32
	inquiryMode  stack.InquiryMode
	discoverable bool
	inquiry      *runloop.Timer
	pendingPin   map[device.Address]bool
	services     map[string][]ble.UUID
	timers       []*runloop.Timer

	blocksSent     int
	blocksReceived int

	nextCid       uint16
	a2dpCid       uint16
	a2dpPeer      device.Address
	mediaPackets  int
	mediaFrames   int
	mediaBytes    int
	avrcpEvents   []stack.AVRCPEvent
	volume        uint8
	playback      stack.PlaybackStatus
	hfpConfig     stack.HFPConfig
	hfpAcl        bt.Handle
	hfpSco        bt.Handle
	hfpRinging    bool
	indicators    map[string]int
	operator      string
	hspConnected  bool
	hspSco        bt.Handle
	scoSent       int
	scoBadLengths int
}

var _ stack.Stack = (*Stack)(nil)

func New(opts Options) *Stack {
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	if opts.SCOPacketLength <= 0 {
		opts.SCOPacketLength = DefaultSCOPacketLength
	}
	if opts.SCOInterval <= 0 {
		opts.SCOInterval = DefaultSCOInterval
	}
	if opts.MaxMediaPayload <= 0 {
		opts.MaxMediaPayload = DefaultMaxMediaPayload
	}
	if opts.InquiryDuration <= 0 {
		opts.InquiryDuration = DefaultInquiryDuration
	}
	return &Stack{
		logger:     opts.Logger,
		opts:       opts,
		failures:   make(map[string]stack.Status),
		pendingPin: make(map[device.Address]bool),
		services:   make(map[string][]ble.UUID),
		indicators: make(map[string]int),
		hfpAcl:     bt.InvalidHandle,
		hfpSco:     bt.InvalidHandle,
		hspSco:     bt.InvalidHandle,
	}
}

// ErrInitFailed is returned by Init after FailInit.
var ErrInitFailed = errors.New("simstack: init failed")

// FailInit makes the next Init calls fail until cleared with nil.
func (s *Stack) FailInit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr = err
}

// FailNext makes the next call of op return st.
func (s *Stack) FailNext(op string, st stack.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = st
}

// Calls returns every operation invoked so far, in order.
func (s *Stack) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times op was invoked.
func (s *Stack) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (s *Stack) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// call logs op and returns the failure injected for it, if any.
func (s *Stack) call(op string) stack.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if st, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return st
	}
	return stack.StatusSuccess
}

// peerFor returns the peer at addr when it advertises one of the service
// classes the local service registered for local connects to.
func (s *Stack) peerFor(addr device.Address, local ble.UUID) (Peer, bool) {
	p, ok := s.peer(addr)
	if !ok || len(p.Services) == 0 {
		return p, ok
	}
	for _, u := range s.services[local.String()] {
		if slices.ContainsFunc(p.Services, u.Equal) {
			return p, true
		}
	}
	return Peer{}, false
}

// ServiceRegistered reports whether a local record exists for uuid.
func (s *Stack) ServiceRegistered(uuid ble.UUID) bool {
	_, ok := s.services[uuid.String()]
	return ok
}

func (s *Stack) peer(addr device.Address) (Peer, bool) {
	for _, p := range s.opts.Peers {
		if p.Address == addr {
			return p, true
		}
	}
	return Peer{}, false
}

func (s *Stack) Init(cfg stack.Config) error {
	s.call("init")
	s.mu.Lock()
	err := s.initErr
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.loop = cfg.RunLoop
	s.uart = cfg.Transport
	s.linkKeys = cfg.LinkKeys
	if s.linkKeys != nil {
		if err := s.linkKeys.Open(); err != nil {
			return err
		}
	}
	s.state = stack.HCIOff
	s.logger.Debug("Simulated stack initialized")
	return nil
}

func (s *Stack) Close() {
	s.call("close")
	s.cancelTimers()
	if s.linkKeys != nil {
		s.linkKeys.Close()
	}
	s.handlers = nil
	s.state = stack.HCIOff
}

func (s *Stack) AddEventHandler(h stack.Handler) {
	if h != nil {
		s.handlers = append(s.handlers, h)
	}
}

// Dispatch delivers ev to every handler immediately.
func (s *Stack) Dispatch(ev stack.Event) {
	s.logger.WithField("event", stack.EventName(ev)).Trace("Simulated stack event")
	for _, h := range s.handlers {
		h(ev)
	}
}

// Inject queues ev for delivery on the next run-loop pass.
func (s *Stack) Inject(ev stack.Event) { s.emit(ev) }

func (s *Stack) emit(ev stack.Event) {
	if s.loop == nil {
		s.Dispatch(ev)
		return
	}
	if err := s.loop.ExecuteOnMainThread(func() { s.Dispatch(ev) }); err != nil {
		s.logger.WithError(err).WithField("event", stack.EventName(ev)).Warn("Dropping simulated event")
	}
}

// emitAfter delivers ev from a run-loop timer d from now.
func (s *Stack) emitAfter(d time.Duration, ev stack.Event) *runloop.Timer {
	return s.after(d, func() { s.Dispatch(ev) })
}

// after runs fn from a run-loop timer d from now. Without a run loop fn
// runs immediately.
func (s *Stack) after(d time.Duration, fn func()) *runloop.Timer {
	if s.loop == nil {
		fn()
		return nil
	}
	t := runloop.NewTimer(func(t *runloop.Timer) {
		s.forgetTimer(t)
		fn()
	})
	s.loop.SetTimeout(t, d)
	if err := s.loop.AddTimer(t); err != nil {
		s.logger.WithError(err).Warn("Simulated timer not scheduled")
		return nil
	}
	s.timers = append(s.timers, t)
	return t
}

func (s *Stack) forgetTimer(t *runloop.Timer) {
	if i := slices.Index(s.timers, t); i >= 0 {
		s.timers = slices.Delete(s.timers, i, i+1)
	}
}

func (s *Stack) cancelTimer(t *runloop.Timer) {
	if t == nil || s.loop == nil {
		return
	}
	s.loop.RemoveTimer(t)
	s.forgetTimer(t)
}

func (s *Stack) cancelTimers() {
	if s.loop != nil {
		for _, t := range s.timers {
			s.loop.RemoveTimer(t)
		}
	}
	s.timers = nil
	s.inquiry = nil
}

func (s *Stack) HCI() stack.HCI                   { return hci{s} }
func (s *Stack) GAP() stack.GAP                   { return gap{s} }
func (s *Stack) SDP() stack.SDP                   { return sdp{s} }
func (s *Stack) A2DP() stack.A2DPSource           { return a2dp{s} }
func (s *Stack) AVRCP() stack.AVRCP               { return avrcp{s} }
func (s *Stack) HFP() stack.HFPGateway            { return hfp{s} }
func (s *Stack) HSP() stack.HSPGateway            { return hsp{s} }
func (s *Stack) SCO() stack.SCO                   { return sco{s} }
func (s *Stack) Codecs() stack.Codecs             { return codecs{} }
func (s *Stack) LocalName() string                { return s.localName }
func (s *Stack) ClassOfDevice() uint32            { return s.cod }
func (s *Stack) IOCapability() stack.IOCapability { return s.ioCap }
func (s *Stack) SSPAutoAccept() bool              { return s.autoAccept }

// MediaStats returns the A2DP packets, frames and bytes sent so far.
func (s *Stack) MediaStats() (packets, frames, bytes int) {
	return s.mediaPackets, s.mediaFrames, s.mediaBytes
}

// SCOStats returns the SCO packets sent and how many had a wrong length.
func (s *Stack) SCOStats() (sent, badLength int) { return s.scoSent, s.scoBadLengths }

// TransportBlocks returns the UART blocks sent and received.
func (s *Stack) TransportBlocks() (sent, received int) { return s.blocksSent, s.blocksReceived }

// Indicator returns the last value set for an HFP AG indicator.
func (s *Stack) Indicator(name string) (int, bool) {
	v, ok := s.indicators[name]
	return v, ok
}

func (s *Stack) Operator() string                { return s.operator }
func (s *Stack) Volume() uint8                   { return s.volume }
func (s *Stack) Playback() stack.PlaybackStatus  { return s.playback }
func (s *Stack) HFPConfig() stack.HFPConfig      { return s.hfpConfig }
func (s *Stack) HFPRinging() bool                { return s.hfpRinging }
func (s *Stack) AVRCPEvents() []stack.AVRCPEvent { return slices.Clone(s.avrcpEvents) }

type hci struct{ s *Stack }

func (h hci) PowerControl(on bool) stack.Status {
	s := h.s
	if st := s.call("hci.power_control"); !st.OK() {
		return st
	}
	if !on {
		s.cancelTimers()
		s.state = stack.HCIOff
		s.emit(stack.StateChanged{State: stack.HCIOff})
		return stack.StatusSuccess
	}

	s.state = stack.HCIInitializing
	if s.uart != nil {
		if err := s.uart.SendBlock(hciReset); err != nil {
			s.logger.WithError(err).Warn("HCI reset not sent")
		}
	}
	s.state = stack.HCIWorking
	s.emit(stack.StateChanged{State: stack.HCIWorking})
	return stack.StatusSuccess
}

func (h hci) State() stack.HCIState { return h.s.state }

func (h hci) SetSSPIOCapability(c stack.IOCapability) {
	h.s.call("hci.set_io_capability")
	h.s.ioCap = c
}

func (h hci) SetSSPAutoAccept(on bool) {
	h.s.call("hci.set_auto_accept")
	h.s.autoAccept = on
}

func (h hci) BlockSent() {
	h.s.blocksSent++
	if h.s.uart != nil {
		// Command complete for the reset: 04 0e 04 01 03 0c 00.
		if err := h.s.uart.ReceiveBlock(7); err != nil && !errors.Is(err, transport.ErrBlockPending) {
			h.s.logger.WithError(err).Debug("HCI receive not armed")
		}
	}
}

func (h hci) BlockReceived(p []byte) {
	h.s.blocksReceived++
	h.s.logger.WithField("len", len(p)).Trace("HCI block received")
}

func (h hci) TransportFailed(err error) {
	h.s.call("hci.transport_failed")
	h.s.logger.WithError(err).Warn("HCI transport failed")
	h.s.state = stack.HCIOff
	h.s.emit(stack.StateChanged{State: stack.HCIOff})
}

type gap struct{ s *Stack }

func (g gap) SetLocalName(name string) {
	g.s.call("gap.set_local_name")
	g.s.localName = name
}

func (g gap) SetClassOfDevice(cod uint32) {
	g.s.call("gap.set_class_of_device")
	g.s.cod = cod
}

func (g gap) SetInquiryMode(m stack.InquiryMode) {
	g.s.call("gap.set_inquiry_mode")
	g.s.inquiryMode = m
}

func (g gap) SetDiscoverable(on bool) {
	g.s.call("gap.set_discoverable")
	g.s.discoverable = on
}

func (g gap) Discoverable() bool { return g.s.discoverable }

func (g gap) InquiryStart(duration time.Duration) stack.Status {
	s := g.s
	if st := s.call("gap.inquiry_start"); !st.OK() {
		return st
	}
	if s.state != stack.HCIWorking {
		return stack.StatusCommandDisallowed
	}
	if s.inquiry != nil {
		return stack.StatusCommandDisallowed
	}
	if duration <= 0 {
		duration = s.opts.InquiryDuration
	}
	for _, p := range s.opts.Peers {
		ev := stack.InquiryResult{
			Address:       p.Address,
			ClassOfDevice: p.ClassOfDevice,
			RSSI:          p.RSSI,
			NameKnown:     p.NameInInquiry,
		}
		if p.NameInInquiry {
			ev.Name = p.Name
		}
		s.emit(ev)
	}
	s.inquiry = s.after(duration, func() {
		s.inquiry = nil
		s.Dispatch(stack.InquiryComplete{})
	})
	return stack.StatusSuccess
}

func (g gap) InquiryStop() stack.Status {
	s := g.s
	if st := s.call("gap.inquiry_stop"); !st.OK() {
		return st
	}
	s.cancelTimer(s.inquiry)
	s.inquiry = nil
	return stack.StatusSuccess
}

func (g gap) RemoteNameRequest(addr device.Address, _ uint8, _ uint16) stack.Status {
	s := g.s
	if st := s.call("gap.remote_name_request"); !st.OK() {
		return st
	}
	p, ok := s.peer(addr)
	if !ok {
		s.emit(stack.RemoteNameRequestComplete{Address: addr, Status: stack.StatusConnectionTimeout})
		return stack.StatusSuccess
	}
	s.emit(stack.RemoteNameRequestComplete{Address: addr, Name: p.Name})
	return stack.StatusSuccess
}

func (g gap) DedicatedBonding(addr device.Address, _ bool) stack.Status {
	s := g.s
	if st := s.call("gap.dedicated_bonding"); !st.OK() {
		return st
	}
	if s.state != stack.HCIWorking {
		return stack.StatusCommandDisallowed
	}
	p, ok := s.peer(addr)
	switch {
	case !ok:
		s.emit(stack.DedicatedBondingComplete{Address: addr, Status: stack.StatusConnectionTimeout})
	case p.RejectPairing:
		s.emit(stack.DedicatedBondingComplete{Address: addr, Status: stack.StatusAuthFailure})
	case p.Pin != "":
		s.pendingPin[addr] = true
		s.emit(stack.PinCodeRequest{Address: addr})
	default:
		s.bond(addr)
	}
	return stack.StatusSuccess
}

func (s *Stack) bond(addr device.Address) {
	if s.linkKeys != nil {
		var key linkkey.Key
		copy(key[:], addr[:])
		copy(key[len(addr):], addr[:])
		if err := s.linkKeys.Put(addr, key, linkkey.TypeUnauthenticatedP192); err != nil {
			s.logger.WithError(err).Warn("Link key not stored")
		}
	}
	s.emit(stack.DedicatedBondingComplete{Address: addr})
}

func (g gap) DropLinkKey(addr device.Address) {
	s := g.s
	s.call("gap.drop_link_key")
	if s.linkKeys != nil {
		if err := s.linkKeys.Delete(addr); err != nil {
			s.logger.WithError(err).Warn("Link key not deleted")
		}
	}
}

func (g gap) PinCodeResponse(addr device.Address, pin string) stack.Status {
	s := g.s
	if st := s.call("gap.pin_code_response"); !st.OK() {
		return st
	}
	if !s.pendingPin[addr] {
		return stack.StatusCommandDisallowed
	}
	delete(s.pendingPin, addr)
	p, _ := s.peer(addr)
	if pin != p.Pin {
		s.emit(stack.DedicatedBondingComplete{Address: addr, Status: stack.StatusAuthFailure})
		return stack.StatusSuccess
	}
	s.bond(addr)
	return stack.StatusSuccess
}

type sdp struct{ s *Stack }

func (d sdp) RegisterService(uuid ble.UUID, remote []ble.UUID) stack.Status {
	if st := d.s.call("sdp.register_service"); !st.OK() {
		return st
	}
	d.s.services[uuid.String()] = slices.Clone(remote)
	return stack.StatusSuccess
}

func (d sdp) UnregisterService(uuid ble.UUID) {
	d.s.call("sdp.unregister_service")
	delete(d.s.services, uuid.String())
}
