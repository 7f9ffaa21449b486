// Package stack is the boundary to the vendor Bluetooth host stack. The
// core never encodes HCI, L2CAP or profile PDUs itself: it calls the
// operations below and reacts to the typed events the stack delivers to
// registered handlers on the worker goroutine.
package stack

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/linkkey"
	"github.com/srg/btcore/internal/runloop"
	"github.com/srg/btcore/internal/transport"
)

// Status is a vendor stack / HCI status code. Zero is success.
type Status uint8

const (
	StatusSuccess             Status = 0x00
	StatusUnknownConnectionID Status = 0x02
	StatusCommandDisallowed   Status = 0x0C
	StatusConnectionTimeout   Status = 0x08
	StatusAuthFailure         Status = 0x05
	StatusBusy                Status = 0x3A
)

// Result maps the status onto the uniform result type.
func (s Status) Result() bt.Result { return bt.FromStatus(int(s)) }

func (s Status) OK() bool { return s == StatusSuccess }

func (s Status) String() string { return fmt.Sprintf("0x%02x", uint8(s)) }

// HCIState is the power state reported by the stack.
type HCIState int

const (
	HCIOff HCIState = iota
	HCIInitializing
	HCIWorking
	HCIHalting
	HCISleeping
)

func (s HCIState) String() string {
	switch s {
	case HCIOff:
		return "off"
	case HCIInitializing:
		return "initializing"
	case HCIWorking:
		return "working"
	case HCIHalting:
		return "halting"
	case HCISleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("hci_state(%d)", int(s))
	}
}

// IOCapability is the secure simple pairing I/O capability.
type IOCapability uint8

const (
	IODisplayOnly IOCapability = iota
	IODisplayYesNo
	IOKeyboardOnly
	IONoInputNoOutput
)

// InquiryMode selects the inquiry result format.
type InquiryMode uint8

const (
	InquiryStandard InquiryMode = iota
	InquiryRSSI
	InquiryRSSIAndEIR
)

// Handler receives stack events.
type Handler func(Event)

// LinkKeyDB is the link-key store handed to the stack at init.
type LinkKeyDB interface {
	Open() error
	Close()
	Get(addr device.Address) (linkkey.Key, linkkey.Type, error)
	Put(addr device.Address, key linkkey.Key, typ linkkey.Type) error
	Delete(addr device.Address) error
}

// Config is what the stack needs at init.
type Config struct {
	// Transport is optional: a nil UART selects the stack's built-in link.
	Transport transport.UART
	RunLoop   *runloop.Loop
	LinkKeys  LinkKeyDB
}

// Stack is the vendor host stack.
type Stack interface {
	Init(cfg Config) error
	Close()
	AddEventHandler(h Handler)

	HCI() HCI
	GAP() GAP
	SDP() SDP
	A2DP() A2DPSource
	AVRCP() AVRCP
	HFP() HFPGateway
	HSP() HSPGateway
	SCO() SCO
	Codecs() Codecs
}

// HCI is power control and the transport completion hooks.
type HCI interface {
	PowerControl(on bool) Status
	State() HCIState
	SetSSPIOCapability(c IOCapability)
	SetSSPAutoAccept(on bool)

	BlockSent()
	BlockReceived(p []byte)
	TransportFailed(err error)
}

// GAP is discovery, visibility and pairing.
type GAP interface {
	SetLocalName(name string)
	SetClassOfDevice(cod uint32)
	SetInquiryMode(m InquiryMode)
	SetDiscoverable(on bool)
	Discoverable() bool
	InquiryStart(duration time.Duration) Status
	InquiryStop() Status
	RemoteNameRequest(addr device.Address, pageScanRepetitionMode uint8, clockOffset uint16) Status
	DedicatedBonding(addr device.Address, mitm bool) Status
	DropLinkKey(addr device.Address)
	PinCodeResponse(addr device.Address, pin string) Status
}

// SDP is the local service discovery database.
type SDP interface {
	// RegisterService publishes the record of a local service. remote
	// lists the peer service classes it connects to.
	RegisterService(uuid ble.UUID, remote []ble.UUID) Status
	UnregisterService(uuid ble.UUID)
}

// SBCConfig is a negotiated SBC configuration.
type SBCConfig struct {
	SamplingFrequency int
	ChannelMode       SBCChannelMode
	BlockLength       int
	Subbands          int
	Allocation        SBCAllocation
	MinBitpool        int
	MaxBitpool        int
}

type SBCChannelMode uint8

const (
	ChannelMono SBCChannelMode = iota
	ChannelDualChannel
	ChannelStereo
	ChannelJointStereo
)

// Channels returns the PCM channel count of the mode.
func (m SBCChannelMode) Channels() int {
	if m == ChannelMono {
		return 1
	}
	return 2
}

type SBCAllocation uint8

const (
	AllocationLoudness SBCAllocation = iota
	AllocationSNR
)

// A2DPSource is the A2DP source role.
type A2DPSource interface {
	CreateStreamEndpoint(caps SBCConfig) (localSEID uint8, st Status)
	EstablishStream(addr device.Address, localSEID uint8) (cid uint16, st Status)
	StartStream(cid uint16, localSEID uint8) Status
	PauseStream(cid uint16, localSEID uint8) Status
	Disconnect(cid uint16) Status
	MaxMediaPayloadSize(cid uint16, localSEID uint8) int
	RequestCanSendNow(cid uint16, localSEID uint8)
	SendMediaPayload(cid uint16, localSEID uint8, storage []byte, numFrames int, marker bool) Status
}

// AVRCPEvent is a notification a peer can register for.
type AVRCPEvent uint8

const (
	AVRCPEventPlaybackStatusChanged AVRCPEvent = 0x01
	AVRCPEventTrackChanged          AVRCPEvent = 0x02
	AVRCPEventVolumeChanged         AVRCPEvent = 0x0D
)

// PlaybackStatus is reported to AVRCP controllers.
type PlaybackStatus uint8

const (
	PlaybackStopped PlaybackStatus = iota
	PlaybackPlaying
	PlaybackPaused
)

func (p PlaybackStatus) String() string {
	switch p {
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// AVRCP is the remote-control companion of A2DP.
type AVRCP interface {
	SetSupportedEvents(events []AVRCPEvent)
	SetPlaybackStatus(cid uint16, status PlaybackStatus) Status
	SetAbsoluteVolume(cid uint16, volume uint8) Status
	EnableNotification(cid uint16, ev AVRCPEvent) Status
}

// HFPIndicator is one AG indicator of the "+CIND" table.
type HFPIndicator struct {
	Index     int
	Name      string
	Min       int
	Max       int
	Value     int
	Mandatory bool
	Enabled   bool
}

// HFPConfig is passed to HFPGateway.Configure.
type HFPConfig struct {
	ServiceName      string
	Codecs           []bt.Codec
	Indicators       []HFPIndicator
	CallHoldServices []string
	SubscriberNumber string
}

// HFPGateway is the hands-free audio gateway role.
type HFPGateway interface {
	Configure(cfg HFPConfig) Status
	EstablishServiceLevel(addr device.Address) Status
	ReleaseServiceLevel(acl bt.Handle) Status
	EstablishAudio(acl bt.Handle) Status
	ReleaseAudio(acl bt.Handle) Status

	SetIndicator(name string, value int) Status
	SetOperatorName(name string) Status
	SetClip(numberType int, number string) Status

	IncomingCall() Status
	OutgoingCallInitiated(number string) Status
	OutgoingCallAccepted() Status
	OutgoingCallRejected() Status
	OutgoingCallEstablished() Status
	AnswerIncomingCall() Status
	TerminateCall() Status
	CallDropped() Status

	SendDTMFCodeDone(acl bt.Handle) Status
	SendPhoneNumberForVoiceTag(acl bt.Handle, number string) Status
	SetSpeakerGain(acl bt.Handle, gain int) Status
	SetMicrophoneGain(acl bt.Handle, gain int) Status
}

// HSPGateway is the headset audio gateway role.
type HSPGateway interface {
	Configure(serviceName string) Status
	Connect(addr device.Address) Status
	Disconnect() Status
	EstablishAudio() Status
	ReleaseAudio() Status
	StartRinging() Status
	StopRinging() Status
	SetSpeakerGain(gain int) Status
	SetMicrophoneGain(gain int) Status
}

// SCO is the synchronous voice link.
type SCO interface {
	RequestCanSendNow()
	PacketLength() int
	Send(handle bt.Handle, payload []byte) Status
}

// SBCEncoder turns interleaved PCM into SBC frames.
type SBCEncoder interface {
	// SamplesPerFrame is the number of PCM samples per channel consumed by
	// one Encode call.
	SamplesPerFrame() int
	FrameLength() int
	Channels() int
	Encode(pcm []int16) []byte
}

// VoiceDecoder decodes SCO payloads into 16-bit PCM.
type VoiceDecoder interface {
	Codec() bt.Codec
	// Decode returns little-endian PCM bytes. A bad frame is concealed.
	Decode(payload []byte, badFrame bool) []byte
}

// Codecs are the codec primitives shipped with the stack.
type Codecs interface {
	NewSBCEncoder(cfg SBCConfig) (SBCEncoder, error)
	NewVoiceDecoder(codec bt.Codec) (VoiceDecoder, error)
}
