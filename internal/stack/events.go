package stack

import (
	"fmt"
	"strings"

	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
)

// Event is a notification from the stack. Events are delivered on the
// worker goroutine to every registered Handler.
type Event interface {
	stackEvent()
}

type base struct{}

func (base) stackEvent() {}

// EventName returns the type name of ev, e.g. "InquiryResult".
func EventName(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	name := fmt.Sprintf("%T", ev)
	return name[strings.LastIndexByte(name, '.')+1:]
}

// HCI.
type (
	StateChanged struct {
		base
		State HCIState
	}
	PinCodeRequest struct {
		base
		Address device.Address
	}
)

// GAP.
type (
	InquiryResult struct {
		base
		Address                device.Address
		ClassOfDevice          uint32
		Name                   string
		NameKnown              bool
		RSSI                   int8
		PageScanRepetitionMode uint8
		ClockOffset            uint16
	}
	InquiryComplete struct{ base }

	RemoteNameRequestComplete struct {
		base
		Address device.Address
		Status  Status
		Name    string
	}
	DedicatedBondingComplete struct {
		base
		Address device.Address
		Status  Status
	}
)

// A2DP source.
type (
	A2DPSignalingEstablished struct {
		base
		Cid     uint16
		Address device.Address
		Status  Status
	}
	A2DPCodecConfigured struct {
		base
		Cid        uint16
		LocalSEID  uint8
		RemoteSEID uint8
		Config     SBCConfig
	}
	A2DPStreamEstablished struct {
		base
		Cid        uint16
		Address    device.Address
		LocalSEID  uint8
		RemoteSEID uint8
		Status     Status
	}
	A2DPStreamStarted struct {
		base
		Cid       uint16
		LocalSEID uint8
	}
	A2DPCanSendMediaPacketNow struct {
		base
		Cid       uint16
		LocalSEID uint8
	}
	A2DPStreamSuspended struct {
		base
		Cid       uint16
		LocalSEID uint8
	}
	A2DPStreamReleased struct {
		base
		Cid       uint16
		LocalSEID uint8
	}
	A2DPSignalingReleased struct {
		base
		Cid uint16
	}
)

// AVRCPOperation is a pass-through operation sent by a controller.
type AVRCPOperation uint8

const (
	OpPlay  AVRCPOperation = 0x44
	OpStop  AVRCPOperation = 0x45
	OpPause AVRCPOperation = 0x46
)

func (o AVRCPOperation) String() string {
	switch o {
	case OpPlay:
		return "play"
	case OpStop:
		return "stop"
	case OpPause:
		return "pause"
	default:
		return fmt.Sprintf("op(0x%02x)", uint8(o))
	}
}

// AVRCP.
type (
	AVRCPConnectionEstablished struct {
		base
		Cid     uint16
		Address device.Address
		Status  Status
	}
	AVRCPConnectionReleased struct {
		base
		Cid uint16
	}
	// AVRCPTargetVolumeChanged is an absolute volume set by the peer.
	AVRCPTargetVolumeChanged struct {
		base
		Cid    uint16
		Volume uint8
	}
	AVRCPOperationReceived struct {
		base
		Cid       uint16
		Operation AVRCPOperation
	}
	// AVRCPControllerVolumeChanged is a volume notification. Interim
	// responses only acknowledge the registration.
	AVRCPControllerVolumeChanged struct {
		base
		Cid     uint16
		Volume  uint8
		Interim bool
	}
)

// HFP audio gateway.
type (
	HFPServiceLevelEstablished struct {
		base
		Acl     bt.Handle
		Address device.Address
		Status  Status
	}
	HFPServiceLevelReleased struct{ base }
	HFPAudioEstablished     struct {
		base
		Sco    bt.Handle
		Codec  bt.Codec
		Status Status
	}
	HFPAudioReleased       struct{ base }
	HFPStartRinging        struct{ base }
	HFPStopRinging         struct{ base }
	HFPPlaceCallWithNumber struct {
		base
		Number string
	}
	HFPAttachNumberToVoiceTag struct{ base }
	HFPTransmitDTMF           struct {
		base
		Codes string
	}
	HFPCallAnswered   struct{ base }
	HFPCallTerminated struct{ base }
	HFPSpeakerVolume  struct {
		base
		Gain int
	}
	HFPMicrophoneVolume struct {
		base
		Gain int
	}
)

// HSP audio gateway.
type (
	HSPRFCOMMConnected struct {
		base
		Status Status
	}
	HSPRFCOMMDisconnected struct {
		base
		Status Status
	}
	HSPAudioConnected struct {
		base
		Sco    bt.Handle
		Status Status
	}
	HSPAudioDisconnected struct{ base }
	HSPMicrophoneGain    struct {
		base
		Gain int
	}
	HSPSpeakerGain struct {
		base
		Gain int
	}
	HSPCommand struct {
		base
		Value string
	}
	HSPButtonPressed struct{ base }
)

// SCO.
type (
	SCOCanSendNow struct{ base }
	SCOData       struct {
		base
		Handle   bt.Handle
		Payload  []byte
		BadFrame bool
	}
)
