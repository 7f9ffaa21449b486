// Package bus is the boundary to the platform message bus. The core sends
// notifications through a Sender handed to it at construction and receives
// Requests decoded by the service layer.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
)

// Sender delivers notifications to the rest of the platform. Send must not
// block the worker for longer than a queue post.
type Sender interface {
	Send(n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(n Notification) error

func (f SenderFunc) Send(n Notification) error { return f(n) }

// Discard drops every notification.
var Discard Sender = SenderFunc(func(Notification) error { return nil })

// Tee sends every notification to each sender in order and joins their
// errors.
func Tee(senders ...Sender) Sender {
	return SenderFunc(func(n Notification) error {
		var errs []error
		for _, s := range senders {
			if err := s.Send(n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Notification is an outbound message. The set is closed.
type Notification interface {
	notification()
}

type sealed struct{}

func (sealed) notification() {}

// Mode is the Bluetooth mode reported to the platform.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeEnabled
	ModeConnectedVoice
	ModeConnectedAudio
	ModeConnectedBoth
)

var modeNames = [...]string{
	ModeDisabled:       "disabled",
	ModeEnabled:        "enabled",
	ModeConnectedVoice: "connected_voice",
	ModeConnectedAudio: "connected_audio",
	ModeConnectedBoth:  "connected_both",
}

func (m Mode) String() string {
	if int(m) >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ModeOf derives the mode from the radio power and the state of the
// active device.
func ModeOf(powered bool, state device.State) Mode {
	if !powered {
		return ModeDisabled
	}
	switch state {
	case device.StateConnectedVoice:
		return ModeConnectedVoice
	case device.StateConnectedAudio:
		return ModeConnectedAudio
	case device.StateConnectedBoth:
		return ModeConnectedBoth
	default:
		return ModeEnabled
	}
}

// CellularAction is a call control request for the cellular subsystem.
type CellularAction string

const (
	CellularAnswer CellularAction = "answer"
	CellularHangup CellularAction = "hangup"
)

type (
	ConnectResult struct {
		sealed
		Device  device.Device `json:"device"`
		Success bool          `json:"success"`
	}
	DisconnectResult struct {
		sealed
		Device device.Device `json:"device"`
	}
	// DeviceListSync carries the devices found by the running scan.
	DeviceListSync struct {
		sealed
		Devices []device.Device `json:"devices"`
	}
	BondedDevices struct {
		sealed
		Devices   []device.Device `json:"devices"`
		Connected string          `json:"connected,omitempty"`
	}
	VolumeChanged struct {
		sealed
		Profile bt.ProfileKind `json:"profile"`
		Volume  int            `json:"volume"`
	}
	ModeChanged struct {
		sealed
		Mode Mode `json:"mode"`
	}
	PairResult struct {
		sealed
		Address device.Address `json:"address"`
		Success bool           `json:"success"`
	}
	UnpairResult struct {
		sealed
		Address device.Address `json:"address"`
		Success bool           `json:"success"`
	}
	// PasskeyRequest asks the PIN-entry UI for a legacy pairing PIN.
	PasskeyRequest struct {
		sealed
		Address device.Address `json:"address"`
	}
	// AudioDeviceState reports a profile's audio path coming up or going away.
	AudioDeviceState struct {
		sealed
		Profile   bt.ProfileKind `json:"profile"`
		Connected bool           `json:"connected"`
	}
	CellularRequest struct {
		sealed
		Action CellularAction `json:"action"`
	}
	AudioStart struct{ sealed }
	AudioPause struct{ sealed }
	HSPButton  struct{ sealed }
)

// Name returns the variant name of n, e.g. "ConnectResult".
func Name(n Notification) string {
	if n == nil {
		return "<nil>"
	}
	name := fmt.Sprintf("%T", n)
	return name[strings.LastIndexByte(name, '.')+1:]
}

// Kind returns the snake_case form of Name, used as the wire type and the
// topic suffix.
func Kind(n Notification) string {
	return snake(Name(n))
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && !unicode.IsUpper(runes[i-1])
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

type envelope struct {
	Type    string       `json:"type"`
	Payload Notification `json:"payload"`
}

// Encode renders n as {"type": kind, "payload": {...}}.
func Encode(n Notification) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("encode notification: nil")
	}
	data, err := json.Marshal(envelope{Type: Kind(n), Payload: n})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", Name(n), err)
	}
	return data, nil
}
