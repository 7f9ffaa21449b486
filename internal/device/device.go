// Package device models remote Bluetooth devices known to the core: their
// identity, pairing/connection lifecycle, and the ordered registry that
// backs the bonded-device list.
package device

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxNameLength is the HCI remote name limit in bytes.
const MaxNameLength = 248

// State is the pairing/connection lifecycle tag of a device.
type State int

const (
	StateUnknown State = iota
	StatePairing
	StatePaired
	StateConnecting
	StateConnectedVoice
	StateConnectedAudio
	StateConnectedBoth
)

var stateNames = [...]string{
	StateUnknown:        "unknown",
	StatePairing:        "pairing",
	StatePaired:         "paired",
	StateConnecting:     "connecting",
	StateConnectedVoice: "connected_voice",
	StateConnectedAudio: "connected_audio",
	StateConnectedBoth:  "connected_both",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown device state %q", text)
}

// IsConnected reports whether any profile link is up.
func (s State) IsConnected() bool {
	return s == StateConnectedVoice || s == StateConnectedAudio || s == StateConnectedBoth
}

// IsActive reports whether the device takes part in audio routing.
func (s State) IsActive() bool {
	return s == StateConnecting || s.IsConnected()
}

// MergeState folds an incoming state update onto the current one. Voice and
// audio links on the same device combine into StateConnectedBoth; any other
// update replaces the current state.
func MergeState(current, update State) State {
	switch {
	case current == StateConnectedBoth && update.IsConnected():
		return StateConnectedBoth
	case current == StateConnectedVoice && update == StateConnectedAudio,
		current == StateConnectedAudio && update == StateConnectedVoice:
		return StateConnectedBoth
	default:
		return update
	}
}

// Class-of-device service bits that mark a peer able to render or capture audio.
const (
	ClassServiceRendering = 1 << 18
	ClassServiceCapturing = 1 << 19
	ClassServiceAudio     = 1 << 21
	ClassServiceTelephony = 1 << 22

	AudioServicesMask = ClassServiceRendering | ClassServiceAudio | ClassServiceTelephony
)

// ErrNotFound is returned for lookups of unknown addresses.
var ErrNotFound = errors.New("device not found")

// Device is a remote Bluetooth device.
type Device struct {
	Address       Address `json:"address"`
	Name          string  `json:"name"`
	ClassOfDevice uint32  `json:"class_of_device"`
	State         State   `json:"state"`
}

// New creates a device with a bounded name.
func New(addr Address, name string) Device {
	return Device{Address: addr, Name: TruncateName(name)}
}

// Equal compares identity: address and name.
func (d Device) Equal(other Device) bool {
	return d.Address == other.Address && d.Name == other.Name
}

// HasAudioServices reports whether the class of device advertises audio
// rendering or telephony.
func (d Device) HasAudioServices() bool {
	return d.ClassOfDevice&AudioServicesMask != 0
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address.String()
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// TruncateName bounds a name to MaxNameLength bytes without splitting a rune.
func TruncateName(name string) string {
	name = strings.TrimRight(name, "\x00")
	if len(name) <= MaxNameLength {
		return name
	}
	cut := MaxNameLength
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
