package bt

import (
	"fmt"

	"github.com/go-ble/ble"
)

// ProfileKind identifies a Bluetooth profile the core can host.
type ProfileKind int

const (
	ProfileNone ProfileKind = iota
	ProfileA2DP
	ProfileHFP
	ProfileHSP
)

// Assigned service class numbers of the audio-gateway side of each profile.
const (
	serviceClassAudioSource   = 0x110A
	serviceClassAudioSink     = 0x110B
	serviceClassHeadsetAG     = 0x1112
	serviceClassHandsfreeAG   = 0x111F
	serviceClassAVRemoteTgt   = 0x110C
	serviceClassAVRemoteCtrl  = 0x110E
	serviceClassGenericAudio  = 0x1203
	serviceClassHeadset       = 0x1108
	serviceClassHandsfreeUnit = 0x111E
)

var profileNames = map[ProfileKind]string{
	ProfileNone: "none",
	ProfileA2DP: "a2dp",
	ProfileHFP:  "hfp",
	ProfileHSP:  "hsp",
}

func (k ProfileKind) String() string {
	if name, ok := profileNames[k]; ok {
		return name
	}
	return fmt.Sprintf("profile(%d)", int(k))
}

func (k ProfileKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ProfileKind) UnmarshalText(text []byte) error {
	v, err := ParseProfileKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// IsCall reports whether the profile carries voice calls.
func (k ProfileKind) IsCall() bool {
	return k == ProfileHFP || k == ProfileHSP
}

// ServiceUUID returns the service class UUID the core registers for the profile.
func (k ProfileKind) ServiceUUID() ble.UUID {
	switch k {
	case ProfileA2DP:
		return ble.UUID16(serviceClassAudioSource)
	case ProfileHFP:
		return ble.UUID16(serviceClassHandsfreeAG)
	case ProfileHSP:
		return ble.UUID16(serviceClassHeadsetAG)
	default:
		return nil
	}
}

// RemoteServiceUUIDs returns the service classes a peer advertises when it
// can act as the counterpart of the profile.
func (k ProfileKind) RemoteServiceUUIDs() []ble.UUID {
	switch k {
	case ProfileA2DP:
		return []ble.UUID{ble.UUID16(serviceClassAudioSink), ble.UUID16(serviceClassAVRemoteTgt), ble.UUID16(serviceClassAVRemoteCtrl)}
	case ProfileHFP:
		return []ble.UUID{ble.UUID16(serviceClassHandsfreeUnit), ble.UUID16(serviceClassGenericAudio)}
	case ProfileHSP:
		return []ble.UUID{ble.UUID16(serviceClassHeadset), ble.UUID16(serviceClassGenericAudio)}
	default:
		return nil
	}
}

// ParseProfileKind accepts the lower-case names produced by String.
func ParseProfileKind(s string) (ProfileKind, error) {
	for k, name := range profileNames {
		if name == s {
			return k, nil
		}
	}
	return ProfileNone, fmt.Errorf("unknown profile %q", s)
}

// Handle is an HCI connection handle.
type Handle uint16

// InvalidHandle marks an ACL or SCO link that does not exist.
const InvalidHandle Handle = 0xFFFF

// Valid reports whether h refers to a live link.
func (h Handle) Valid() bool { return h != InvalidHandle }
