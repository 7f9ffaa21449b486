// Package event defines the closed set of commands consumed by the
// connection controller. Every command is an immutable value carrying at
// most one payload; the set is sealed so that only this package can add
// variants.
package event

import (
	"fmt"
	"strings"

	"github.com/srg/btcore/internal/device"
)

// Event is a command for the connection controller.
type Event interface {
	event()
}

type sealed struct{}

func (sealed) event() {}

// Name returns the variant name of ev, e.g. "PowerOn".
func Name(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	name := fmt.Sprintf("%T", ev)
	return name[strings.LastIndexByte(name, '.')+1:]
}

// Power lifecycle.
type (
	PowerOn  struct{ sealed }
	PowerOff struct{ sealed }
	ShutDown struct{ sealed }
)

// Discovery and visibility.
type (
	StartScan     struct{ sealed }
	StopScan      struct{ sealed }
	VisibilityOn  struct{ sealed }
	VisibilityOff struct{ sealed }
	// AvailableDevices republishes the devices found by the current scan.
	AvailableDevices struct{ sealed }
	// SetDeviceName changes the local name advertised to peers.
	SetDeviceName struct {
		sealed
		Name string
	}
)

// Pairing and connection.
type (
	Pair struct {
		sealed
		Device device.Device
	}
	Unpair struct {
		sealed
		Device device.Device
	}
	// PinCode answers a legacy pairing PIN request.
	PinCode struct {
		sealed
		Device device.Device
		Pin    string
	}
	Connect struct {
		sealed
		Device device.Device
	}
	Disconnect struct{ sealed }
)

// Media.
type (
	StartStream struct{ sealed }
	StopStream  struct{ sealed }
)

// Call lifecycle.
type (
	IncomingCallStarted struct{ sealed }
	IncomingCallNumber  struct {
		sealed
		Number string
	}
	OutgoingCallStarted struct {
		sealed
		Number string
	}
	CallAnswered   struct{ sealed }
	CallTerminated struct{ sealed }
	CallMissed     struct{ sealed }
	StartRinging   struct{ sealed }
	StopRinging    struct{ sealed }
	// StartRouting reports that the platform routed call audio to
	// Bluetooth.
	StartRouting struct{ sealed }
)

// Telemetry forwarded from the cellular subsystem.
type (
	SignalStrengthData struct {
		sealed
		Bars int
	}
	OperatorNameData struct {
		sealed
		Name string
	}
	BatteryLevelData struct {
		sealed
		Level int
	}
	NetworkStatusData struct {
		sealed
		Registered bool
		Roaming    bool
	}
)

// IsCallLifecycle reports whether ev drives the call substate.
func IsCallLifecycle(ev Event) bool {
	switch ev.(type) {
	case IncomingCallStarted, IncomingCallNumber, OutgoingCallStarted,
		CallAnswered, CallTerminated, CallMissed:
		return true
	default:
		return false
	}
}
