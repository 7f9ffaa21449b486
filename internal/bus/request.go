package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/btcore/internal/device"
)

// RequestType names an inbound command.
type RequestType string

const (
	RequestScan          RequestType = "scan"
	RequestStopScan      RequestType = "stop_scan"
	RequestVisible       RequestType = "visible"
	RequestPair          RequestType = "pair"
	RequestUnpair        RequestType = "unpair"
	RequestPinCode       RequestType = "pin_code"
	RequestConnect       RequestType = "connect"
	RequestDisconnect    RequestType = "disconnect"
	RequestPlay          RequestType = "play"
	RequestStop          RequestType = "stop"
	RequestSetStatus     RequestType = "set_status"
	RequestSetDeviceName RequestType = "set_device_name"
	RequestBondedDevices RequestType = "request_bonded_devices"
	RequestDevices       RequestType = "available_devices"
	RequestShutdown      RequestType = "shutdown"

	// Telephony and telemetry from the cellular subsystem.
	RequestIncomingCall       RequestType = "incoming_call"
	RequestIncomingCallNumber RequestType = "incoming_call_number"
	RequestOutgoingCall       RequestType = "outgoing_call"
	RequestCallAnswered       RequestType = "call_answered"
	RequestCallTerminated     RequestType = "call_terminated"
	RequestCallMissed         RequestType = "call_missed"
	RequestStartRouting       RequestType = "start_routing"
	RequestSignalStrength     RequestType = "signal_strength"
	RequestOperatorName       RequestType = "operator_name"
	RequestBatteryLevel       RequestType = "battery_level"
	RequestNetworkStatus      RequestType = "network_status"
)

var requestNeedsAddress = map[RequestType]bool{
	RequestPair:    true,
	RequestUnpair:  true,
	RequestPinCode: true,
	RequestConnect: true,
}

var knownRequests = map[RequestType]bool{
	RequestScan: true, RequestStopScan: true, RequestVisible: true,
	RequestPair: true, RequestUnpair: true, RequestPinCode: true,
	RequestConnect: true, RequestDisconnect: true, RequestPlay: true,
	RequestStop: true, RequestSetStatus: true, RequestSetDeviceName: true,
	RequestBondedDevices: true, RequestDevices: true, RequestShutdown: true,
	RequestIncomingCall: true, RequestIncomingCallNumber: true,
	RequestOutgoingCall: true, RequestCallAnswered: true,
	RequestCallTerminated: true, RequestCallMissed: true,
	RequestStartRouting: true,
	RequestSignalStrength: true, RequestOperatorName: true,
	RequestBatteryLevel: true, RequestNetworkStatus: true,
}

var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is an inbound command. Only the fields of its type are set.
type Request struct {
	Type       RequestType    `json:"type"`
	Address    device.Address `json:"address,omitzero"`
	Name       string         `json:"name,omitempty"`
	Number     string         `json:"number,omitempty"`
	Pin        string         `json:"pin,omitempty"`
	On         bool           `json:"on,omitempty"`
	Visible    bool           `json:"visible,omitempty"`
	Value      int            `json:"value,omitempty"`
	Registered bool           `json:"registered,omitempty"`
	Roaming    bool           `json:"roaming,omitempty"`
}

// Validate checks the type is known and its mandatory fields are set.
func (r Request) Validate() error {
	if !knownRequests[r.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownRequest, r.Type)
	}
	if requestNeedsAddress[r.Type] && r.Address.IsZero() {
		return fmt.Errorf("%w: %s needs an address", ErrInvalidRequest, r.Type)
	}
	switch r.Type {
	case RequestSetDeviceName:
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: empty device name", ErrInvalidRequest)
		}
	case RequestIncomingCallNumber, RequestOutgoingCall:
		if r.Number == "" {
			return fmt.Errorf("%w: %s needs a number", ErrInvalidRequest, r.Type)
		}
	}
	return nil
}

// DecodeRequest parses and validates a JSON request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}
