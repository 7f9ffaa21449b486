package main

import (
	"fmt"
	"strings"

	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
)

const shellHelp = `commands:
  on [visible]          power the radio on
  off                   power the radio off
  scan | stop-scan      start or stop discovery
  visible on|off        change visibility
  devices               list the devices found by the scan
  bonded                list the bonded devices
  pair <addr> [name]    bond with a device
  pin <addr> <code>     answer a PIN request
  unpair <addr>         forget a bonded device
  connect <addr>        connect the audio profiles
  disconnect            disconnect the active device
  play | stop           start or stop music streaming
  name <name>           change the local name
  incoming [number]     report an incoming call
  call <number>         report an outgoing call
  answer | hangup       answer or end the call
  missed                report a missed call
  signal <bars>         forward signal strength
  battery <percent>     forward the battery level
  operator <name>       forward the operator name
  quit                  shut the core down`

// parseLine turns one shell line into a bus request. An empty line yields
// ok == false.
func parseLine(line string) (r bus.Request, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return bus.Request{}, false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "on":
		r = bus.Request{Type: bus.RequestSetStatus, On: true, Visible: len(args) > 0 && args[0] == "visible"}
	case "off":
		r = bus.Request{Type: bus.RequestSetStatus}
	case "scan":
		r = bus.Request{Type: bus.RequestScan}
	case "stop-scan":
		r = bus.Request{Type: bus.RequestStopScan}
	case "visible":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return r, false, fmt.Errorf("%w: visible on|off", ErrUsage)
		}
		r = bus.Request{Type: bus.RequestVisible, Visible: args[0] == "on"}
	case "devices":
		r = bus.Request{Type: bus.RequestDevices}
	case "bonded":
		r = bus.Request{Type: bus.RequestBondedDevices}
	case "pair", "unpair", "connect":
		types := map[string]bus.RequestType{"pair": bus.RequestPair, "unpair": bus.RequestUnpair, "connect": bus.RequestConnect}
		if len(args) == 0 {
			return r, false, fmt.Errorf("%w: %s <addr>", ErrUsage, cmd)
		}
		addr, err := device.ParseAddress(args[0])
		if err != nil {
			return r, false, err
		}
		r = bus.Request{Type: types[cmd], Address: addr, Name: strings.Join(args[1:], " ")}
	case "pin":
		if len(args) != 2 {
			return r, false, fmt.Errorf("%w: pin <addr> <code>", ErrUsage)
		}
		addr, err := device.ParseAddress(args[0])
		if err != nil {
			return r, false, err
		}
		r = bus.Request{Type: bus.RequestPinCode, Address: addr, Pin: args[1]}
	case "disconnect":
		r = bus.Request{Type: bus.RequestDisconnect}
	case "play":
		r = bus.Request{Type: bus.RequestPlay}
	case "stop":
		r = bus.Request{Type: bus.RequestStop}
	case "name":
		r = bus.Request{Type: bus.RequestSetDeviceName, Name: strings.Join(args, " ")}
	case "incoming":
		r = bus.Request{Type: bus.RequestIncomingCall}
		if len(args) > 0 {
			r = bus.Request{Type: bus.RequestIncomingCallNumber, Number: args[0]}
		}
	case "call":
		if len(args) != 1 {
			return r, false, fmt.Errorf("%w: call <number>", ErrUsage)
		}
		r = bus.Request{Type: bus.RequestOutgoingCall, Number: args[0]}
	case "answer":
		r = bus.Request{Type: bus.RequestCallAnswered}
	case "hangup":
		r = bus.Request{Type: bus.RequestCallTerminated}
	case "missed":
		r = bus.Request{Type: bus.RequestCallMissed}
	case "signal", "battery":
		if len(args) != 1 {
			return r, false, fmt.Errorf("%w: %s <value>", ErrUsage, cmd)
		}
		var v int
		if _, err := fmt.Sscanf(args[0], "%d", &v); err != nil {
			return r, false, fmt.Errorf("%w: %s <value>: %v", ErrUsage, cmd, err)
		}
		r = bus.Request{Type: bus.RequestSignalStrength, Value: v}
		if cmd == "battery" {
			r.Type = bus.RequestBatteryLevel
		}
	case "operator":
		r = bus.Request{Type: bus.RequestOperatorName, Name: strings.Join(args, " ")}
	case "quit", "exit":
		r = bus.Request{Type: bus.RequestShutdown}
	default:
		return r, false, fmt.Errorf("%w: %q (try help)", ErrUnknownCommand, cmd)
	}
	if err := r.Validate(); err != nil {
		return bus.Request{}, false, err
	}
	return r, true, nil
}
