package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

type bondedEntry struct {
	Addr string `json:"addr"`
	Name string `json:"name"`
}

type bondedDocument struct {
	Devices []bondedEntry `json:"devices"`
}

// EncodeBonded serializes devices into the persisted bonded-device
// document {"devices":[{"addr":..,"name":..}]}.
func EncodeBonded(devices []Device) (string, error) {
	doc := bondedDocument{Devices: make([]bondedEntry, 0, len(devices))}
	for _, d := range devices {
		doc.Devices = append(doc.Devices, bondedEntry{Addr: d.Address.String(), Name: d.Name})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode bonded devices: %w", err)
	}
	return string(data), nil
}

// DecodeBonded parses the bonded-device document. An empty document yields
// no devices. Every decoded device is Paired.
func DecodeBonded(doc string) ([]Device, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	var parsed bondedDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("decode bonded devices: %w", err)
	}
	devices := make([]Device, 0, len(parsed.Devices))
	for _, e := range parsed.Devices {
		addr, err := ParseAddress(e.Addr)
		if err != nil {
			return nil, fmt.Errorf("decode bonded devices: %w", err)
		}
		d := New(addr, e.Name)
		d.State = StatePaired
		devices = append(devices, d)
	}
	return devices, nil
}
