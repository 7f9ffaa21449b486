// Package settings is the boundary to the platform's persisted settings.
// The core reads and writes its own keys through a Holder and never owns
// the storage.
package settings

import (
	"errors"
	"fmt"
	"strconv"
)

// Key names a persisted Bluetooth setting.
type Key string

const (
	KeyVisibility      Key = "bt_device_visibility"
	KeyDeviceName      Key = "bt_device_name"
	KeyBondedDevices   Key = "bt_bonded_devices"
	KeyLinkKeys        Key = "bt_link_keys"
	KeyConnectedDevice Key = "bt_connected_device"
	KeyState           Key = "bt_state"
)

// Keys lists every key the core owns.
var Keys = []Key{KeyVisibility, KeyDeviceName, KeyBondedDevices, KeyLinkKeys, KeyConnectedDevice, KeyState}

// ErrNotSet is returned by Get for keys that were never written.
var ErrNotSet = errors.New("setting not set")

// Holder reads and writes settings. Implementations must be safe for
// concurrent use: the service goroutine and the worker both touch them.
type Holder interface {
	Get(key Key) (string, error)
	Set(key Key, value string) error
}

// PowerState is the persisted radio power flag.
type PowerState string

const (
	PowerOff PowerState = "off"
	PowerOn  PowerState = "on"
)

// Snapshot is a typed view of every core setting.
type Snapshot struct {
	Visibility      bool
	DeviceName      string
	BondedDevices   string
	LinkKeys        string
	ConnectedDevice string
	State           PowerState
}

// Load reads a Snapshot. Unset keys keep their zero value; the power
// state defaults to off.
func Load(h Holder) (Snapshot, error) {
	var s Snapshot
	var err error

	if s.Visibility, err = GetBool(h, KeyVisibility); err != nil {
		return s, err
	}
	if s.DeviceName, err = GetString(h, KeyDeviceName); err != nil {
		return s, err
	}
	if s.BondedDevices, err = GetString(h, KeyBondedDevices); err != nil {
		return s, err
	}
	if s.LinkKeys, err = GetString(h, KeyLinkKeys); err != nil {
		return s, err
	}
	if s.ConnectedDevice, err = GetString(h, KeyConnectedDevice); err != nil {
		return s, err
	}
	state, err := GetString(h, KeyState)
	if err != nil {
		return s, err
	}
	s.State = PowerOff
	if PowerState(state) == PowerOn {
		s.State = PowerOn
	}
	return s, nil
}

// GetString returns the value of key, or "" when it is not set.
func GetString(h Holder, key Key) (string, error) {
	v, err := h.Get(key)
	if errors.Is(err, ErrNotSet) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// GetBool parses a boolean setting; unset means false.
func GetBool(h Holder, key Key) (bool, error) {
	v, err := GetString(h, key)
	if err != nil || v == "" {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}

// SetBool writes a boolean setting.
func SetBool(h Holder, key Key, value bool) error {
	return h.Set(key, strconv.FormatBool(value))
}

// ResetPowerState forces the persisted power flag to off. The radio is
// always off after boot whatever was stored before.
func ResetPowerState(h Holder) error {
	return h.Set(KeyState, string(PowerOff))
}
