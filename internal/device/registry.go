package device

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry keeps the devices known to the core in discovery order. The
// same address never appears twice: re-inserting merges into the
// existing entry.
type Registry struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[Address, *Device]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: orderedmap.New[Address, *Device]()}
}

// Upsert inserts dev or merges it into the entry with the same address.
// A non-empty name and a non-zero class of device overwrite the stored
// ones; the state is combined with MergeState unless the update carries
// StateUnknown. The merged device is returned.
func (r *Registry) Upsert(dev Device) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices.Get(dev.Address)
	if !ok {
		stored := dev
		stored.Name = TruncateName(stored.Name)
		r.devices.Set(dev.Address, &stored)
		r.demoteOthersLocked(stored)
		return stored
	}

	if dev.Name != "" {
		existing.Name = TruncateName(dev.Name)
	}
	if dev.ClassOfDevice != 0 {
		existing.ClassOfDevice = dev.ClassOfDevice
	}
	if dev.State != StateUnknown {
		existing.State = MergeState(existing.State, dev.State)
	}
	r.demoteOthersLocked(*existing)
	return *existing
}

// SetState merges state into the device at addr.
func (r *Registry) SetState(addr Address, state State) (Device, error) {
	r.mu.RLock()
	_, ok := r.devices.Get(addr)
	r.mu.RUnlock()
	if !ok {
		return Device{}, ErrNotFound
	}
	return r.Upsert(Device{Address: addr, State: state}), nil
}

// DropLink removes one profile link from the device at addr: dropping
// voice from StateConnectedBoth leaves StateConnectedAudio and vice versa.
// Dropping the last link leaves the device Paired.
func (r *Registry) DropLink(addr Address, link State) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices.Get(addr)
	if !ok {
		return Device{}, ErrNotFound
	}
	switch {
	case existing.State == StateConnectedBoth && link == StateConnectedVoice:
		existing.State = StateConnectedAudio
	case existing.State == StateConnectedBoth && link == StateConnectedAudio:
		existing.State = StateConnectedVoice
	case existing.State.IsActive():
		existing.State = StatePaired
	}
	return *existing, nil
}

// demoteOthersLocked keeps at most one device active for audio routing.
func (r *Registry) demoteOthersLocked(active Device) {
	if !active.State.IsActive() {
		return
	}
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key != active.Address && pair.Value.State.IsActive() {
			pair.Value.State = StatePaired
		}
	}
}

// Get returns a copy of the device at addr.
func (r *Registry) Get(addr Address) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices.Get(addr)
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Remove deletes the device at addr and reports whether it existed.
func (r *Registry) Remove(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices.Delete(addr)
	return ok
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// Devices returns a snapshot in insertion order.
func (r *Registry) Devices() []Device {
	return r.filter(func(Device) bool { return true })
}

// Bonded returns the devices that completed pairing.
func (r *Registry) Bonded() []Device {
	return r.filter(func(d Device) bool {
		return d.State == StatePaired || d.State.IsActive()
	})
}

// Active returns the device currently connecting or connected, if any.
func (r *Registry) Active() (Device, bool) {
	active := r.filter(func(d Device) bool { return d.State.IsActive() })
	if len(active) == 0 {
		return Device{}, false
	}
	return active[0], true
}

// Clear removes every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = orderedmap.New[Address, *Device]()
}

func (r *Registry) filter(keep func(Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if keep(*pair.Value) {
			out = append(out, *pair.Value)
		}
	}
	return out
}
