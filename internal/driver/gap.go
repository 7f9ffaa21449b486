package driver

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/stack"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// nameState tracks the remote name of a discovered device.
type nameState int

const (
	nameFetched nameState = iota
	nameRequest
	nameInquired
)

type scanEntry struct {
	dev                    device.Device
	name                   nameState
	pageScanRepetitionMode uint8
	clockOffset            uint16
}

// gapEngine runs discovery and pairing on top of the stack's GAP events.
// Events other than PIN requests are ignored until the stack first
// reports the working state.
type gapEngine struct {
	d      *Driver
	logger *logrus.Entry

	active   bool
	scanning bool
	found    *orderedmap.OrderedMap[device.Address, *scanEntry]

	pairing    device.Device
	hasPairing bool
}

func newGAPEngine(d *Driver) *gapEngine {
	return &gapEngine{
		d:      d,
		logger: d.logger.WithField("component", "gap"),
		found:  orderedmap.New[device.Address, *scanEntry](),
	}
}

func (g *gapEngine) reset() {
	g.active = false
	g.scanning = false
	g.found = orderedmap.New[device.Address, *scanEntry]()
	g.hasPairing = false
}

func (g *gapEngine) activate() { g.active = true }

func (g *gapEngine) deactivate() {
	g.active = false
	g.scanning = false
}

func (d *Driver) working() bool {
	return d.initialized && d.stack.HCI().State() == stack.HCIWorking
}

// Scan clears the discovered list and starts a continuous inquiry.
func (d *Driver) Scan() bt.Result {
	if !d.working() {
		return bt.Fail(bt.NotReady)
	}
	g := d.gap
	g.found = orderedmap.New[device.Address, *scanEntry]()
	if st := g.startInquiry(); !st.OK() {
		g.logger.WithField("status", st).Error("Start scan failed")
		return st.Result()
	}
	g.scanning = true
	return bt.Ok()
}

// StopScan ends the inquiry and any pending name fetching.
func (d *Driver) StopScan() bt.Result {
	if !d.initialized {
		return bt.Fail(bt.NotReady)
	}
	return d.gap.stopScan().Result()
}

func (g *gapEngine) stopScan() stack.Status {
	if !g.scanning {
		return stack.StatusSuccess
	}
	g.scanning = false
	st := g.d.stack.GAP().InquiryStop()
	g.logger.Info("Scan stopped")
	return st
}

// Scanning reports whether a scan is running.
func (d *Driver) Scanning() bool { return d.gap.scanning }

func (d *Driver) SetVisibility(visible bool) bt.Result {
	if !d.initialized {
		return bt.Fail(bt.NotReady)
	}
	d.stack.GAP().SetDiscoverable(visible)
	d.logger.WithField("visible", visible).Info("Visibility changed")
	return bt.Ok()
}

// SetLocalName changes the name advertised to peers. An empty name is
// refused.
func (d *Driver) SetLocalName(name string) bt.Result {
	if !d.initialized || name == "" {
		return bt.Fail(bt.NotReady)
	}
	d.opts.LocalName = device.TruncateName(name)
	d.stack.GAP().SetLocalName(d.opts.LocalName)
	d.logger.WithField("name", d.opts.LocalName).Info("Local name changed")
	return bt.Ok()
}

// LocalName returns the name advertised to peers.
func (d *Driver) LocalName() string { return d.opts.LocalName }

func (d *Driver) Visible() bool {
	return d.initialized && d.stack.GAP().Discoverable()
}

// Pair starts dedicated bonding with dev. The outcome is reported by a
// PairResult notification.
func (d *Driver) Pair(dev device.Device) bt.Result {
	if !d.working() {
		return bt.Fail(bt.NotReady)
	}
	g := d.gap
	g.pairing = dev
	g.hasPairing = true
	if st := d.stack.GAP().DedicatedBonding(dev.Address, true); !st.OK() {
		g.hasPairing = false
		g.logger.WithFields(logrus.Fields{"address": dev.Address, "status": st}).Error("Dedicated bonding failed")
		return st.Result()
	}
	g.logger.WithField("address", dev.Address).Info("Pairing started")
	return bt.Ok()
}

// Unpair drops the link key of dev and forgets it.
func (d *Driver) Unpair(dev device.Device) bt.Result {
	if !d.initialized {
		return bt.Fail(bt.NotReady)
	}
	d.stack.GAP().DropLinkKey(dev.Address)
	d.opts.Registry.Remove(dev.Address)
	d.persistBonded()
	d.logger.WithField("address", dev.Address).Info("Device unpaired")
	d.send(bus.UnpairResult{Address: dev.Address, Success: true})
	d.sendBonded()
	return bt.Ok()
}

// PinCodeResponse answers the PIN request of the device being paired.
func (d *Driver) PinCodeResponse(pin string) bt.Result {
	if !d.initialized || !d.gap.hasPairing {
		return bt.Fail(bt.NotReady)
	}
	return d.stack.GAP().PinCodeResponse(d.gap.pairing.Address, pin).Result()
}

// ScannedDevices returns the devices found by the current scan.
func (d *Driver) ScannedDevices() []device.Device {
	out := make([]device.Device, 0, d.gap.found.Len())
	for pair := d.gap.found.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.dev)
	}
	return out
}

func (g *gapEngine) startInquiry() stack.Status {
	g.logger.Info("Starting inquiry scan")
	return g.d.stack.GAP().InquiryStart(g.d.opts.InquiryDuration)
}

func (g *gapEngine) sendDevices() {
	g.d.send(bus.DeviceListSync{Devices: g.d.ScannedDevices()})
}

func (g *gapEngine) inquiryResult(e stack.InquiryResult) {
	if !g.active {
		return
	}
	if _, known := g.found.Get(e.Address); known {
		return
	}
	log := g.logger.WithFields(logrus.Fields{
		"address": e.Address,
		"cod":     e.ClassOfDevice,
		"rssi":    e.RSSI,
	})
	if e.ClassOfDevice&device.AudioServicesMask == 0 {
		log.Debug("Ignoring device with incompatible services")
		return
	}

	entry := &scanEntry{
		dev:                    device.Device{Address: e.Address, ClassOfDevice: e.ClassOfDevice},
		name:                   nameRequest,
		pageScanRepetitionMode: e.PageScanRepetitionMode,
		clockOffset:            e.ClockOffset,
	}
	if e.NameKnown {
		entry.dev.Name = device.TruncateName(e.Name)
		entry.name = nameFetched
	}
	g.found.Set(e.Address, entry)
	log.Info("Device found")
	g.sendDevices()
}

func (g *gapEngine) inquiryComplete() {
	if !g.active {
		return
	}
	for pair := g.found.Oldest(); pair != nil; pair = pair.Next() {
		// Retry names that timed out during the last round.
		if pair.Value.name == nameInquired {
			pair.Value.name = nameRequest
		}
	}
	g.continueScanning()
}

func (g *gapEngine) nameRequestComplete(e stack.RemoteNameRequestComplete) {
	if !g.active {
		return
	}
	if entry, ok := g.found.Get(e.Address); ok {
		if e.Status.OK() {
			entry.name = nameFetched
			entry.dev.Name = device.TruncateName(e.Name)
			g.sendDevices()
		} else {
			g.logger.WithFields(logrus.Fields{"address": e.Address, "status": e.Status}).Info("Failed to get name")
		}
	}
	g.continueScanning()
}

// continueScanning fetches the next missing name, or starts another
// inquiry round once every name is known.
func (g *gapEngine) continueScanning() {
	if !g.scanning {
		return
	}
	for pair := g.found.Oldest(); pair != nil; pair = pair.Next() {
		entry := pair.Value
		if entry.name != nameRequest {
			continue
		}
		entry.name = nameInquired
		st := g.d.stack.GAP().RemoteNameRequest(entry.dev.Address, entry.pageScanRepetitionMode, entry.clockOffset|0x8000)
		if st.OK() {
			return
		}
		g.logger.WithFields(logrus.Fields{"address": entry.dev.Address, "status": st}).Warn("Remote name request failed")
	}
	if st := g.startInquiry(); !st.OK() {
		g.logger.WithField("status", st).Error("Restart inquiry failed")
		g.scanning = false
	}
}

func (g *gapEngine) pinCodeRequested(addr device.Address) {
	g.logger.WithField("address", addr).Debug("PIN code request")
	g.d.send(bus.PasskeyRequest{Address: addr})
}

func (g *gapEngine) bondingComplete(e stack.DedicatedBondingComplete) {
	if !g.active {
		return
	}
	addr := e.Address
	dev := device.Device{Address: addr}
	if g.hasPairing && g.pairing.Address == addr {
		dev = g.pairing
	} else if entry, ok := g.found.Get(addr); ok {
		dev = entry.dev
	}
	g.hasPairing = false

	success := e.Status.OK()
	g.logger.WithFields(logrus.Fields{"address": addr, "status": e.Status}).Info("Dedicated bonding completed")
	if success {
		dev.State = device.StatePaired
		if known, ok := g.d.opts.Registry.Get(addr); ok && known.State.IsActive() {
			// Re-pairing a device with live links keeps its connected state.
			dev.State = known.State
		}
		g.d.opts.Registry.Upsert(dev)
		g.d.persistBonded()
	}
	g.d.send(bus.PairResult{Address: addr, Success: success})
	if success {
		g.d.sendBonded()
	}
}

// persistBonded writes the bonded list to the settings holder.
func (d *Driver) persistBonded() {
	if d.opts.Settings == nil {
		return
	}
	doc, err := device.EncodeBonded(d.opts.Registry.Bonded())
	if err != nil {
		d.logger.WithError(err).Error("Bonded devices not encoded")
		return
	}
	if err := d.opts.Settings.Set(settings.KeyBondedDevices, doc); err != nil {
		d.logger.WithError(err).Error("Bonded devices not persisted")
	}
}

// sendBonded publishes the bonded list with the active device, if any.
func (d *Driver) sendBonded() {
	n := bus.BondedDevices{Devices: d.opts.Registry.Bonded()}
	if active, ok := d.opts.Registry.Active(); ok {
		n.Connected = active.Address.String()
	}
	d.send(n)
}

// SendBondedDevices publishes the bonded list on request.
func (d *Driver) SendBondedDevices() { d.sendBonded() }
