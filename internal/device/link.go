package device

// LinkObserver is told when a profile link to a device comes up or goes
// down. link is StateConnectedVoice or StateConnectedAudio.
type LinkObserver interface {
	LinkUp(dev Device, link State)
	LinkDown(addr Address, link State)
}

// NopLinkObserver ignores link changes.
type NopLinkObserver struct{}

func (NopLinkObserver) LinkUp(Device, State)    {}
func (NopLinkObserver) LinkDown(Address, State) {}
