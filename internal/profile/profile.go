// Package profile multiplexes the platform's media, telephony and audio
// routing requests onto the profile engines. It owns one optional engine
// per profile kind and keeps the device registry in step with the links
// they report.
package profile

import (
	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/profile/a2dp"
	"github.com/srg/btcore/internal/profile/hfp"
	"github.com/srg/btcore/internal/profile/hsp"
)

// Engine is one profile's connection and audio state.
type Engine interface {
	Profile() bt.ProfileKind
	Init() error
	DeInit()
	Connect(dev device.Device) bt.Result
	Disconnect() bt.Result
	Start() bt.Result
	Stop() bt.Result
	SetAudioDevice(dev audio.Device) bt.Result
}

// CallEngine is an Engine that carries voice calls and the telemetry the
// hands-free side displays.
type CallEngine interface {
	Engine

	IncomingCallStarted() bt.Result
	SetIncomingCallNumber(number string) bt.Result
	OutgoingCallStarted(number string) bt.Result
	IncomingCallAnswered() bt.Result
	OutgoingCallAnswered() bt.Result
	CallTerminated() bt.Result
	CallMissed() bt.Result
	StartRinging() bt.Result
	StopRinging() bt.Result
	InitializeCall() bt.Result
	CallActive() bool

	SetSignalStrength(bars int) bt.Result
	SetOperatorName(name string) bt.Result
	SetBatteryLevel(level int) bt.Result
	SetNetworkStatus(registered, roaming bool) bt.Result
}

var (
	_ Engine     = (*a2dp.Engine)(nil)
	_ CallEngine = (*hfp.Engine)(nil)
	_ CallEngine = (*hsp.Engine)(nil)
)

// Factory builds the engine of one profile kind. A nil engine leaves the
// kind unsupported.
type Factory func(kind bt.ProfileKind, m *Manager) Engine

// DefaultFactory builds the a2dp, hfp and hsp engines on the manager's
// stack, sharing its audio lock and reporting links to it.
func DefaultFactory(kind bt.ProfileKind, m *Manager) Engine {
	o := m.opts
	switch kind {
	case bt.ProfileA2DP:
		return a2dp.New(a2dp.Options{
			Logger:      o.Logger,
			Stack:       o.Stack,
			RunLoop:     o.RunLoop,
			Sender:      o.Sender,
			Links:       m,
			Lock:        &m.audioMu,
			Period:      o.MediaPeriod,
			StorageSize: o.MediaStorageSize,
		})
	case bt.ProfileHFP:
		return hfp.New(hfp.Options{
			Logger: o.Logger,
			Stack:  o.Stack,
			Sender: o.Sender,
			Links:  m,
			Lock:   &m.audioMu,
			Codecs: o.Codecs,
		})
	case bt.ProfileHSP:
		return hsp.New(hsp.Options{
			Logger: o.Logger,
			Stack:  o.Stack,
			Sender: o.Sender,
			Links:  m,
			Lock:   &m.audioMu,
		})
	default:
		return nil
	}
}
