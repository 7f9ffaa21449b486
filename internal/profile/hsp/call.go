package hsp

import "github.com/srg/btcore/internal/bt"

func (e *Engine) StartRinging() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	if e.ringing {
		return bt.Ok()
	}
	res := e.opts.Stack.HSP().StartRinging().Result()
	e.ringing = res.IsSuccess()
	return res
}

func (e *Engine) StopRinging() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	if !e.ringing {
		return bt.Ok()
	}
	e.ringing = false
	return e.opts.Stack.HSP().StopRinging().Result()
}

// IncomingCallStarted rings the headset.
func (e *Engine) IncomingCallStarted() bt.Result { return e.StartRinging() }

// SetIncomingCallNumber is accepted and dropped; a headset shows no
// caller id.
func (e *Engine) SetIncomingCallNumber(string) bt.Result { return e.ready() }

func (e *Engine) OutgoingCallStarted(string) bt.Result { return e.ready() }

func (e *Engine) IncomingCallAnswered() bt.Result {
	if res := e.StopRinging(); !res.IsSuccess() {
		return res
	}
	return e.Start()
}

func (e *Engine) OutgoingCallAnswered() bt.Result { return e.Start() }

func (e *Engine) CallTerminated() bt.Result {
	if res := e.StopRinging(); !res.IsSuccess() {
		return res
	}
	if e.scoHandle.Valid() {
		return e.Stop()
	}
	return bt.Ok()
}

func (e *Engine) CallMissed() bt.Result { return e.StopRinging() }

// InitializeCall brings up call audio ahead of the call itself.
func (e *Engine) InitializeCall() bt.Result { return e.Start() }

func (e *Engine) CallActive() bool { return e.scoHandle.Valid() }

// The headset profile carries no indicators; telemetry is accepted and
// dropped.

func (e *Engine) SetSignalStrength(int) bt.Result { return e.ready() }

func (e *Engine) SetBatteryLevel(int) bt.Result { return e.ready() }

func (e *Engine) SetOperatorName(string) bt.Result { return e.ready() }

func (e *Engine) SetNetworkStatus(bool, bool) bt.Result { return e.ready() }

func (e *Engine) ready() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	return bt.Ok()
}
