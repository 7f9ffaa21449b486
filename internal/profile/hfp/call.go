package hfp

import (
	"strings"

	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/stack"
)

// Number types of the "+CLIP" unsolicited result.
const (
	numberTypeUnknown       = 129
	numberTypeInternational = 145
)

func (e *Engine) status(op string, st stack.Status) bt.Result {
	if !st.OK() {
		e.logger.WithField("status", st).Warnf("HFP %s failed", op)
	}
	return st.Result()
}

// IncomingCallStarted makes the hands-free unit ring.
func (e *Engine) IncomingCallStarted() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	return e.status("incoming call", e.opts.Stack.HFP().IncomingCall())
}

// SetIncomingCallNumber reports the caller id of the ringing call.
func (e *Engine) SetIncomingCallNumber(number string) bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	numberType := numberTypeUnknown
	if strings.HasPrefix(number, "+") {
		numberType = numberTypeInternational
	}
	return e.status("caller id", e.opts.Stack.HFP().SetClip(numberType, number))
}

func (e *Engine) OutgoingCallStarted(number string) bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	e.logger.WithField("number", number).Info("Outgoing call started")
	return e.status("outgoing call", e.opts.Stack.HFP().OutgoingCallInitiated(number))
}

// IncomingCallAnswered marks the call active and routes its audio to the
// hands-free unit.
func (e *Engine) IncomingCallAnswered() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	if res := e.status("answer", e.opts.Stack.HFP().AnswerIncomingCall()); !res.IsSuccess() {
		return res
	}
	return e.callAudio()
}

func (e *Engine) OutgoingCallAnswered() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	if res := e.status("call established", e.opts.Stack.HFP().OutgoingCallEstablished()); !res.IsSuccess() {
		return res
	}
	return e.callAudio()
}

// CallTerminated ends the call and releases its audio.
func (e *Engine) CallTerminated() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	res := e.status("terminate", e.opts.Stack.HFP().TerminateCall())
	if e.session.Sco.Valid() {
		e.Stop()
	}
	return res
}

func (e *Engine) CallMissed() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	return e.status("call dropped", e.opts.Stack.HFP().CallDropped())
}

// StartRinging and StopRinging are no-ops: the gateway rings the
// hands-free unit itself once IncomingCallStarted is reported.
func (e *Engine) StartRinging() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	return bt.Ok()
}

func (e *Engine) StopRinging() bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	return bt.Ok()
}

// InitializeCall brings up call audio ahead of the call itself.
func (e *Engine) InitializeCall() bt.Result { return e.Start() }

// CallActive reports whether call audio is flowing.
func (e *Engine) CallActive() bool { return e.session.Sco.Valid() }

func (e *Engine) callAudio() bt.Result {
	if !e.connected {
		return bt.Ok()
	}
	return e.establishAudio()
}

// SetSignalStrength reports the network signal in bars, 0 to 5.
func (e *Engine) SetSignalStrength(bars int) bt.Result {
	return e.setIndicator("signal", bars)
}

// SetBatteryLevel reports the battery charge as a percentage.
func (e *Engine) SetBatteryLevel(level int) bt.Result {
	return e.setIndicator("battchg", level*5/100)
}

func (e *Engine) SetOperatorName(name string) bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	return e.status("operator name", e.opts.Stack.HFP().SetOperatorName(name))
}

func (e *Engine) SetNetworkStatus(registered, roaming bool) bt.Result {
	if res := e.setIndicator("service", boolToInt(registered)); !res.IsSuccess() {
		return res
	}
	return e.setIndicator("roam", boolToInt(roaming))
}

func (e *Engine) setIndicator(name string, value int) bt.Result {
	if !e.initialized {
		return bt.Fail(bt.NotReady)
	}
	for _, ind := range Indicators {
		if ind.Name == name {
			value = min(max(value, ind.Min), ind.Max)
			break
		}
	}
	e.logger.WithField(name, value).Debug("Indicator updated")
	return e.status("indicator "+name, e.opts.Stack.HFP().SetIndicator(name, value))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
