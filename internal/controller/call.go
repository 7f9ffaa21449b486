package controller

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/event"
)

// handleCall drives the call substate. Every transition calls the matching
// call-profile operation first; the substate follows the cellular call even
// when the profile is not ready.
func (c *Controller) handleCall(ev event.Event) error {
	p := c.opts.Profiles

	switch c.call {
	case CallSetup:
		switch e := ev.(type) {
		case event.IncomingCallStarted:
			return c.callStep(ev, CallRinging, p.IncomingCallStarted)
		case event.IncomingCallNumber:
			// A number arriving alone still starts the call.
			return c.callStep(ev, CallRinging, p.IncomingCallStarted, func() bt.Result {
				return p.SetIncomingCallNumber(e.Number)
			})
		case event.OutgoingCallStarted:
			return c.callStep(ev, CallInitiated, func() bt.Result {
				return p.OutgoingCallStarted(e.Number)
			})
		}

	case CallRinging:
		switch e := ev.(type) {
		case event.IncomingCallStarted:
			return nil
		case event.IncomingCallNumber:
			return c.callStep(ev, CallRinging, func() bt.Result {
				return p.SetIncomingCallNumber(e.Number)
			})
		case event.CallAnswered:
			return c.callStep(ev, CallInProgress, p.IncomingCallAnswered)
		case event.CallTerminated:
			return c.callStep(ev, CallEnded, p.CallTerminated)
		case event.CallMissed:
			return c.callStep(ev, CallEnded, p.CallMissed)
		}

	case CallInitiated:
		switch ev.(type) {
		case event.CallAnswered:
			return c.callStep(ev, CallInProgress, p.OutgoingCallAnswered)
		case event.CallTerminated:
			return c.callStep(ev, CallEnded, p.CallTerminated)
		case event.CallMissed:
			return c.callStep(ev, CallEnded, p.CallMissed)
		}

	case CallInProgress:
		if _, ok := ev.(event.CallTerminated); ok {
			return c.callStep(ev, CallEnded, p.CallTerminated)
		}
	}
	return c.reject(ev)
}

func (c *Controller) callStep(ev event.Event, next CallState, actions ...func() bt.Result) error {
	for _, action := range actions {
		if err := c.act(ev, action()); err != nil {
			return err
		}
	}
	c.enterCall(next)
	return nil
}

func (c *Controller) enterCall(next CallState) {
	if next == c.call {
		return
	}
	c.logger.WithFields(logrus.Fields{"from": c.call, "to": next}).Info("Call state changed")
	c.call = next
	if next == CallEnded {
		c.call = CallSetup
	}
}
