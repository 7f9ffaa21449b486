package a2dp

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/stack"
)

func (e *Engine) handleAVRCP(ev stack.Event) {
	switch ev := ev.(type) {
	case stack.AVRCPConnectionEstablished:
		if !ev.Status.OK() {
			e.logger.WithFields(logrus.Fields{"address": ev.Address, "status": ev.Status}).Warn("AVRCP connection failed")
			return
		}
		e.avrcpCid = ev.Cid
		e.logger.WithFields(logrus.Fields{"address": ev.Address, "cid": ev.Cid}).Info("AVRCP connected")
		e.opts.Stack.AVRCP().SetPlaybackStatus(ev.Cid, e.playback)
		if st := e.opts.Stack.AVRCP().EnableNotification(ev.Cid, stack.AVRCPEventVolumeChanged); !st.OK() {
			e.logger.WithField("status", st).Warn("Volume notifications not enabled")
		}
	case stack.AVRCPConnectionReleased:
		if ev.Cid == e.avrcpCid {
			e.avrcpCid = 0
			e.logger.WithField("cid", ev.Cid).Info("AVRCP disconnected")
		}
	case stack.AVRCPTargetVolumeChanged:
		e.volume = ev.Volume
		e.logger.WithField("volume", ev.Volume).Debug("AVRCP target volume set")
	case stack.AVRCPOperationReceived:
		e.operation(ev.Operation)
	case stack.AVRCPControllerVolumeChanged:
		if ev.Interim {
			return
		}
		e.volume = ev.Volume
		e.send(bus.VolumeChanged{Profile: bt.ProfileA2DP, Volume: int(ev.Volume)})
	}
}

func (e *Engine) operation(op stack.AVRCPOperation) {
	e.logger.WithField("operation", op).Debug("AVRCP operation received")
	switch op {
	case stack.OpPlay:
		e.send(bus.AudioStart{})
	case stack.OpPause:
		e.send(bus.AudioPause{})
	case stack.OpStop:
		e.Disconnect()
	}
}

func (e *Engine) setPlayback(status stack.PlaybackStatus) {
	e.playback = status
	if e.avrcpCid != 0 {
		e.opts.Stack.AVRCP().SetPlaybackStatus(e.avrcpCid, status)
	}
}
