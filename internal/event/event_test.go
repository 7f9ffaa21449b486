package event_test

import (
	"testing"

	"github.com/srg/btcore/internal/event"
	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	assert.Equal(t, "PowerOn", event.Name(event.PowerOn{}))
	assert.Equal(t, "IncomingCallNumber", event.Name(event.IncomingCallNumber{Number: "123"}))
	assert.Equal(t, "<nil>", event.Name(nil))
}

func TestIsCallLifecycle(t *testing.T) {
	assert.True(t, event.IsCallLifecycle(event.CallAnswered{}))
	assert.True(t, event.IsCallLifecycle(event.OutgoingCallStarted{Number: "112"}))
	assert.False(t, event.IsCallLifecycle(event.StartRinging{}))
	assert.False(t, event.IsCallLifecycle(event.SignalStrengthData{Bars: 3}))
}
