package main

import (
	"errors"
	"fmt"

	"github.com/srg/btcore/internal/bus/mqttbus"
	"github.com/srg/btcore/internal/worker"
	"github.com/srg/btcore/pkg/config"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

// formatUserError rewrites the errors a user can act on.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("%v (check the --config file)", err)
	case errors.Is(err, mqttbus.ErrConnectionFailed):
		return fmt.Sprintf("%v (is the broker running?)", err)
	case errors.Is(err, worker.ErrQueueFull):
		return "the Bluetooth worker is busy, try again"
	default:
		return err.Error()
	}
}
