package main

import (
	"errors"

	"github.com/phantom10111/heartrate/monitor"
)

// formatUserError turns a failed command error into the message shown on
// stderr. Connection-lifecycle failures get a hint instead of the raw
// wrapped chain.
func formatUserError(err error) string {
	var monErr *monitor.Error
	if !errors.As(err, &monErr) || monErr.Msg == "" {
		return err.Error()
	}

	switch monErr.Kind {
	case monitor.DiscoveryFailed:
		return monErr.Msg + " (is the strap powered on and in range?)"
	case monitor.ConnectionFailed, monitor.ConfigurationFailed:
		return monErr.Msg
	default:
		return err.Error()
	}
}
