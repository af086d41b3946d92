package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE link dropped while a download was running.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoModel is returned when the model could be neither given nor detected.
	ErrNoModel = errors.New("dive computer model not identified")
)

// FormatUserError turns an error chain into a one-line message with a hint.
func FormatUserError(err error) string {
	var nf *radio.NotFoundError
	var st engine.Status

	switch {
	case err == nil:
		return ""
	case radio.IsConnectionState(err, radio.NotInitialized):
		return "Bluetooth is not available. Make sure it is turned on and this program may use it."
	case errors.Is(err, ErrConnectionLost):
		return "connection to the dive computer was lost during the download; already downloaded dives were kept"
	case radio.IsConnectionState(err, radio.NotConnected):
		return "the dive computer is not connected. Wake it up or enable its Bluetooth mode and try again."
	case errors.Is(err, session.ErrDescriptorNotFound), errors.Is(err, ErrNoModel):
		return fmt.Sprintf("%v. Pass --vendor and --product; 'bledive descriptors' lists supported models", err)
	case errors.Is(err, radio.ErrNoChannel), errors.As(err, &nf):
		return fmt.Sprintf("the device does not expose a supported serial service (%v)", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	case errors.As(err, &st):
		return fmt.Sprintf("%v (device status %d)", err, int(st))
	default:
		return err.Error()
	}
}
