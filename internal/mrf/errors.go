package mrf

import (
	"errors"
	"fmt"

	"github.com/flowpbx/astmrf/internal/media"
)

var (
	// ErrInvalidConfiguration is returned when required options are missing
	// or malformed. Nothing has touched the network when it is returned.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNotConnected is returned by operations on a media server whose
	// event session is not established.
	ErrNotConnected = errors.New("too early: mediaserver is not connected")

	// ErrConnectionTimeout is returned when the dialog and the channel of an
	// allocation did not both arrive before its deadline.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrSignalingFailure matches every *SignalingError.
	ErrSignalingFailure = errors.New("signaling failure")

	// ErrInvalidAddress is returned for a media address not of the form
	// host[:port].
	ErrInvalidAddress = media.ErrInvalidAddress
)

// SignalingError reports a dialog operation the remote SIP peer rejected,
// or that failed before a final response.
type SignalingError struct {
	// Status and Reason are from the final response; Status is 0 when no
	// response was received.
	Status int
	Reason string
	Err    error
}

func (e *SignalingError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%d %s", e.Status, e.Reason)
	}
	if e.Err != nil {
		return "signaling failure: " + e.Err.Error()
	}
	return ErrSignalingFailure.Error()
}

func (e *SignalingError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSignalingFailure) hold for any *SignalingError.
func (e *SignalingError) Is(target error) bool {
	return target == ErrSignalingFailure
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
