package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable indicates no usable capture device, or a
	// device that disappeared mid-session.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrPermissionDenied indicates the platform refused microphone
	// access.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrUnsupportedConstraints indicates the requested audio
	// constraints cannot be satisfied by any device.
	ErrUnsupportedConstraints = errors.New("unsupported capture constraints")
)

// CaptureError wraps a capture failure with the operation that produced
// it. It unwraps to one of the sentinel errors above where the cause is
// classifiable.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
