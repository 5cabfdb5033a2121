package device

import "errors"

// Fatal error kinds. None of them is recovered locally: every failure stops
// the frame loop and triggers drain-then-teardown.
var (
	// ErrAllocation is returned when a buffer, pipeline or binding table
	// cannot be created.
	ErrAllocation = errors.New("device: allocation failed")

	// ErrDevice is returned when work submission or execution fails,
	// including device loss and synchronization misuse.
	ErrDevice = errors.New("device: device error")

	// ErrSurfaceLost is returned when the presentation surface became
	// invalid (resized, destroyed, or its sink failed).
	ErrSurfaceLost = errors.New("device: surface lost")

	// ErrTimeout is returned when a bounded wait on a fence or on image
	// acquisition exceeds its deadline.
	ErrTimeout = errors.New("device: timeout")
)

// Kind returns a short name for the fatal error kind wrapped by err, or
// "unknown" if err wraps none of them.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAllocation):
		return "allocation"
	case errors.Is(err, ErrSurfaceLost):
		return "surface_lost"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDevice):
		return "device"
	default:
		return "unknown"
	}
}
