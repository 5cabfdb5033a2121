package shoal

import (
	"errors"

	"github.com/gogpu/shoal/internal/device"
)

// Fatal error kinds. Every one of them stops the frame loop, which then
// drains the device and releases all resources. None is retried.
var (
	// ErrAllocation is returned when a buffer, pipeline or binding table
	// cannot be created, including an agent count that rounds to zero.
	ErrAllocation = device.ErrAllocation

	// ErrDevice is returned when submission or device execution fails.
	ErrDevice = device.ErrDevice

	// ErrSurfaceLost is returned when the presentation surface is lost.
	ErrSurfaceLost = device.ErrSurfaceLost

	// ErrTimeout is returned when a bounded fence wait or image
	// acquisition expires.
	ErrTimeout = device.ErrTimeout
)

// ErrInvalidConfig is returned by Config.Validate and LoadConfig.
var ErrInvalidConfig = errors.New("shoal: invalid config")

// ErrorKind names the kind of err for logs and metrics: "invalid_config",
// "allocation", "device", "surface_lost", "timeout", "none" or "unknown".
func ErrorKind(err error) string {
	if errors.Is(err, ErrInvalidConfig) {
		return "invalid_config"
	}
	return device.Kind(err)
}
