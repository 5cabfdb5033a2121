//go:build nogpu

// Package gpu is empty in nogpu builds; Open and NewFromProvider report
// that no GPU backend was compiled in.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/shoal/internal/device"
)

// ErrNoAdapter is returned by Open when no adapter is available.
var ErrNoAdapter = errors.New("gpu: no adapter found")

// Open always fails in nogpu builds.
func Open() (device.Device, error) {
	return nil, fmt.Errorf("%w: built with nogpu", device.ErrDevice)
}

// NewFromProvider always fails in nogpu builds.
func NewFromProvider(gpucontext.DeviceProvider) (device.Device, error) {
	return nil, fmt.Errorf("%w: built with nogpu", device.ErrDevice)
}

// SetLogger is a no-op in nogpu builds.
func SetLogger(*slog.Logger) {}
