package present

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Sink receives every presented image. Present is called from the
// presenter goroutine, one image at a time; img must not be retained after
// it returns.
type Sink interface {
	Present(index int, img *image.RGBA) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(index int, img *image.RGBA) error

// Present calls f.
func (f SinkFunc) Present(index int, img *image.RGBA) error { return f(index, img) }

type discard struct{}

func (discard) Present(int, *image.RGBA) error { return nil }

// Discard drops every image.
var Discard Sink = discard{}

// PNGSink writes every Nth presented image to a directory as
// frame-NNNNNN.png, numbered by presentation count.
type PNGSink struct {
	dir   string
	every uint64
	n     atomic.Uint64
	enc   png.Encoder
}

// NewPNGSink creates dir if needed. every <= 1 writes every frame.
func NewPNGSink(dir string, every int) (*PNGSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("present: png sink: %w", err)
	}
	if every < 1 {
		every = 1
	}
	return &PNGSink{dir: dir, every: uint64(every), enc: png.Encoder{CompressionLevel: png.BestSpeed}}, nil
}

// Present implements Sink.
func (s *PNGSink) Present(_ int, img *image.RGBA) error {
	n := s.n.Add(1) - 1
	if n%s.every != 0 {
		return nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("frame-%06d.png", n))
	f, err := os.Create(path) //nolint:gosec // directory is caller-provided
	if err != nil {
		return err
	}
	if err := s.enc.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
