// Package present implements the surface: a fixed pool of presentable
// images handed out to the application, drawn into, and queued back for
// display through a Sink.
//
// Each image is in one of four states. An idle image can be acquired at
// once. An acquired image belongs to the application until it is presented.
// A queued image waits for its render to finish before going to the sink,
// after which it is displayed until a later image replaces it. The
// displayed image may be acquired again; its ready semaphore then fires
// when it leaves the screen.
package present

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/gogpu/shoal/internal/device"
)

const (
	// DefaultImages is the default size of the image pool.
	DefaultImages = 3
	// MinImages is the smallest pool that can make progress: the image on
	// screen is released only when another image replaces it.
	MinImages = 2
)

// Config describes the surface.
type Config struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
	// Images is the pool size; zero means DefaultImages.
	Images int `toml:"images"`
}

type imageState uint8

const (
	imageIdle imageState = iota
	imageAcquired
	imageQueued
	imageDisplayed
)

type slot struct {
	img   *image.RGBA
	state imageState
	// ready is the semaphore of the current acquisition.
	ready *device.Semaphore
	// onScreen marks an acquired image that is still displayed.
	onScreen bool
}

type request struct {
	index   int
	waitFor *device.Semaphore
	ready   <-chan struct{}
}

type options struct {
	name string
}

// Option configures a Surface.
type Option func(*options)

// WithName sets the surface name used in logs and semaphore labels.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Surface is a presentable image pool. AcquireNext, Present and Lose are
// safe for concurrent use.
type Surface struct {
	name   string
	width  int
	height int
	sink   Sink

	mu        sync.Mutex
	images    []slot
	changed   chan struct{}
	next      int
	displayed int
	presented uint64
	lost      error

	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates the surface and starts its presenter. A nil sink discards.
func New(cfg Config, sink Sink, opts ...Option) (*Surface, error) {
	o := options{name: "surface"}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: surface extent %dx%d", device.ErrAllocation, cfg.Width, cfg.Height)
	}
	if cfg.Images == 0 {
		cfg.Images = DefaultImages
	}
	if cfg.Images < MinImages {
		return nil, fmt.Errorf("%w: %d surface images", device.ErrAllocation, cfg.Images)
	}
	if sink == nil {
		sink = Discard
	}

	s := &Surface{
		name:      o.name,
		width:     cfg.Width,
		height:    cfg.Height,
		sink:      sink,
		images:    make([]slot, cfg.Images),
		changed:   make(chan struct{}),
		displayed: -1,
		requests:  make(chan request, cfg.Images),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range s.images {
		s.images[i].img = image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	}
	go s.presenter()

	slogger().Info("present: surface created",
		"surface", s.name, "width", cfg.Width, "height", cfg.Height, "images", cfg.Images)
	return s, nil
}

// Extent returns the image size in pixels.
func (s *Surface) Extent() (width, height int) { return s.width, s.height }

// Images returns the pool size.
func (s *Surface) Images() int { return len(s.images) }

// Image returns image i, or nil when i is out of range. The caller may only
// write it between acquisition and presentation.
func (s *Surface) Image(i int) *image.RGBA {
	if i < 0 || i >= len(s.images) {
		return nil
	}
	return s.images[i].img
}

// Presented returns how many images have been handed to the sink.
func (s *Surface) Presented() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

// Err returns the loss error, or nil while the surface is usable.
func (s *Surface) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// AcquireNext returns the index of an image the application does not own,
// and a semaphore signalled once the presentation engine has stopped
// reading it. It blocks for at most timeout and then fails with
// device.ErrTimeout; a zero timeout polls.
func (s *Surface) AcquireNext(timeout time.Duration) (int, *device.Semaphore, error) {
	var timer *time.Timer
	for {
		s.mu.Lock()
		if s.lost != nil {
			err := s.lost
			s.mu.Unlock()
			return -1, nil, err
		}
		if i, ok := s.pickLocked(); ok {
			sem, err := s.acquireLocked(i)
			s.mu.Unlock()
			return i, sem, err
		}
		changed := s.changed
		s.mu.Unlock()

		if timeout <= 0 {
			return -1, nil, fmt.Errorf("%w: no surface image available", device.ErrTimeout)
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-changed:
		case <-timer.C:
			return -1, nil, fmt.Errorf("%w: no surface image available after %s", device.ErrTimeout, timeout)
		}
	}
}

// pickLocked prefers idle images in round-robin order, then the displayed
// image.
func (s *Surface) pickLocked() (int, bool) {
	n := len(s.images)
	for k := range n {
		i := (s.next + k) % n
		if s.images[i].state == imageIdle {
			s.next = (i + 1) % n
			return i, true
		}
	}
	if d := s.displayed; d >= 0 && s.images[d].state == imageDisplayed {
		return d, true
	}
	return -1, false
}

func (s *Surface) acquireLocked(i int) (*device.Semaphore, error) {
	im := &s.images[i]
	sem := device.NewSemaphore(fmt.Sprintf("%s-image-%d", s.name, i))
	if err := sem.Arm(); err != nil {
		return nil, err
	}
	im.onScreen = im.state == imageDisplayed
	im.state = imageAcquired
	im.ready = sem
	if !im.onScreen {
		sem.Signal(nil)
	}
	return sem, nil
}

// Present queues image index for display once waitFor has been signalled.
// It does not block. waitFor may be nil when the image is already complete.
func (s *Surface) Present(index int, waitFor *device.Semaphore) error {
	s.mu.Lock()
	if s.lost != nil {
		err := s.lost
		s.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(s.images) || s.images[index].state != imageAcquired {
		s.mu.Unlock()
		return fmt.Errorf("%w: present of image %d that is not acquired", device.ErrDevice, index)
	}
	req := request{index: index, waitFor: waitFor}
	if waitFor != nil {
		ready, err := waitFor.Claim()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		req.ready = ready
	}
	s.images[index].state = imageQueued
	s.mu.Unlock()

	// The channel holds one request per image and an image is queued at
	// most once, so this send never blocks.
	s.requests <- req
	return nil
}

// Lose marks the surface lost. Later AcquireNext and Present calls return
// an error wrapping device.ErrSurfaceLost.
func (s *Surface) Lose(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseLocked(cause)
}

func (s *Surface) loseLocked(cause error) {
	if s.lost != nil {
		return
	}
	switch {
	case cause == nil:
		s.lost = device.ErrSurfaceLost
	case errors.Is(cause, device.ErrSurfaceLost):
		s.lost = cause
	default:
		s.lost = fmt.Errorf("%w: %w", device.ErrSurfaceLost, cause)
	}
	s.broadcastLocked()
	slogger().Warn("present: surface lost", "surface", s.name, "err", s.lost)
}

func (s *Surface) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Surface) presenter() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.flush()
			return
		case req := <-s.requests:
			if !s.display(req) {
				s.flush()
				return
			}
		}
	}
}

// flush displays the queued images whose render has already finished.
func (s *Surface) flush() {
	for {
		select {
		case req := <-s.requests:
			if req.ready != nil {
				select {
				case <-req.ready:
				default:
					// Still rendering: dropped unpresented. The image stays
					// queued and its semaphore unconsumed, which is fine
					// because the surface is closing.
					continue
				}
			}
			s.display(req)
		default:
			return
		}
	}
}

// display waits for the request's render, hands the image to the sink and
// retires the previously displayed image. It reports false on shutdown.
func (s *Surface) display(req request) bool {
	var renderErr error
	if req.waitFor != nil {
		select {
		case <-req.ready:
		default:
			select {
			case <-req.ready:
			case <-s.quit:
				return false
			}
		}
		renderErr = req.waitFor.Consume()
	}

	s.mu.Lock()
	lost := s.lost
	s.mu.Unlock()

	var sinkErr error
	switch {
	case lost != nil:
	case renderErr != nil:
		slogger().Warn("present: render failed, image dropped", "surface", s.name, "image", req.index, "err", renderErr)
	default:
		sinkErr = s.sink.Present(req.index, s.images[req.index].img)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sinkErr != nil {
		s.loseLocked(fmt.Errorf("sink: %w", sinkErr))
	}
	if lost != nil || renderErr != nil || sinkErr != nil {
		s.images[req.index].state = imageIdle
		s.broadcastLocked()
		return true
	}

	if prev := s.displayed; prev >= 0 && prev != req.index {
		im := &s.images[prev]
		switch {
		case im.state == imageDisplayed:
			im.state = imageIdle
		case im.onScreen:
			im.onScreen = false
			im.ready.Signal(nil)
		}
	}
	s.images[req.index].state = imageDisplayed
	s.displayed = req.index
	s.presented++
	s.broadcastLocked()
	slogger().Debug("present: image displayed", "surface", s.name, "image", req.index, "presented", s.presented)
	return true
}

// Close stops the presenter and loses the surface. Queued images whose
// render has finished are still handed to the sink; the others are
// dropped. Close is idempotent.
func (s *Surface) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.Lose(errors.New("surface closed"))
		s.mu.Lock()
		for i := range s.images {
			if im := &s.images[i]; im.onScreen {
				im.onScreen = false
				im.ready.Signal(nil)
			}
		}
		s.mu.Unlock()
	})
}
