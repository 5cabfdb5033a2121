package device

import (
	"fmt"
	"sync"
	"time"
)

type semaphoreState uint8

const (
	semaphoreIdle semaphoreState = iota
	semaphorePending
	semaphoreSignaled
)

// Semaphore is a binary ordering primitive consumed by queues. It is never
// waited on by the host.
//
// A signal operation must be submitted (Arm) before a wait on it is submitted
// (Claim), and each signal is consumed by exactly one wait. Breaking either
// rule returns ErrDevice, because the wait could never complete.
type Semaphore struct {
	label string

	mu      sync.Mutex
	state   semaphoreState
	claimed bool
	done    chan struct{}
	err     error
}

// NewSemaphore creates an unsignalled semaphore.
func NewSemaphore(label string) *Semaphore {
	return &Semaphore{label: label, done: make(chan struct{})}
}

// Label returns the debug label.
func (s *Semaphore) Label() string { return s.label }

// Arm records that a signal operation targeting s has been submitted.
func (s *Semaphore) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != semaphoreIdle {
		return fmt.Errorf("%w: semaphore %q signalled again before its previous signal was consumed", ErrDevice, s.label)
	}
	s.state = semaphorePending
	return nil
}

// Signal completes the pending signal operation. A non-nil err marks the
// signalling work as failed; the consuming wait observes it.
func (s *Semaphore) Signal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != semaphorePending {
		return
	}
	s.state = semaphoreSignaled
	s.err = err
	close(s.done)
}

// Claim reserves the submitted signal for one wait operation and returns a
// channel closed once the signal has fired.
func (s *Semaphore) Claim() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == semaphoreIdle {
		return nil, fmt.Errorf("%w: wait on semaphore %q with no pending signal", ErrDevice, s.label)
	}
	if s.claimed {
		return nil, fmt.Errorf("%w: semaphore %q already has a waiter", ErrDevice, s.label)
	}
	s.claimed = true
	return s.done, nil
}

// Consume finishes a claimed wait and returns the semaphore to the
// unsignalled state. It reports the error of the signalling work, if any.
func (s *Semaphore) Consume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.reset()
	return err
}

// Signaled reports whether a signal has fired and not yet been consumed.
func (s *Semaphore) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == semaphoreSignaled
}

func (s *Semaphore) unclaim() {
	s.mu.Lock()
	s.claimed = false
	s.mu.Unlock()
}

func (s *Semaphore) disarm() {
	s.mu.Lock()
	if s.state == semaphorePending && !s.claimed {
		s.state = semaphoreIdle
	}
	s.mu.Unlock()
}

func (s *Semaphore) reset() {
	if s.state == semaphoreSignaled {
		s.done = make(chan struct{})
	}
	s.state = semaphoreIdle
	s.claimed = false
	s.err = nil
}

// Fence is a host-visible completion primitive. It is attached to at most
// one submission at a time and becomes signalled when that submission has
// finished executing.
type Fence struct {
	label string

	mu          sync.Mutex
	signaled    bool
	armed       bool
	done        chan struct{}
	err         error
	completions uint64
}

// NewFence creates a fence. Per-slot fences are created signalled so the
// first wait on each slot returns immediately.
func NewFence(label string, signaled bool) *Fence {
	f := &Fence{label: label, done: make(chan struct{}), signaled: signaled}
	if signaled {
		close(f.done)
	}
	return f
}

// Label returns the debug label.
func (f *Fence) Label() string { return f.label }

// Reset returns a signalled fence to the unsignalled state.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed {
		return fmt.Errorf("%w: reset of fence %q while its submission is in flight", ErrDevice, f.label)
	}
	if f.signaled {
		f.signaled = false
		f.err = nil
		f.done = make(chan struct{})
	}
	return nil
}

// Arm attaches the fence to a submission.
func (f *Fence) Arm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled || f.armed {
		return fmt.Errorf("%w: fence %q submitted while not reset", ErrDevice, f.label)
	}
	f.armed = true
	return nil
}

// Signal marks the attached submission finished. A non-nil err is reported
// by Wait.
func (f *Fence) Signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return
	}
	f.armed = false
	f.signaled = true
	f.err = err
	f.completions++
	close(f.done)
}

func (f *Fence) disarm() {
	f.mu.Lock()
	f.armed = false
	f.mu.Unlock()
}

// Wait blocks until the fence is signalled or timeout elapses. It returns
// ErrTimeout on expiry and the submission's error if its work failed.
// A fence that is neither signalled nor in flight only ever times out.
func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()

	select {
	case <-done:
	default:
		if timeout <= 0 {
			return fmt.Errorf("%w: fence %q not signalled", ErrTimeout, f.label)
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			return fmt.Errorf("%w: fence %q not signalled after %s", ErrTimeout, f.label, timeout)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Signaled reports whether the fence is currently signalled.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Completions returns how many submissions have completed on this fence.
func (f *Fence) Completions() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completions
}
