package device

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Wait is a semaphore wait gated at a pipeline stage.
type Wait struct {
	Semaphore *Semaphore
	Stage     Stage
}

// Phase is one stage-tagged step of recorded work.
type Phase struct {
	Stage Stage
	Name  string
	Run   func() error
}

// Work is a recorded command list. Phases run in order on the queue's
// executor; Release, if set, runs after the last phase whether or not the
// work succeeded.
type Work struct {
	Label   string
	Phases  []Phase
	Release func()
}

// Submission is one unit of work plus its synchronization.
type Submission struct {
	Work    Work
	Waits   []Wait
	Signals []*Semaphore
	Fence   *Fence
}

type claimedWait struct {
	sem      *Semaphore
	stage    Stage
	ready    <-chan struct{}
	consumed bool
}

type pendingSubmission struct {
	Submission
	waits []*claimedWait
}

// DefaultQueueDepth bounds the number of submissions a queue buffers before
// Submit blocks.
const DefaultQueueDepth = 64

// ErrQueueClosed is wrapped in ErrDevice when work is submitted to, or
// abandoned by, a queue that has been shut down.
var ErrQueueClosed = errors.New("queue closed")

// Queue executes submissions asynchronously and in submission order. Before
// running a phase it waits every semaphore gated at or before that phase's
// stage, so work that only needs colour output to be ready can start its
// vertex work early.
//
// After the first failed submission the queue is lost: every later
// submission completes immediately with the same error.
//
// Queue is safe for concurrent use.
type Queue struct {
	name string
	subs chan *pendingSubmission
	quit chan struct{}
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	lost  error

	submitted atomic.Uint64
	completed atomic.Uint64
	closeOnce sync.Once
}

// NewQueue starts a queue executor. depth <= 0 uses DefaultQueueDepth.
func NewQueue(name string, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	q := &Queue{
		name: name,
		subs: make(chan *pendingSubmission, depth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Submit enqueues s. Semaphore and fence misuse is detected here, before
// anything is enqueued, and reported as ErrDevice.
func (q *Queue) Submit(s Submission) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("%w: %s: %w", ErrDevice, q.name, ErrQueueClosed)
	}
	if err := q.Err(); err != nil {
		return fmt.Errorf("%s: %w", q.name, err)
	}

	p := &pendingSubmission{Submission: s, waits: make([]*claimedWait, 0, len(s.Waits))}
	if err := p.prepare(); err != nil {
		return fmt.Errorf("%s: submit %q: %w", q.name, s.Work.Label, err)
	}

	select {
	case q.subs <- p:
		q.submitted.Add(1)
		return nil
	case <-q.quit:
		p.rollback()
		return fmt.Errorf("%w: %s: %w", ErrDevice, q.name, ErrQueueClosed)
	}
}

func (p *pendingSubmission) prepare() error {
	for _, w := range p.Waits {
		ready, err := w.Semaphore.Claim()
		if err != nil {
			p.rollback()
			return err
		}
		p.waits = append(p.waits, &claimedWait{sem: w.Semaphore, stage: w.Stage, ready: ready})
	}
	for i, sem := range p.Signals {
		if err := sem.Arm(); err != nil {
			for _, armed := range p.Signals[:i] {
				armed.disarm()
			}
			p.rollback()
			return err
		}
	}
	if p.Fence != nil {
		if err := p.Fence.Arm(); err != nil {
			for _, sem := range p.Signals {
				sem.disarm()
			}
			p.rollback()
			return err
		}
	}
	slices.SortStableFunc(p.waits, func(a, b *claimedWait) int { return int(a.stage) - int(b.stage) })
	return nil
}

// rollback releases wait claims taken by prepare.
func (p *pendingSubmission) rollback() {
	for _, w := range p.waits {
		w.sem.unclaim()
	}
	p.waits = nil
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case p := <-q.subs:
			q.execute(p)
		}
	}
}

func (q *Queue) execute(p *pendingSubmission) {
	err := q.Err()
	if err == nil {
		err = q.runPhases(p)
	}
	for _, w := range p.waits {
		if !w.consumed {
			_ = w.sem.Consume()
		}
	}
	if p.Work.Release != nil {
		p.Work.Release()
	}
	q.finish(p, err)
}

func (q *Queue) finish(p *pendingSubmission, err error) {
	for _, sem := range p.Signals {
		sem.Signal(err)
	}
	if p.Fence != nil {
		p.Fence.Signal(err)
	}
	if err != nil {
		q.setLost(err)
	}
	q.completed.Add(1)
}

func (q *Queue) runPhases(p *pendingSubmission) error {
	next := 0
	for _, ph := range p.Work.Phases {
		for next < len(p.waits) && p.waits[next].stage <= ph.Stage {
			if err := q.await(p.waits[next]); err != nil {
				return err
			}
			next++
		}
		if err := ph.Run(); err != nil {
			if errors.Is(err, ErrDevice) || errors.Is(err, ErrAllocation) {
				return fmt.Errorf("%s %s: %w", p.Work.Label, ph.Name, err)
			}
			return fmt.Errorf("%w: %s %s: %w", ErrDevice, p.Work.Label, ph.Name, err)
		}
	}
	for ; next < len(p.waits); next++ {
		if err := q.await(p.waits[next]); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) await(w *claimedWait) error {
	select {
	case <-w.ready:
	case <-q.quit:
		return fmt.Errorf("%w: %s: waiting on %q: %w", ErrDevice, q.name, w.sem.Label(), ErrQueueClosed)
	}
	w.consumed = true
	if err := w.sem.Consume(); err != nil {
		return fmt.Errorf("semaphore %q: %w", w.sem.Label(), err)
	}
	return nil
}

func (q *Queue) setLost(err error) {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	if q.lost == nil {
		q.lost = err
		Logger().Error("device: queue lost", "queue", q.name, "err", err)
	}
}

// Err returns the error that lost the queue, or nil.
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.lost
}

// Submitted returns the number of accepted submissions.
func (q *Queue) Submitted() uint64 { return q.submitted.Load() }

// Completed returns the number of finished submissions, failed ones included.
func (q *Queue) Completed() uint64 { return q.completed.Load() }

// Idle reports whether every accepted submission has finished.
func (q *Queue) Idle() bool { return q.Completed() == q.Submitted() }

// Close shuts the executor down. Work still queued or waiting on a
// semaphore completes with ErrDevice, so every fence attached to it becomes
// signalled. When Close returns the executor no longer touches any resource.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
		<-q.done

		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		abandoned := fmt.Errorf("%w: %s: %w", ErrDevice, q.name, ErrQueueClosed)
		for {
			select {
			case p := <-q.subs:
				for _, w := range p.waits {
					_ = w.sem.Consume()
				}
				if p.Work.Release != nil {
					p.Work.Release()
				}
				q.finish(p, abandoned)
			default:
				return
			}
		}
	})
}
