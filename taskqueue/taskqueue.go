package taskqueue

import (
	"context"
	"sync/atomic"

	"github.com/timandy/routine"
	"golang.org/x/sync/semaphore"

	"github.com/chorus-labs/antiphon/common"
)

// Queue accepts closures for execution on whatever goroutine runs the queue. The
// dispatch layer uses it to move the handling of a new incoming transaction onto the
// goroutine that owns it, without knowing how that goroutine schedules work.
type Queue interface {
	Post(task func()) bool
}

// SerialQueue runs posted tasks one at a time on a single goroutine. Either the owner
// calls Run to donate its own goroutine - how an application main loop becomes the
// "main thread" - or Start spawns a private runner.
//
// Admission is bounded: Post blocks once maxPending tasks are queued, until the loop
// catches up or the queue is stopped.
type SerialQueue struct {
	tasks         chan func()
	sem           *semaphore.Weighted
	goID          atomic.Int64
	internalTasks []func()
	started       atomic.Bool
	stopped       atomic.Bool
	loopExited    chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

var _ Queue = (*SerialQueue)(nil)

func NewSerialQueue(maxPending int) *SerialQueue {
	if maxPending < 1 {
		panic("serial queue maxPending must be > 0")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SerialQueue{
		tasks:      make(chan func(), maxPending),
		sem:        semaphore.NewWeighted(int64(maxPending)),
		loopExited: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start spawns a goroutine to run the loop.
func (q *SerialQueue) Start() {
	common.Go(q.runLoop)
}

// Run runs the loop on the calling goroutine, returning when the queue is stopped.
func (q *SerialQueue) Run() {
	q.runLoop()
}

// Stop terminates the loop and unblocks any posters waiting on admission. Tasks still
// queued are dropped. Safe to call from a task running on the loop itself.
func (q *SerialQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.cancel()
	if q.started.Load() && routine.Goid() != q.goID.Load() {
		<-q.loopExited
	}
}

// Post queues task for execution on the loop goroutine, blocking if the queue is
// full. It returns false if the queue has been stopped. Posting from the loop itself
// never blocks.
func (q *SerialQueue) Post(task func()) bool {
	if q.stopped.Load() {
		return false
	}
	if routine.Goid() == q.goID.Load() {
		// A post from the loop must not block on admission - with the queue full that
		// would deadlock the loop - so loop local posts go on a simple slice.
		q.internalTasks = append(q.internalTasks, task)
		return true
	}
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		return false
	}
	if q.stopped.Load() {
		q.sem.Release(1)
		return false
	}
	q.tasks <- task
	return true
}

// CheckInLoop panics if the caller is not running on this queue's loop goroutine.
func (q *SerialQueue) CheckInLoop() {
	if routine.Goid() != q.goID.Load() {
		panic("not running on the task queue loop goroutine")
	}
}

func (q *SerialQueue) runLoop() {
	q.goID.Store(routine.Goid())
	q.started.Store(true)
	defer close(q.loopExited)
	for {
		select {
		case task := <-q.tasks:
			q.sem.Release(1)
			task()
			q.runInternalTasks()
		case <-q.ctx.Done():
			return
		}
	}
}

// runInternalTasks drains posts made by tasks on the loop goroutine, including any
// made by the internal tasks themselves.
func (q *SerialQueue) runInternalTasks() {
	for len(q.internalTasks) > 0 {
		task := q.internalTasks[0]
		q.internalTasks = q.internalTasks[1:]
		task()
	}
}
