package utils

import (
	"sync"
	"time"
)

// WorkQueue runs submitted functions one at a time on a dedicated goroutine.
// Notifier delivery paths use it to defer anything that may block (fence
// waits, teardown) out of the callback that triggered it.
type WorkQueue struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mutex)

	go q.run()

	return q
}

func (q *WorkQueue) run() {
	for {
		q.mutex.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}

		if len(q.queue) == 0 && q.closed {
			q.mutex.Unlock()
			close(q.done)
			return
		}

		work := q.queue[0]
		q.queue = q.queue[1:]
		q.mutex.Unlock()

		work()
	}
}

// Submit enqueues work for execution. Work submitted after Close is dropped.
func (q *WorkQueue) Submit(work func()) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return
	}

	q.queue = append(q.queue, work)
	q.cond.Signal()
}

// Flush blocks until every unit of work submitted before the call has run
func (q *WorkQueue) Flush() {
	barrier := make(chan struct{})
	q.Submit(func() {
		close(barrier)
	})

	select {
	case <-barrier:
	case <-q.done:
	}
}

// Close drains the queue and stops the worker goroutine, blocking until the
// final unit of work has completed
func (q *WorkQueue) Close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mutex.Unlock()

	<-q.done
}

// DelayedWork is a re-schedulable unit of work that runs a fixed function on a
// WorkQueue after a delay. At most one execution is pending at a time.
type DelayedWork struct {
	queue *WorkQueue
	work  func()

	mutex      sync.Mutex
	timer      *time.Timer
	generation uint64
	pending    bool
}

func NewDelayedWork(queue *WorkQueue, work func()) *DelayedWork {
	return &DelayedWork{
		queue: queue,
		work:  work,
	}
}

// Schedule arms the work to run after delay. When an execution is already
// pending the call is a no-op and Schedule returns false.
func (w *DelayedWork) Schedule(delay time.Duration) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.pending {
		return false
	}

	w.arm(delay)
	return true
}

// Reschedule arms the work to run after delay, replacing any pending execution
func (w *DelayedWork) Reschedule(delay time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.pending {
		w.generation++
		w.timer.Stop()
		w.pending = false
	}

	w.arm(delay)
}

func (w *DelayedWork) arm(delay time.Duration) {
	w.pending = true
	generation := w.generation

	w.timer = time.AfterFunc(delay, func() {
		w.mutex.Lock()
		if w.generation != generation || !w.pending {
			w.mutex.Unlock()
			return
		}
		w.pending = false
		w.mutex.Unlock()

		w.queue.Submit(w.work)
	})
}

// Cancel drops any pending execution. An execution already handed to the
// WorkQueue still runs; callers needing certainty should Flush the queue
// afterward.
func (w *DelayedWork) Cancel() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.generation++
	if w.pending {
		w.timer.Stop()
		w.pending = false
	}
}

// Pending reports whether an execution is currently armed
func (w *DelayedWork) Pending() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.pending
}
