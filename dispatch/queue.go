// Package dispatch provides the single execution context on which every
// delegate callback runs.
package dispatch

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Queue is an unbounded FIFO of tasks drained by exactly one goroutine.
//
// Post never blocks, so a task may post further tasks without deadlocking.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	cancel    context.CancelFunc

	// drainer is the goroutine ID of the drain loop, 0 until it starts.
	drainer atomic.Uint64
}

// NewQueue creates an idle queue. Call Start or Run to drain it.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post appends task. It reports false once the queue has been stopped.
func (q *Queue) Post(task func()) bool {
	if task == nil {
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync posts task and waits for it to run. Called from a queued task, it runs
// task inline.
func (q *Queue) Sync(ctx context.Context, task func()) error {
	if q.OnQueue() {
		task()
		return nil
	}
	ran := make(chan struct{})
	if !q.Post(func() {
		defer close(ran)
		task()
	}) {
		return context.Canceled
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start drains the queue on a background goroutine until Stop.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		go func() {
			defer close(q.done)
			q.drain(ctx)
		}()
	})
}

// Run drains the queue on the calling goroutine until ctx ends, the way an
// application main loop owns its UI thread.
func (q *Queue) Run(ctx context.Context) {
	q.startOnce.Do(func() {
		defer close(q.done)
		q.drain(ctx)
	})
}

// OnQueue reports whether the caller is running on the drain goroutine.
func (q *Queue) OnQueue() bool {
	id := q.drainer.Load()
	return id != 0 && id == goroutineID()
}

// Stop rejects new tasks, runs what is already queued, and waits for the drain
// goroutine to exit when Start was used. Called from a queued task, it returns
// at once and the drain goroutine exits after the remaining tasks.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		select {
		case q.wake <- struct{}{}:
		default:
		}
		if q.cancel == nil {
			return
		}
		if q.OnQueue() {
			go func() {
				<-q.done
				q.cancel()
			}()
			return
		}
		<-q.done
		q.cancel()
	})
}

func (q *Queue) drain(ctx context.Context) {
	q.drainer.Store(goroutineID())
	defer q.drainer.Store(0)

	for {
		task, closed := q.next()
		if task != nil {
			task()
			continue
		}
		if closed {
			return
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, q.closed
	}
	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return task, false
}

// goroutineID parses the current goroutine's ID from its stack header,
// "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
