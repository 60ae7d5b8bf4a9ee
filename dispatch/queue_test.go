package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasksInPostOrderOnOneGoroutine(t *testing.T) {
	q := NewQueue()
	q.Start()
	defer q.Stop()

	var (
		mu    sync.Mutex
		order []int
		busy  bool
	)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		i := i
		require.True(t, q.Post(func() {
			defer wg.Done()
			mu.Lock()
			if busy {
				t.Errorf("tasks overlapped")
			}
			busy = true
			order = append(order, i)
			busy = false
			mu.Unlock()
		}))
	}
	wg.Wait()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueueTaskMayPostAndSyncFromOutside(t *testing.T) {
	q := NewQueue()
	q.Start()
	defer q.Stop()

	nested := make(chan struct{})
	q.Post(func() {
		q.Post(func() { close(nested) })
	})

	select {
	case <-nested:
	case <-time.After(time.Second):
		t.Fatalf("nested task never ran")
	}

	value := 0
	require.NoError(t, q.Sync(context.Background(), func() { value = 42 }))
	assert.Equal(t, 42, value)
}

func TestQueueStopRejectsNewTasks(t *testing.T) {
	q := NewQueue()
	q.Start()

	ran := make(chan struct{})
	q.Post(func() { close(ran) })
	q.Stop()
	<-ran

	assert.False(t, q.Post(func() {}))
	q.Stop()
}

func TestQueueRunOnCallerGoroutine(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	q.Post(func() { cancel() })

	finished := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}

func TestQueueStopFromTaskDoesNotWaitForItself(t *testing.T) {
	q := NewQueue()
	q.Start()

	stopped := make(chan struct{})
	after := make(chan struct{})
	q.Post(func() {
		q.Post(func() { close(after) })
		q.Stop()
		close(stopped)
	})

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop called from a task never returned")
	}
	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatalf("task queued before Stop never ran")
	}
	assert.False(t, q.Post(func() {}))

	select {
	case <-q.done:
	case <-time.After(time.Second):
		t.Fatalf("drain goroutine did not exit")
	}
}

func TestQueueOnQueueAndInlineSync(t *testing.T) {
	q := NewQueue()
	q.Start()
	defer q.Stop()

	assert.False(t, q.OnQueue())

	result := make(chan []bool, 1)
	q.Post(func() {
		seen := []bool{q.OnQueue()}
		err := q.Sync(context.Background(), func() {
			seen = append(seen, q.OnQueue())
		})
		seen = append(seen, err == nil)
		result <- seen
	})

	select {
	case seen := <-result:
		assert.Equal(t, []bool{true, true, true}, seen)
	case <-time.After(time.Second):
		t.Fatalf("Sync from a task deadlocked")
	}
}

func TestQueueSyncFailsAfterStop(t *testing.T) {
	q := NewQueue()
	q.Start()
	q.Stop()

	err := q.Sync(context.Background(), func() {
		t.Errorf("task ran on a stopped queue")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
