package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](0, nil)
	for i := 0; i < 5; i++ {
		require.Nil(t, q.Enqueue(i))
	}
	for i := 0; i < 5; i++ {
		v, err := q.Dequeue(Forever)
		require.Nil(t, err)
		assert.Equal(t, i, v)
	}
}

func TestQueuePollEmpty(t *testing.T) {
	q := NewQueue[int](0, nil)
	_, err := q.Dequeue(0)
	require.NotNil(t, err)
	assert.Equal(t, errs.Timeout, err.Kind)
}

func TestQueueTimeout(t *testing.T) {
	q := NewQueue[int](0, nil)
	start := time.Now()
	_, err := q.Dequeue(20 * time.Millisecond)
	require.NotNil(t, err)
	assert.Equal(t, errs.Timeout, err.Kind)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueBoundBlocks(t *testing.T) {
	q := NewQueue[int](1, nil)
	require.Nil(t, q.Enqueue(1))

	done := make(chan struct{})
	go func() {
		q.Enqueue(2) // blocks until the first is dequeued
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("enqueue did not block on full queue")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := q.Dequeue(Forever)
	require.Nil(t, err)
	assert.Equal(t, 1, v)
	<-done
}

func TestQueuePrioPrepends(t *testing.T) {
	q := NewQueue[int](1, nil)
	require.Nil(t, q.Enqueue(1))
	require.Nil(t, q.EnqueuePrio(99)) // ignores the bound

	v, err := q.Dequeue(Forever)
	require.Nil(t, err)
	assert.Equal(t, 99, v)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue[int](0, nil)
	require.Nil(t, q.Enqueue(1))
	q.Close()

	err := q.Enqueue(2)
	require.NotNil(t, err)
	assert.Equal(t, errs.NoRsc, err.Kind)

	// pending messages survive close
	v, derr := q.Dequeue(Forever)
	require.Nil(t, derr)
	assert.Equal(t, 1, v)

	_, derr = q.Dequeue(Forever)
	require.NotNil(t, derr)
	assert.Equal(t, errs.NoRsc, derr.Kind)
}

func TestQueueShutdownDrains(t *testing.T) {
	var drained []int
	q := NewQueue[int](0, func(v int) { drained = append(drained, v) })
	for i := 0; i < 3; i++ {
		require.Nil(t, q.Enqueue(i))
	}
	q.Shutdown()
	assert.Equal(t, []int{0, 1, 2}, drained)
	assert.Zero(t, q.Len())
}

func TestQueueConcurrent(t *testing.T) {
	q := NewQueue[int](4, nil)
	const n = 100
	var sum atomic.Int64
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			q.Enqueue(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			v, err := q.Dequeue(Forever)
			if err == nil {
				sum.Add(int64(v))
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, int64(n*(n+1)/2), sum.Load())
}

func TestWorkerHandlesMessagesAndTicks(t *testing.T) {
	q := NewQueue[*Message](0, nil)
	var msgs, ticks atomic.Int32
	w := NewWorker("test", 1, 10*time.Millisecond, q, func(m *Message) *errs.Error {
		if m == nil {
			ticks.Add(1)
		} else {
			msgs.Add(1)
		}
		return nil
	}, nil)

	require.Nil(t, q.Enqueue(&Message{Type: 1}))
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	assert.Equal(t, int32(1), msgs.Load())
	assert.Positive(t, ticks.Load())
}

func TestWorkerReportsErrors(t *testing.T) {
	q := NewQueue[*Message](0, nil)
	var got atomic.Value
	w := NewWorker("failing", 1, 0, q, func(m *Message) *errs.Error {
		return errs.New(errs.NoRsc, "sorter", "contexts busy")
	}, func(err error) { got.Store(err) })

	require.Nil(t, q.Enqueue(&Message{}))
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	err, _ := got.Load().(error)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoRsc))
}
