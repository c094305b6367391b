package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueEmpty(t *testing.T) {
	q := New[string](4)
	require.NotNil(t, q)
	require.Nil(t, q.Dequeue())
	require.Zero(t, q.Len())
}

func TestQueueFIFOWithinOneSegment(t *testing.T) {
	q := New[string](4)

	q.Enqueue("one")
	q.Enqueue("two")
	require.EqualValues(t, 2, q.Len())

	v := q.Dequeue()
	require.NotNil(t, v)
	require.Equal(t, "one", *v)

	v = q.Dequeue()
	require.NotNil(t, v)
	require.Equal(t, "two", *v)

	// draining a segment rewinds its indices for reuse
	require.Zero(t, q.head)
	require.Zero(t, q.tail)
	require.Nil(t, q.Dequeue())
}

func TestQueueSegmentChaining(t *testing.T) {
	const size = 3
	q := New[int](size)

	// overfill the first segment
	for i := 1; i <= size+2; i++ {
		q.Enqueue(i)
	}
	require.NotNil(t, q.next)
	require.EqualValues(t, size+2, q.Len())

	// items come back in order across the segment boundary
	for i := 1; i <= size+2; i++ {
		v := q.Dequeue()
		require.NotNil(t, v)
		require.Equal(t, i, *v)
	}
	require.Zero(t, q.Len())
	require.Nil(t, q.Dequeue())

	// interleave enqueues with a partially drained first segment
	q = New[int](size)
	q.Enqueue(1)
	q.Enqueue(2)
	require.Equal(t, 1, *q.Dequeue())
	q.Enqueue(3) // fills the first segment
	q.Enqueue(4) // chains a second segment
	q.Enqueue(5)
	for i := 2; i <= 5; i++ {
		v := q.Dequeue()
		require.NotNil(t, v)
		require.Equal(t, i, *v)
	}
	require.Zero(t, q.Len())
}

func TestQueueMinimumSegmentSize(t *testing.T) {
	q := New[int](0)
	q.Enqueue(1)
	q.Enqueue(2)
	require.Equal(t, 1, *q.Dequeue())
	require.Equal(t, 2, *q.Dequeue())
}

func TestHolderHandOff(t *testing.T) {
	h := NewHolder(New[int](4))
	require.Nil(t, h.Dequeue())
	require.Zero(t, h.Len())

	done := make(chan int)
	go func() {
		for {
			if v := h.Dequeue(); v != nil {
				done <- *v
				return
			}
			<-h.Available()
		}
	}()

	h.Enqueue(42)
	require.Equal(t, 42, <-done)
	require.Zero(t, h.Len())
}

func TestHolderSignalCoalesces(t *testing.T) {
	h := NewHolder(New[int](4))

	// many enqueues collapse into a single pending signal
	for i := 0; i < 5; i++ {
		h.Enqueue(i)
	}
	require.EqualValues(t, 5, h.Len())

	<-h.Available()
	select {
	case <-h.Available():
		t.Fatal("expected the availability signal to coalesce")
	default:
	}

	// the items are all still there regardless
	for i := 0; i < 5; i++ {
		v := h.Dequeue()
		require.NotNil(t, v)
		require.Equal(t, i, *v)
	}
}
