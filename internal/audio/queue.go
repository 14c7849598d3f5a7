package audio

import (
	"sync"
)

// DefaultQueueCapacity is about 8 seconds of audio at the default frame size
const DefaultQueueCapacity = 256

// FrameQueue is a bounded FIFO handing captured frames to a single consumer.
// Push never blocks: when the queue is full the oldest frame is dropped.
type FrameQueue struct {
	frames   []Frame
	capacity int
	head     int
	count    int
	dropped  uint64
	closed   bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewFrameQueue creates a queue holding at most capacity frames
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &FrameQueue{
		frames:   make([]Frame, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a frame and wakes one waiting consumer.
// Returns false if the frame was refused because the queue is closed.
func (q *FrameQueue) Push(frame Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.count == q.capacity {
		// Overwrite the oldest slot
		q.frames[q.head] = nil
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.dropped++
	}

	tail := (q.head + q.count) % q.capacity
	q.frames[tail] = frame
	q.count++
	q.mu.Unlock()

	q.cond.Signal()
	return true
}

// WaitAndPop blocks until a frame is available or the queue is closed.
// ok is false only once the queue has been closed.
func (q *FrameQueue) WaitAndPop() (frame Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	frame = q.frames[q.head]
	q.frames[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	return frame, true
}

// Drain removes every queued frame and returns how many were removed
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for i := 0; i < q.count; i++ {
		q.frames[(q.head+i)%q.capacity] = nil
	}
	q.head = 0
	q.count = 0
	return n
}

// Close releases every waiter; pushes after Close are refused
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity
func (q *FrameQueue) Cap() int {
	return q.capacity
}

// Dropped returns the number of frames discarded due to overflow
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
