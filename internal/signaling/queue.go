package signaling

import (
	"sync"
	"sync/atomic"
)

// outbound is one queued write. A frame with closeMsg set is written as a
// close control frame and ends the writer.
type outbound struct {
	data     []byte
	binary   bool
	closeMsg []byte
}

// sendQueue is a length-bounded FIFO of outbound frames with a single
// consumer. Enqueue never blocks.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	final    bool

	maxLen int
	frames []outbound

	drops atomic.Uint64
}

func newSendQueue(maxLen int) *sendQueue {
	q := &sendQueue{maxLen: maxLen}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends frame if the queue has room and has not been finished.
func (q *sendQueue) Enqueue(frame outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.final {
		q.drops.Add(1)
		return false
	}
	if q.maxLen > 0 && len(q.frames) >= q.maxLen {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// Finish appends a last frame regardless of the length bound. Later Enqueue
// calls fail; the consumer drains what is queued and then sees the end.
func (q *sendQueue) Finish(frame outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.final {
		return false
	}
	q.final = true
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *sendQueue) Dequeue() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return outbound{}, false
	}
	frame := q.frames[0]
	q.frames[0] = outbound{}
	q.frames = q.frames[1:]
	return frame, true
}

// Close discards queued frames and wakes the consumer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
