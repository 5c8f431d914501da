package restx

import (
	"context"
	"sync"

	"github.com/jacaudi/wunderground_like/internal/packet"
)

// Queue is an unbounded FIFO handing packets from event callbacks to a
// worker. Put never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []packet.Packet
	notify chan struct{}
	closed bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Put appends p. It reports false when the queue is closed.
func (q *Queue) Put(p packet.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, p)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Get removes and returns the oldest packet, waiting until one is available.
// Packets queued before Close are still returned.
func (q *Queue) Get(ctx context.Context) (packet.Packet, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting packets and wakes any waiting Get.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
