package mcp

import "sync"

// messageQueue is an unbounded FIFO of outbound messages. Producers never block; a single
// consumer waits on ready for new items.
type messageQueue struct {
	mu     sync.Mutex
	items  []JSONRPCMessage
	closed bool
	ready  chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		ready: make(chan struct{}, 1),
	}
}

func (q *messageQueue) push(msg JSONRPCMessage) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a message is available, the queue is closed or done is closed. The
// second return value is false when no more messages will be delivered.
func (q *messageQueue) pop(done <-chan struct{}) (JSONRPCMessage, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return JSONRPCMessage{}, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = JSONRPCMessage{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-done:
			return JSONRPCMessage{}, false
		case <-q.ready:
		}
	}
}

// close drops every queued message and wakes up the consumer.
func (q *messageQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
