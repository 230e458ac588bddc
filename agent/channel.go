package agent

import (
	"context"
	"sync"
)

// MessageChannel is a single-producer, single-consumer asynchronous queue.
// Send never blocks: items buffer in order when no consumer is waiting and
// hand off directly when one is. Receive drains buffered items before
// waiting. After Close, a waiting consumer is released with ok=false and
// later sends are silently dropped.
//
// Items are delivered in send order, never reordered or duplicated.
type MessageChannel[T any] struct {
	mu     sync.Mutex
	buf    []T
	waiter chan T
	done   chan struct{}
	closed bool
}

// NewMessageChannel creates an open, empty channel.
func NewMessageChannel[T any]() *MessageChannel[T] {
	return &MessageChannel[T]{done: make(chan struct{})}
}

// Send enqueues an item, resolving a waiting consumer immediately if one is
// blocked in Receive. Sends after Close are dropped.
func (c *MessageChannel[T]) Send(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.waiter != nil {
		w := c.waiter
		c.waiter = nil
		w <- item
		return
	}
	c.buf = append(c.buf, item)
}

// Receive returns the next item, blocking until one is sent, the channel
// closes, or ctx is cancelled. ok is false on close or cancellation.
func (c *MessageChannel[T]) Receive(ctx context.Context) (item T, ok bool) {
	c.mu.Lock()
	if len(c.buf) > 0 {
		item = c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()
		return item, true
	}
	if c.closed {
		c.mu.Unlock()
		return item, false
	}
	w := make(chan T, 1)
	c.waiter = w
	c.mu.Unlock()

	select {
	case item = <-w:
		return item, true
	case <-c.done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.waiter == w {
		c.waiter = nil
	}
	c.mu.Unlock()

	// A send may have raced the close or cancellation; prefer the item so
	// nothing is lost.
	select {
	case item = <-w:
		return item, true
	default:
		return item, false
	}
}

// Len returns the number of buffered items.
func (c *MessageChannel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Close marks the channel closed and releases a waiting consumer. Safe to
// call multiple times.
func (c *MessageChannel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.waiter = nil
	close(c.done)
}
