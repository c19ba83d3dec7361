package queue

import (
	"context"
	"errors"
	"sync"
)

// Handler consumes one queue message.
type Handler func(ctx context.Context, msg Message)

// MemoryClient is an in-process queue for single-binary deployments where
// SQS is not configured. Messages are dispatched to a fixed pool of worker
// goroutines.
type MemoryClient struct {
	messages chan Message
	handler  Handler

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMemoryClient starts workers consuming sent messages with handler.
func NewMemoryClient(handler Handler, workers, buffer int) *MemoryClient {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	c := &MemoryClient{
		messages: make(chan Message, buffer),
		handler:  handler,
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.run()
	}
	return c
}

func (c *MemoryClient) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.messages:
			if c.handler != nil {
				c.handler(context.Background(), msg)
			}
		}
	}
}

// Send enqueues a message for the worker pool.
func (c *MemoryClient) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return errors.New("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	case c.messages <- msg:
		return nil
	}
}

// Close stops the workers. Buffered messages that have not been picked up
// are dropped.
func (c *MemoryClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

var _ Client = (*MemoryClient)(nil)
