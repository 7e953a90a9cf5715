package testkit

import (
	"context"
	"sync"

	"meridian/internal/broker"
)

// Broker is an in-memory producer. Fail makes every publish return err until
// it is cleared with Fail(nil).
type Broker struct {
	mu   sync.Mutex
	sent map[string][]broker.Message
	err  error
}

func NewBroker() *Broker {
	return &Broker{sent: make(map[string][]broker.Message)}
}

func (b *Broker) Publish(_ context.Context, destination string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent[destination] = append(b.sent[destination], msg)
	return nil
}

func (b *Broker) Close() error { return nil }

func (b *Broker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *Broker) Sent(destination string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.sent[destination]...)
}

// Consumer hands messages pushed with Deliver to whichever handler is
// consuming the destination.
type Consumer struct {
	mu       sync.Mutex
	handlers map[string]broker.HandlerFunc
	started  chan string
}

func NewConsumer() *Consumer {
	return &Consumer{handlers: make(map[string]broker.HandlerFunc), started: make(chan string, 16)}
}

func (c *Consumer) Consume(ctx context.Context, destination string, handler broker.HandlerFunc) error {
	c.mu.Lock()
	c.handlers[destination] = handler
	c.mu.Unlock()
	c.started <- destination

	<-ctx.Done()
	c.mu.Lock()
	delete(c.handlers, destination)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *Consumer) Close() error { return nil }

func (c *Consumer) SetServiceName(string) {}

// Started yields each destination as a Consume call registers for it.
func (c *Consumer) Started() <-chan string {
	return c.started
}

func (c *Consumer) Consuming(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[destination]
	return ok
}

// Deliver runs the handler for destination. It reports false when nothing
// is consuming it.
func (c *Consumer) Deliver(ctx context.Context, destination string, msg broker.Message) (bool, error) {
	c.mu.Lock()
	h, ok := c.handlers[destination]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, h(ctx, msg)
}
