package broker

import (
	"context"

	"meridian/pkg/circuitbreaker"
)

// BreakerProducer stops publishing to a transport that keeps failing, so
// dispatch backs off through the scheduler instead of piling up timeouts.
type BreakerProducer struct {
	next    Producer
	breaker *circuitbreaker.Wrapper
}

func NewBreakerProducer(next Producer, breaker *circuitbreaker.Wrapper) *BreakerProducer {
	return &BreakerProducer{next: next, breaker: breaker}
}

func (p *BreakerProducer) Publish(ctx context.Context, destination string, msg Message) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.Publish(ctx, destination, msg)
	})
}

func (p *BreakerProducer) Close() error {
	return p.next.Close()
}
