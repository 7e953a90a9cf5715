package pipeline

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/ledger"
	"meridian/internal/outbox"
	"meridian/pkg/logging"
)

type subscription struct {
	consumer broker.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// ApplyInbound starts or stops the consumer feeding a component. Stopping
// cancels the consumer, a message it is already handling runs to the end,
// and queued inbound-side events wait until the side restarts.
func (c *Controller) ApplyInbound(ctx context.Context, comp *component.Component, running bool) error {
	rt, err := c.refresh(comp)
	if err != nil {
		return err
	}
	c.scheduler.Register(comp.ID, comp.Path())

	if !running {
		c.scheduler.Suspend(comp.ID, outbox.InboundTypes()...)
		c.stopInbound(ctx, comp.ID)
		return nil
	}
	c.scheduler.Resume(comp.ID, outbox.InboundTypes()...)
	return c.startInbound(ctx, rt)
}

// ApplyOutbound resumes or suspends dispatch of PENDING_FORWARDING events.
// Earlier stages keep running, so work queues up until the side restarts.
func (c *Controller) ApplyOutbound(ctx context.Context, comp *component.Component, running bool) error {
	if _, err := c.refresh(comp); err != nil {
		return err
	}
	c.scheduler.Register(comp.ID, comp.Path())

	if running {
		c.scheduler.Resume(comp.ID, outbox.TypePendingForwarding)
	} else {
		c.scheduler.Suspend(comp.ID, outbox.TypePendingForwarding)
	}
	c.logger.InfowCtx(logging.WithComponentID(ctx, comp.ID), "Applied outbound state",
		"component", comp.Name,
		"running", running,
	)
	return nil
}

func (c *Controller) startInbound(ctx context.Context, rt *runtime) error {
	id := rt.component.ID
	if c.consumers == nil {
		return nil
	}

	c.mu.Lock()
	if _, ok := c.inbound[id]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	consumer, err := c.consumers(id)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(c.base)
	sub := &subscription{consumer: consumer, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, ok := c.inbound[id]; ok {
		c.mu.Unlock()
		cancel()
		return consumer.Close()
	}
	c.inbound[id] = sub
	c.mu.Unlock()

	source := rt.source()
	handler := c.inboundHandler(rt)
	logCtx := logging.WithComponentID(ctx, id)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(sub.done)
		err := consumer.Consume(subCtx, source, handler)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.ErrorwCtx(logCtx, "Inbound consumer stopped", "source", source, "error", err)
		}
	}()

	c.logger.InfowCtx(logCtx, "Started inbound consumer",
		"component", rt.component.Name,
		"source", source,
	)
	return nil
}

func (c *Controller) stopInbound(ctx context.Context, componentID string) {
	c.mu.Lock()
	sub, ok := c.inbound[componentID]
	delete(c.inbound, componentID)
	c.mu.Unlock()
	if !ok {
		return
	}

	sub.cancel()
	select {
	case <-sub.done:
	case <-ctx.Done():
	}
	if err := sub.consumer.Close(); err != nil {
		c.logger.WarnwCtx(ctx, "Failed to close consumer", "component_id", componentID, "error", err)
	}
	c.logger.InfowCtx(logging.WithComponentID(ctx, componentID), "Stopped inbound consumer")
}

// Consuming reports whether an inbound consumer is running for a component.
func (c *Controller) Consuming(componentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inbound[componentID]
	return ok
}

// inboundHandler reads bare payloads for transport adapters and envelopes
// for every other component.
func (c *Controller) inboundHandler(rt *runtime) broker.HandlerFunc {
	id := rt.component.ID
	if rt.component.Type.RawInput() {
		return func(ctx context.Context, msg broker.Message) error {
			_, err := c.Ingest(ctx, id, string(msg.Value), "", headerProperties(msg.Headers))
			return err
		}
	}
	return func(ctx context.Context, msg broker.Message) error {
		ctx, env, err := broker.DecodeEnvelope(ctx, msg)
		if err != nil {
			return err
		}
		_, err = c.Receive(ctx, id, env)
		return err
	}
}

// headerProperties turns transport headers into flow properties, leaving out
// trace propagation headers.
func headerProperties(headers map[string]string) ledger.Properties {
	props := make(ledger.Properties, 0, len(headers))
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		switch strings.ToLower(k) {
		case "traceparent", "tracestate", "baggage":
			continue
		}
		props = append(props, ledger.Property{Key: k, Value: headers[k]})
	}
	return props
}
