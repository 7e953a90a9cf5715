package pipeline

import (
	"context"
	"errors"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/hl7"
	"meridian/internal/ledger"
	"meridian/internal/message"
	"meridian/internal/outbox"
	"meridian/internal/policy"
	"meridian/internal/processing"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/metrics"
)

// Headers set on bare payloads sent by outbound adapters.
const (
	HeaderFlowID      = "meridian-flow-id"
	HeaderContentType = "meridian-content-type"
)

// accept applies the acceptance policy to parent and records the outcome as
// its child. An accepted flow gets its INGRESS_COMPLETE event, and an
// ACKNOWLEDGMENT_PENDING one when the component acknowledges senders.
func (c *Controller) accept(ctx context.Context, rt *runtime, parent *ledger.Flow) (*ledger.Flow, error) {
	subject, err := c.subject(ctx, rt, parent)
	if err != nil {
		return nil, err
	}

	var result policy.Result
	err = apperrors.Guard(func() (err error) {
		result, err = rt.acceptance.ApplyPolicy(ctx, subject)
		return err
	})
	if err != nil {
		return nil, policyFailure(rt, err)
	}
	metrics.IncPolicyDecision(string(policy.KindAcceptance), rt.acceptance.Name(), result.Success)

	if !result.Success {
		return c.filtered(ctx, rt, parent, ledger.ActionNotAccepted, result)
	}

	flow, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: rt.component.ID,
		ParentID:    parent.ID,
		Action:      ledger.ActionAccepted,
	})
	if err != nil {
		return nil, err
	}
	if err := c.enqueue(ctx, rt, flow, outbox.TypeIngressComplete); err != nil {
		return nil, err
	}
	if rt.acknowledge {
		if err := c.enqueue(ctx, rt, flow, outbox.TypeAcknowledgmentPending); err != nil {
			return nil, err
		}
	}
	return flow, nil
}

// forward applies the forwarding policy and records either a
// PENDING_FORWARDING node with its dispatch event or a NOT_FORWARDED node.
func (c *Controller) forward(ctx context.Context, rt *runtime, parent *ledger.Flow) (*ledger.Flow, error) {
	subject, err := c.subject(ctx, rt, parent)
	if err != nil {
		return nil, err
	}

	var result policy.Result
	err = apperrors.Guard(func() (err error) {
		result, err = rt.forwarding.ApplyPolicy(ctx, subject)
		return err
	})
	if err != nil {
		return nil, policyFailure(rt, err)
	}
	metrics.IncPolicyDecision(string(policy.KindForwarding), rt.forwarding.Name(), result.Success)

	if !result.Success {
		return c.filtered(ctx, rt, parent, ledger.ActionNotForwarded, result)
	}

	flow, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: rt.component.ID,
		ParentID:    parent.ID,
		Action:      ledger.ActionPendingForwarding,
	})
	if err != nil {
		return nil, err
	}
	if err := c.enqueue(ctx, rt, flow, outbox.TypePendingForwarding); err != nil {
		return nil, err
	}
	return flow, nil
}

func (c *Controller) filtered(ctx context.Context, rt *runtime, parent *ledger.Flow, action ledger.Action, result policy.Result) (*ledger.Flow, error) {
	flow, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: rt.component.ID,
		ParentID:    parent.ID,
		Action:      action,
	})
	if err != nil {
		return nil, err
	}
	if err := c.ledger.AttachFilterResult(ctx, flow.ID, result.FilterName, result.FilterReason); err != nil {
		return nil, err
	}
	return flow, nil
}

func (c *Controller) enqueue(ctx context.Context, rt *runtime, flow *ledger.Flow, t outbox.EventType) error {
	_, err := c.scheduler.RecordEvent(ctx, outbox.EventRequest{
		FlowID:      flow.ID,
		ComponentID: rt.component.ID,
		RouteID:     rt.component.RouteID,
		Owner:       rt.component.Owner,
		Type:        t,
	})
	return err
}

func (c *Controller) subject(ctx context.Context, rt *runtime, flow *ledger.Flow) (policy.Subject, error) {
	msg, err := c.ledger.Content(ctx, flow)
	if err != nil {
		return policy.Subject{}, err
	}
	return policy.Subject{
		FlowID:      flow.ID,
		ComponentID: rt.component.ID,
		Content:     msg.Content,
		ContentType: flow.ContentType,
		Properties:  flow.Properties,
	}, nil
}

// consume deletes the event a stage has completed. An event already gone
// was completed by someone else, which is fine.
func (c *Controller) consume(ctx context.Context, ev outbox.Event) error {
	err := c.scheduler.DeleteEvent(ctx, ev.ID)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	return nil
}

// receiveStage handles MESSAGE_RECEIVED: the upstream flow is accepted or
// filtered on behalf of this component.
func (c *Controller) receiveStage(ctx context.Context, rt *runtime, ev outbox.Event) error {
	return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		upstream, err := c.ledger.Get(ctx, ev.MessageFlowID)
		if err != nil {
			return err
		}

		children, err := c.ledger.Children(ctx, upstream.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.ComponentID == rt.component.ID {
				c.logger.DebugwCtx(ctx, "Upstream flow already received", "existing_flow_id", child.ID)
				return c.consume(ctx, ev)
			}
		}

		if _, err := c.accept(ctx, rt, upstream); err != nil {
			return err
		}
		return c.consume(ctx, ev)
	})
}

// processStage handles INGRESS_COMPLETE: transformers and splitters produce
// new nodes that wait for a forwarding decision, everything else goes
// straight to it.
func (c *Controller) processStage(ctx context.Context, rt *runtime, ev outbox.Event) error {
	return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		flow, err := c.ledger.Get(ctx, ev.MessageFlowID)
		if err != nil {
			return err
		}

		switch rt.component.Type {
		case component.TypeTransformer:
			err = c.transform(ctx, rt, flow)
		case component.TypeSplitter:
			err = c.split(ctx, rt, flow)
		default:
			_, err = c.forward(ctx, rt, flow)
		}
		if err != nil {
			return err
		}
		return c.consume(ctx, ev)
	})
}

func (c *Controller) input(ctx context.Context, rt *runtime, flow *ledger.Flow) (processing.Input, error) {
	msg, err := c.ledger.Content(ctx, flow)
	if err != nil {
		return processing.Input{}, err
	}
	return processing.Input{
		FlowID:      flow.ID,
		ComponentID: rt.component.ID,
		Content:     msg.Content,
		ContentType: flow.ContentType,
		Properties:  flow.Properties,
	}, nil
}

func (c *Controller) transform(ctx context.Context, rt *runtime, flow *ledger.Flow) error {
	in, err := c.input(ctx, rt, flow)
	if err != nil {
		return err
	}
	var out processing.Output
	err = apperrors.Guard(func() (err error) {
		out, err = rt.transformer.Transform(ctx, in)
		return err
	})
	if err != nil {
		return failWith(ledger.ActionTransformationError, processing.Failed(err))
	}

	child, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: rt.component.ID,
		ParentID:    flow.ID,
		Content:     &out.Content,
		ContentType: out.ContentType,
		Action:      ledger.ActionTransformed,
		Properties:  out.Properties,
	})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, rt, child, outbox.TypeProcessingComplete)
}

func (c *Controller) split(ctx context.Context, rt *runtime, flow *ledger.Flow) error {
	in, err := c.input(ctx, rt, flow)
	if err != nil {
		return err
	}
	var parts []processing.Output
	err = apperrors.Guard(func() (err error) {
		parts, err = rt.splitter.Split(ctx, in)
		return err
	})
	if err != nil {
		return failWith(ledger.ActionSplitterError, processing.Failed(err))
	}

	if len(parts) == 0 {
		_, err := c.filtered(ctx, rt, flow, ledger.ActionNotForwarded,
			policy.Filter(rt.component.Config(component.KeySplitter), "split produced no messages"))
		return err
	}

	count := strconv.Itoa(len(parts))
	for i, part := range parts {
		props := part.Properties.Clone()
		if _, ok := props.Get(processing.PropSplitIndex); !ok {
			props = props.Merge(ledger.Properties{
				{Key: processing.PropSplitIndex, Value: strconv.Itoa(i)},
				{Key: processing.PropSplitTotal, Value: count},
			})
		}
		child, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
			ComponentID: rt.component.ID,
			ParentID:    flow.ID,
			Content:     &part.Content,
			ContentType: part.ContentType,
			Action:      ledger.ActionCreatedFromSplit,
			Properties:  props,
		})
		if err != nil {
			return err
		}
		if err := c.enqueue(ctx, rt, child, outbox.TypeProcessingComplete); err != nil {
			return err
		}
	}
	return nil
}

// forwardStage handles PROCESSING_COMPLETE.
func (c *Controller) forwardStage(ctx context.Context, rt *runtime, ev outbox.Event) error {
	return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		flow, err := c.ledger.Get(ctx, ev.MessageFlowID)
		if err != nil {
			return err
		}
		if _, err := c.forward(ctx, rt, flow); err != nil {
			return err
		}
		return c.consume(ctx, ev)
	})
}

// dispatchStage handles PENDING_FORWARDING. The publish happens before the
// unit of work that consumes the event, so a crash in between sends the
// message again; receivers drop the duplicate by its inbox key.
func (c *Controller) dispatchStage(ctx context.Context, rt *runtime, ev outbox.Event) error {
	flow, err := c.ledger.Get(ctx, ev.MessageFlowID)
	if err != nil {
		return err
	}

	if flow.Action == ledger.ActionForwarded {
		return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
			return c.consume(ctx, ev)
		})
	}

	msg, err := c.ledger.Content(ctx, flow)
	if err != nil {
		return err
	}
	out, err := c.outgoing(ctx, rt, flow, msg.Content)
	if err != nil {
		return err
	}

	destination := rt.destination()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("messaging.destination", destination))
	if err := c.producer.Publish(ctx, destination, out); err != nil {
		return transportFailure(err, destination)
	}

	return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := c.consume(ctx, ev); err != nil {
			return err
		}
		return c.ledger.UpdateAction(ctx, flow.ID, ledger.ActionForwarded)
	})
}

func (c *Controller) outgoing(ctx context.Context, rt *runtime, flow *ledger.Flow, content string) (broker.Message, error) {
	if rt.component.Type.RawOutput() {
		return broker.Message{
			Key:   flow.GroupID,
			Value: []byte(content),
			Headers: map[string]string{
				HeaderFlowID:      flow.ID,
				HeaderContentType: string(flow.ContentType),
			},
		}, nil
	}
	return broker.EncodeEnvelope(ctx, broker.Envelope{
		FlowID:      flow.ID,
		GroupID:     flow.GroupID,
		ComponentID: rt.component.ID,
		Source:      "/components/" + rt.component.ID,
		Content:     content,
		ContentType: flow.ContentType,
		Properties:  flow.Properties,
		Time:        c.now(),
	})
}

// acknowledgeStage handles ACKNOWLEDGMENT_PENDING for HL7 senders. Other
// content types have nothing to acknowledge and the event is dropped.
func (c *Controller) acknowledgeStage(ctx context.Context, rt *runtime, ev outbox.Event) error {
	flow, err := c.ledger.Get(ctx, ev.MessageFlowID)
	if err != nil {
		return err
	}

	if flow.ContentType != message.ContentTypeHL7 {
		c.logger.DebugwCtx(ctx, "No acknowledgment for content type", "content_type", flow.ContentType)
		return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
			return c.consume(ctx, ev)
		})
	}

	msg, err := c.ledger.Content(ctx, flow)
	if err != nil {
		return err
	}
	header, err := hl7.ParseHeader(msg.Content)
	if err != nil {
		return err
	}
	ack := hl7.BuildAck(header, hl7.AckAccept, "", ackControlID(flow.ID), c.now())

	if destination := rt.component.Config(component.KeyAckDestination); destination != "" {
		out := broker.Message{
			Key:     flow.GroupID,
			Value:   []byte(ack),
			Headers: map[string]string{HeaderFlowID: flow.ID, HeaderContentType: string(message.ContentTypeHL7Ack)},
		}
		if err := c.producer.Publish(ctx, destination, out); err != nil {
			return transportFailure(err, destination)
		}
	}

	return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := c.RecordAcknowledgment(ctx, flow.ID, ack); err != nil {
			return err
		}
		return c.consume(ctx, ev)
	})
}

// ackControlID derives MSH-10 of the acknowledgment from the flow id; HL7
// caps the field at 20 characters.
func ackControlID(flowID string) string {
	id := make([]byte, 0, 20)
	for i := 0; i < len(flowID) && len(id) < 20; i++ {
		if flowID[i] != '-' {
			id = append(id, flowID[i])
		}
	}
	return string(id)
}

func transportFailure(err error, destination string) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.ErrTransport.
		WithMessage("publish failed").
		WithDetail("destination", destination).
		WithCause(err).
		AsRetryable()
}
