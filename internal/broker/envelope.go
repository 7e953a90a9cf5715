package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"meridian/internal/ledger"
	"meridian/internal/message"
	"meridian/pkg/errors"
	"meridian/pkg/tracing"
)

const (
	EnvelopeEventType = "meridian.flow.forwarded"

	extFlowID      = "flowid"
	extGroupID     = "groupid"
	extComponentID = "componentid"
	extContentType = "msgcontenttype"
	extProperties  = "properties"
)

// Envelope is what one component hands to the next: a reference to the
// upstream flow node plus its content, so the receiver can record its own
// node under the same group without a second round trip.
type Envelope struct {
	FlowID      string
	GroupID     string
	ComponentID string
	Source      string
	Content     string
	ContentType message.ContentType
	Properties  ledger.Properties
	Time        time.Time
}

// EncodeEnvelope renders env as a structured-mode CloudEvent. The trace
// context of ctx travels as extensions so it survives transports that drop
// headers.
func EncodeEnvelope(ctx context.Context, env Envelope) (Message, error) {
	e := cloudevents.NewEvent()
	e.SetID(env.FlowID)
	e.SetType(EnvelopeEventType)
	e.SetSource(env.Source)
	if env.Time.IsZero() {
		env.Time = time.Now().UTC()
	}
	e.SetTime(env.Time)
	e.SetExtension(extFlowID, env.FlowID)
	e.SetExtension(extGroupID, env.GroupID)
	e.SetExtension(extComponentID, env.ComponentID)
	e.SetExtension(extContentType, string(env.ContentType))

	props, err := json.Marshal(env.Properties)
	if err != nil {
		return Message{}, errors.ErrInternal.WithMessage("failed to marshal envelope properties").WithCause(err)
	}
	e.SetExtension(extProperties, string(props))

	trace := make(map[string]string)
	tracing.InjectMap(ctx, trace)
	for k, v := range trace {
		e.SetExtension(k, v)
	}

	if err := e.SetData(cloudevents.TextPlain, []byte(env.Content)); err != nil {
		return Message{}, errors.ErrInternal.WithMessage("failed to set envelope data").WithCause(err)
	}
	if err := e.Validate(); err != nil {
		return Message{}, errors.ErrValidation.WithMessage(fmt.Sprintf("invalid envelope: %v", err)).WithCause(err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return Message{}, errors.ErrInternal.WithMessage("failed to marshal envelope").WithCause(err)
	}
	return Message{
		Key:     env.GroupID,
		Value:   body,
		Headers: map[string]string{"content-type": cloudevents.ApplicationCloudEventsJSON},
	}, nil
}

// DecodeEnvelope parses a message written by EncodeEnvelope and returns a
// context carrying the sender's trace. Malformed input is a validation
// error so consumers dead-letter it rather than retry.
func DecodeEnvelope(ctx context.Context, msg Message) (context.Context, Envelope, error) {
	e := cloudevents.NewEvent()
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return ctx, Envelope{}, errors.ErrValidation.WithMessage("malformed envelope").WithCause(err)
	}
	if e.Type() != EnvelopeEventType {
		return ctx, Envelope{}, errors.ErrValidation.
			WithMessage(fmt.Sprintf("unexpected event type %q", e.Type())).
			WithDetail("event_id", e.ID())
	}

	ext := make(map[string]string, len(e.Extensions()))
	for k, v := range e.Extensions() {
		ext[k] = fmt.Sprint(v)
	}

	ct, err := message.ParseContentType(ext[extContentType])
	if err != nil {
		return ctx, Envelope{}, err
	}

	var props ledger.Properties
	if raw := ext[extProperties]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			return ctx, Envelope{}, errors.ErrValidation.WithMessage("malformed envelope properties").WithCause(err)
		}
	}

	env := Envelope{
		FlowID:      ext[extFlowID],
		GroupID:     ext[extGroupID],
		ComponentID: ext[extComponentID],
		Source:      e.Source(),
		Content:     string(e.Data()),
		ContentType: ct,
		Properties:  props,
		Time:        e.Time(),
	}
	if env.FlowID == "" {
		return ctx, Envelope{}, errors.ErrValidation.WithMessage("envelope has no flow id")
	}
	return tracing.ExtractMap(ctx, ext), env, nil
}
