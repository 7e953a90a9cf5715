// Package events carries component state changes from the service that made
// them to every engine instance running the same owner's components.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/logger"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/tracing"
)

const StateChangedType = "meridian.component.state_changed"

type StateChanged struct {
	ComponentID string          `json:"component_id"`
	Path        string          `json:"path"`
	Owner       string          `json:"owner"`
	Side        component.Side  `json:"side"`
	OldState    component.State `json:"old_state"`
	NewState    component.State `json:"new_state"`
	ChangedAt   time.Time       `json:"changed_at"`
}

// Notifier publishes committed state changes on the lifecycle topic. With
// no producer or topic it does nothing and engines rely on their periodic
// reconcile.
type Notifier struct {
	producer broker.Producer
	topic    string
	source   string
	now      func() time.Time
}

func NewNotifier(producer broker.Producer, topic, source string) *Notifier {
	return &Notifier{
		producer: producer,
		topic:    topic,
		source:   source,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (n *Notifier) ComponentStateChanged(ctx context.Context, c *component.Component, side component.Side, change component.StateChange) error {
	if n.producer == nil || n.topic == "" {
		return nil
	}

	msg, err := encode(ctx, n.source, StateChanged{
		ComponentID: c.ID,
		Path:        c.Path(),
		Owner:       c.Owner,
		Side:        side,
		OldState:    change.Old,
		NewState:    change.New,
		ChangedAt:   n.now(),
	})
	if err != nil {
		return err
	}
	return n.producer.Publish(ctx, n.topic, msg)
}

func encode(ctx context.Context, source string, ev StateChanged) (broker.Message, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetType(StateChangedType)
	e.SetSource(source)
	e.SetTime(ev.ChangedAt)
	e.SetSubject(ev.ComponentID)
	if err := e.SetData(cloudevents.ApplicationJSON, ev); err != nil {
		return broker.Message{}, apperrors.ErrInternal.WithMessage("failed to encode state event").WithCause(err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return broker.Message{}, apperrors.ErrInternal.WithMessage("failed to marshal state event").WithCause(err)
	}
	headers := map[string]string{"content-type": cloudevents.ApplicationCloudEventsJSON}
	tracing.InjectMap(ctx, headers)
	return broker.Message{Key: ev.ComponentID, Value: body, Headers: headers}, nil
}

func decode(msg broker.Message) (StateChanged, error) {
	e := cloudevents.NewEvent()
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return StateChanged{}, apperrors.ErrValidation.WithMessage("malformed state event").WithCause(err)
	}
	if e.Type() != StateChangedType {
		return StateChanged{}, apperrors.ErrValidation.WithMessage(fmt.Sprintf("unexpected event type %q", e.Type()))
	}
	var ev StateChanged
	if err := e.DataAs(&ev); err != nil {
		return StateChanged{}, apperrors.ErrValidation.WithMessage("malformed state event data").WithCause(err)
	}
	return ev, nil
}

// Trigger is satisfied by component.Reconciler.
type Trigger interface {
	Trigger()
}

// Handler reacts to state events for one owner by asking the reconciler
// for an immediate pass. The event itself is only a hint: the reconciler
// reads the persisted state.
type Handler struct {
	owner   string
	trigger Trigger
	logger  logger.Logger
}

func NewHandler(owner string, trigger Trigger, log logger.Logger) *Handler {
	return &Handler{owner: owner, trigger: trigger, logger: log}
}

func (h *Handler) Handle(ctx context.Context, msg broker.Message) error {
	ctx = tracing.ExtractMap(ctx, msg.Headers)
	ev, err := decode(msg)
	if err != nil {
		h.logger.WarnwCtx(ctx, "Ignoring unreadable state event", "error", err)
		return nil
	}
	if h.owner != "" && ev.Owner != h.owner {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received component state event",
		"component_id", ev.ComponentID,
		"side", ev.Side,
		"old_state", ev.OldState,
		"new_state", ev.NewState,
	)
	h.trigger.Trigger()
	return nil
}
