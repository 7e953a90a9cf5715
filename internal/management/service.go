// Package management exposes operational control over a running pipeline:
// component state, flow lookups and event backlog.
package management

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meridian/internal/component"
	"meridian/internal/constants"
	"meridian/internal/ledger"
	"meridian/internal/outbox"
	apperrors "meridian/pkg/errors"
)

type Components interface {
	List(ctx context.Context, owner string) ([]component.Component, error)
	Get(ctx context.Context, id string) (*component.Component, error)
	SetState(ctx context.Context, id string, side component.Side, state component.State) (*component.StateChange, error)
}

type Flows interface {
	Retrieve(ctx context.Context, flowID string, includeContent bool) (*ledger.FlowView, error)
	Lineage(ctx context.Context, flowID string) ([]ledger.Flow, error)
	Group(ctx context.Context, groupID string) ([]ledger.Flow, error)
	Errors(ctx context.Context, q ledger.ErrorQuery) ([]ledger.ErrorRecord, error)
}

// Backlog is the read side of the outbox and inbox tables.
type Backlog interface {
	Stats(ctx context.Context, componentID string) ([]outbox.Stats, error)
	ListByComponent(ctx context.Context, componentID string, dir outbox.Direction, limit uint64) ([]outbox.Event, error)
}

type Service struct {
	components Components
	flows      Flows
	backlog    Backlog
}

func NewService(components Components, flows Flows, backlog Backlog) *Service {
	return &Service{components: components, flows: flows, backlog: backlog}
}

func (s *Service) ListComponents(ctx context.Context, owner string) ([]component.Component, error) {
	return s.components.List(ctx, owner)
}

func (s *Service) GetComponent(ctx context.Context, id string) (*component.Component, error) {
	return s.components.Get(ctx, id)
}

// SetState moves one side of a component. Asking for the state it is
// already in is not an error; the result reports Success false.
func (s *Service) SetState(ctx context.Context, id, side, op string) (*component.StateChange, error) {
	sd, err := parseSide(side)
	if err != nil {
		return nil, err
	}
	var state component.State
	switch op {
	case "start":
		state = component.StateRunning
	case "stop":
		state = component.StateStopped
	default:
		return nil, apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown operation %q, want start or stop", op))
	}
	return s.components.SetState(ctx, id, sd, state)
}

func (s *Service) Flow(ctx context.Context, id string, includeContent bool) (*ledger.FlowView, error) {
	return s.flows.Retrieve(ctx, id, includeContent)
}

func (s *Service) Lineage(ctx context.Context, id string) ([]ledger.Flow, error) {
	return s.flows.Lineage(ctx, id)
}

func (s *Service) Group(ctx context.Context, id string) ([]ledger.Flow, error) {
	return s.flows.Group(ctx, id)
}

func (s *Service) Errors(ctx context.Context, componentID string, since time.Time, limit int) ([]ledger.ErrorRecord, error) {
	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	return s.flows.Errors(ctx, ledger.ErrorQuery{
		ComponentID: componentID,
		Since:       since,
		Limit:       uint64(limit),
	})
}

type BacklogView struct {
	ComponentID string         `json:"component_id"`
	Stats       []outbox.Stats `json:"stats"`
	Pending     []outbox.Event `json:"pending,omitempty"`
}

// Backlog reports event counts for a component and, when direction is set,
// the oldest pending events in that direction.
func (s *Service) Backlog(ctx context.Context, componentID, direction string, limit int) (*BacklogView, error) {
	if _, err := s.components.Get(ctx, componentID); err != nil {
		return nil, err
	}
	stats, err := s.backlog.Stats(ctx, componentID)
	if err != nil {
		return nil, err
	}
	view := &BacklogView{ComponentID: componentID, Stats: stats}
	if direction == "" {
		return view, nil
	}

	dir := outbox.Direction(strings.ToUpper(direction))
	if dir != outbox.DirectionInbox && dir != outbox.DirectionOutbox {
		return nil, apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown direction %q", direction))
	}
	switch {
	case limit <= 0:
		limit = constants.DefaultLimit
	case limit > constants.MaxLimit:
		limit = constants.MaxLimit
	}
	view.Pending, err = s.backlog.ListByComponent(ctx, componentID, dir, uint64(limit))
	if err != nil {
		return nil, err
	}
	return view, nil
}

func parseSide(s string) (component.Side, error) {
	switch component.Side(s) {
	case component.SideInbound:
		return component.SideInbound, nil
	case component.SideOutbound:
		return component.SideOutbound, nil
	}
	return "", apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown side %q, want inbound or outbound", s))
}
