package component

import (
	"context"
	"time"

	"meridian/internal/logger"
	"meridian/internal/store"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
)

// Notifier is told about committed state changes so running engines can
// reconcile without waiting for their next tick.
type Notifier interface {
	ComponentStateChanged(ctx context.Context, c *Component, side Side, change StateChange) error
}

type Service struct {
	repo     Repository
	uow      store.UnitOfWork
	notifier Notifier
	logger   logger.Logger
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

func NewService(repo Repository, uow store.UnitOfWork, log logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		uow:    uow,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates a declared component and finds or creates it together
// with its route.
func (s *Service) Register(ctx context.Context, routeName, owner string, spec Spec) (*Component, error) {
	if err := Validate(spec.Name, spec.Type, spec.Configuration); err != nil {
		return nil, err
	}

	var c *Component
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		route, err := s.repo.FindOrCreateRoute(ctx, routeName, owner)
		if err != nil {
			return err
		}
		spec.RouteID = route.ID
		spec.Owner = owner
		c, err = s.repo.FindOrCreate(ctx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfowCtx(logging.WithComponentID(ctx, c.ID), "Component registered",
		"name", c.Name,
		"route", routeName,
		"type", c.Type,
		"inbound_state", c.InboundState,
		"outbound_state", c.OutboundState,
	)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Component, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetRoute(ctx context.Context, id string) (*Route, error) {
	return s.repo.GetRoute(ctx, id)
}

func (s *Service) List(ctx context.Context, owner string) ([]Component, error) {
	return s.repo.List(ctx, owner)
}

func (s *Service) StartInbound(ctx context.Context, id string) (*StateChange, error) {
	return s.setState(ctx, id, SideInbound, StateRunning)
}

func (s *Service) StopInbound(ctx context.Context, id string) (*StateChange, error) {
	return s.setState(ctx, id, SideInbound, StateStopped)
}

func (s *Service) StartOutbound(ctx context.Context, id string) (*StateChange, error) {
	return s.setState(ctx, id, SideOutbound, StateRunning)
}

func (s *Service) StopOutbound(ctx context.Context, id string) (*StateChange, error) {
	return s.setState(ctx, id, SideOutbound, StateStopped)
}

// SetState is the generic form of the Start/Stop operations.
func (s *Service) SetState(ctx context.Context, id string, side Side, state State) (*StateChange, error) {
	return s.setState(ctx, id, side, state)
}

func (s *Service) setState(ctx context.Context, id string, side Side, state State) (*StateChange, error) {
	var (
		c      *Component
		change StateChange
	)
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}

		change = StateChange{Old: c.State(side), New: state}
		if change.Old == state {
			return nil
		}
		if err := s.repo.UpdateState(ctx, id, side, state, s.now()); err != nil {
			return err
		}
		change.Success = true
		if side == SideInbound {
			c.InboundState = state
		} else {
			c.OutboundState = state
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = logging.WithComponentID(ctx, id)
	if !change.Success {
		s.logger.DebugwCtx(ctx, "Component already in requested state", "side", side, "state", state)
		return &change, nil
	}

	metrics.SetComponentState(c.Path(), string(side), state == StateRunning)
	s.logger.InfowCtx(ctx, "Component state changed",
		"side", side,
		"old_state", change.Old,
		"new_state", change.New,
	)

	if s.notifier != nil {
		if err := s.notifier.ComponentStateChanged(ctx, c, side, change); err != nil {
			// the periodic reconcile still picks the change up
			s.logger.WarnwCtx(ctx, "Failed to publish component state change", "error", err)
		}
	}
	return &change, nil
}
