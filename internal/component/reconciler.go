package component

import (
	"context"
	"sync"
	"time"

	"meridian/internal/logger"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
)

const defaultReconcileInterval = 10 * time.Second

// Runtime applies a component's desired state to whatever actually moves
// its messages: consumers on the inbound side, dispatch on the outbound side.
type Runtime interface {
	ApplyInbound(ctx context.Context, c *Component, running bool) error
	ApplyOutbound(ctx context.Context, c *Component, running bool) error
}

type applied struct {
	inbound  State
	outbound State
}

// Reconciler compares persisted component state with what this instance has
// applied and closes the gap. Work already in flight is left alone.
type Reconciler struct {
	repo     Repository
	runtime  Runtime
	owner    string
	interval time.Duration
	logger   logger.Logger

	trigger chan struct{}

	mu      sync.Mutex
	applied map[string]applied
}

func NewReconciler(repo Repository, runtime Runtime, owner string, interval time.Duration, log logger.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		repo:     repo,
		runtime:  runtime,
		owner:    owner,
		interval: interval,
		logger:   log,
		trigger:  make(chan struct{}, 1),
		applied:  make(map[string]applied),
	}
}

// Trigger asks for a reconcile pass as soon as possible. Calls made while a
// pass is already queued are coalesced.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles once, then on every tick or trigger until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcile(ctx, "startup")

	for {
		select {
		case <-ticker.C:
			r.reconcile(ctx, "interval")
		case <-r.trigger:
			r.reconcile(ctx, "event")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, trigger string) {
	metrics.IncReconcileRun(trigger)
	if err := r.Reconcile(ctx); err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to reconcile component states",
			"trigger", trigger,
			"error", err,
		)
	}
}

// Reconcile runs one pass. A failure to apply one component does not stop
// the others; it is retried on the next pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	components, err := r.repo.List(ctx, r.owner)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range components {
		c := &components[i]
		cctx := logging.WithComponentID(ctx, c.ID)
		current := r.applied[c.ID]

		if c.InboundState != current.inbound {
			if err := r.runtime.ApplyInbound(cctx, c, c.InboundState == StateRunning); err != nil {
				r.logger.WarnwCtx(cctx, "Failed to apply inbound state", "state", c.InboundState, "error", err)
			} else {
				current.inbound = c.InboundState
				metrics.SetComponentState(c.Path(), string(SideInbound), c.InboundState == StateRunning)
			}
		}

		if c.OutboundState != current.outbound {
			if err := r.runtime.ApplyOutbound(cctx, c, c.OutboundState == StateRunning); err != nil {
				r.logger.WarnwCtx(cctx, "Failed to apply outbound state", "state", c.OutboundState, "error", err)
			} else {
				current.outbound = c.OutboundState
				metrics.SetComponentState(c.Path(), string(SideOutbound), c.OutboundState == StateRunning)
			}
		}

		r.applied[c.ID] = current
	}
	return nil
}

// Applied returns the state this instance last applied for a component.
func (r *Reconciler) Applied(id string) (inbound, outbound State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.applied[id]
	return a.inbound, a.outbound
}
