// Package pipeline drives each component's accept, process, forward and
// dispatch stages. Every stage pairs its ledger writes with the outbox or
// inbox event that continues the flow, inside one unit of work.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/ledger"
	"meridian/internal/logger"
	"meridian/internal/message"
	"meridian/internal/outbox"
	"meridian/internal/policy"
	"meridian/internal/processing"
	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
	"meridian/pkg/tracing"
)

const tracerName = "meridian-pipeline"

const (
	stageIngest      = "ingest"
	stageReceive     = "receive"
	stageProcess     = "process"
	stageForward     = "forward"
	stageDispatch    = "dispatch"
	stageAcknowledge = "acknowledge"
)

// Components looks up component records.
type Components interface {
	Get(ctx context.Context, id string) (*component.Component, error)
}

// ConsumerFactory returns a consumer for one component's inbound side.
type ConsumerFactory func(componentID string) (broker.Consumer, error)

type Deps struct {
	Ledger     *ledger.Ledger
	Scheduler  *outbox.Scheduler
	UnitOfWork store.UnitOfWork
	Components Components
	Policies   *policy.Registry
	Plugins    *processing.Registry
	Producer   broker.Producer
	// Consumers may be nil when messages only enter through Ingest.
	Consumers ConsumerFactory
	Logger    logger.Logger
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

type Controller struct {
	ledger     *ledger.Ledger
	scheduler  *outbox.Scheduler
	uow        store.UnitOfWork
	components Components
	policies   *policy.Registry
	plugins    *processing.Registry
	producer   broker.Producer
	consumers  ConsumerFactory
	logger     logger.Logger
	now        func() time.Time

	mu       sync.Mutex
	runtimes map[string]*runtime
	inbound  map[string]*subscription

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a controller and registers its stage handlers with the
// scheduler.
func New(d Deps, opts ...Option) *Controller {
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ledger:     d.Ledger,
		scheduler:  d.Scheduler,
		uow:        d.UnitOfWork,
		components: d.Components,
		policies:   d.Policies,
		plugins:    d.Plugins,
		producer:   d.Producer,
		consumers:  d.Consumers,
		logger:     d.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		runtimes:   make(map[string]*runtime),
		inbound:    make(map[string]*subscription),
		base:       base,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.scheduler.Handle(outbox.TypeMessageReceived, c.onEvent(stageReceive, c.receiveStage))
	c.scheduler.Handle(outbox.TypeIngressComplete, c.onEvent(stageProcess, c.processStage))
	c.scheduler.Handle(outbox.TypeProcessingComplete, c.onEvent(stageForward, c.forwardStage))
	c.scheduler.Handle(outbox.TypePendingForwarding, c.onEvent(stageDispatch, c.dispatchStage))
	c.scheduler.Handle(outbox.TypeAcknowledgmentPending, c.onEvent(stageAcknowledge, c.acknowledgeStage))
	c.scheduler.OnExhausted(c.deadLetter)
	return c
}

// Ingest records content arriving at an inbound adapter as a new root flow
// and applies the component's acceptance policy to it. It returns the last
// node written: ACCEPTED, NOT_ACCEPTED, or an error node when the failure
// was recorded. An empty contentType falls back to the component's
// configured one.
func (c *Controller) Ingest(ctx context.Context, componentID, content string, contentType message.ContentType, props ledger.Properties) (*ledger.Flow, error) {
	start := time.Now()
	ctx = logging.WithComponentID(ctx, componentID)
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "pipeline.ingest")
	defer span.End()

	rt, err := c.runtime(ctx, componentID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if rt.component.InboundState == component.StateStopped {
		return nil, apperrors.ErrServiceUnavailable.
			WithMessage("component inbound side is stopped").
			WithDetail("component_id", componentID).
			AsRetryable()
	}
	if contentType == "" {
		contentType = rt.contentType
	}

	root := ledger.StepRequest{
		ComponentID: componentID,
		Content:     &content,
		ContentType: contentType,
		Action:      ledger.ActionIngested,
		Properties:  props,
	}

	var result *ledger.Flow
	err = c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		flow, err := c.ledger.RecordStep(ctx, root)
		if err != nil {
			return err
		}
		result, err = c.accept(ctx, rt, flow)
		return err
	})
	if err == nil {
		span.SetAttributes(attribute.String("flow_id", result.ID), attribute.String("action", string(result.Action)))
		metrics.ObserveStageDuration(stageIngest, statusOK, time.Since(start))
		return result, nil
	}

	tracing.RecordError(span, err)
	if apperrors.IsRetryable(err) {
		metrics.IncPipelineError(stageIngest, classRetryable)
		metrics.ObserveStageDuration(stageIngest, statusRetry, time.Since(start))
		return nil, err
	}

	// The root rolled back with everything else; write it again so the
	// error node has somewhere to hang.
	metrics.IncPipelineError(stageIngest, classFatal)
	cause := err
	err = c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		flow, err := c.ledger.RecordStep(ctx, root)
		if err != nil {
			return err
		}
		result, err = c.recordError(ctx, rt.component.ID, flow.ID, cause)
		return err
	})
	metrics.ObserveStageDuration(stageIngest, statusFailed, time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Receive durably accepts an envelope from an upstream component by writing
// a MESSAGE_RECEIVED inbox event. A redelivered envelope already in the
// inbox is dropped and nil is returned for the event.
func (c *Controller) Receive(ctx context.Context, componentID string, env broker.Envelope) (*outbox.Event, error) {
	ctx = logging.WithFlowID(logging.WithComponentID(ctx, componentID), env.FlowID)

	rt, err := c.runtime(ctx, componentID)
	if err != nil {
		return nil, err
	}
	if rt.component.InboundState == component.StateStopped {
		return nil, apperrors.ErrServiceUnavailable.
			WithMessage("component inbound side is stopped").
			WithDetail("component_id", componentID).
			AsRetryable()
	}

	if _, err := c.ledger.Get(ctx, env.FlowID); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrValidation.
				WithMessage("envelope references an unknown flow").
				WithDetail("flow_id", env.FlowID).
				WithCause(err)
		}
		return nil, err
	}

	var ev *outbox.Event
	err = c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		ev, err = c.scheduler.RecordEvent(ctx, outbox.EventRequest{
			FlowID:      env.FlowID,
			ComponentID: componentID,
			RouteID:     rt.component.RouteID,
			Owner:       rt.component.Owner,
			Type:        outbox.TypeMessageReceived,
		})
		return err
	})
	if apperrors.IsConflict(err) {
		c.logger.DebugwCtx(ctx, "Duplicate delivery dropped", "source", env.Source)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// RecordAcknowledgment records that ack was returned to the sender of the
// accepted flow.
func (c *Controller) RecordAcknowledgment(ctx context.Context, flowID, ack string) (*ledger.Flow, error) {
	var flow *ledger.Flow
	err := c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		parent, err := c.ledger.Get(ctx, flowID)
		if err != nil {
			return err
		}
		flow, err = c.ledger.RecordStep(ctx, ledger.StepRequest{
			ComponentID: parent.ComponentID,
			ParentID:    parent.ID,
			Content:     &ack,
			ContentType: message.ContentTypeHL7Ack,
			Action:      ledger.ActionAcknowledgmentSent,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return flow, nil
}

// Shutdown stops every inbound consumer and waits for them to return.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.inbound {
		if err := sub.consumer.Close(); err != nil {
			c.logger.Warnw("Failed to close consumer", "component_id", id, "error", err)
		}
		delete(c.inbound, id)
	}
	return nil
}
