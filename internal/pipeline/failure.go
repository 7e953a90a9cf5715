package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/component"
	"meridian/internal/ledger"
	"meridian/internal/outbox"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
	"meridian/pkg/tracing"
)

const (
	statusOK     = "ok"
	statusRetry  = "retry"
	statusFailed = "failed"

	classRetryable = "retryable"
	classFatal     = "fatal"
)

// stageError carries the error action a failure should be recorded under.
// Retryability is still decided by the wrapped error.
type stageError struct {
	action ledger.Action
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func failWith(action ledger.Action, err error) error {
	return &stageError{action: action, err: err}
}

func policyFailure(rt *runtime, err error) error {
	if rt.component.Type == component.TypeFilter {
		return failWith(ledger.ActionFilterError, err)
	}
	return failWith(ledger.ActionProcessingError, err)
}

func errorAction(err error) ledger.Action {
	var se *stageError
	if errors.As(err, &se) {
		return se.action
	}
	return ledger.ActionProcessingError
}

type stageFunc func(ctx context.Context, rt *runtime, ev outbox.Event) error

// onEvent adapts a stage to the scheduler. Retryable failures go back to the
// scheduler, which reschedules the event. Anything else, a panic included, is
// written to the ledger as an error node and the event is consumed, so it is
// never retried.
func (c *Controller) onEvent(stage string, fn stageFunc) outbox.Handler {
	return func(ctx context.Context, ev outbox.Event) error {
		start := time.Now()
		ctx = logging.WithComponentID(ctx, ev.ComponentID)
		ctx, span := tracing.GetTracer(tracerName).Start(ctx, "pipeline."+stage)
		defer span.End()
		span.SetAttributes(
			attribute.String("event_id", ev.ID),
			attribute.String("flow_id", ev.MessageFlowID),
			attribute.String("component_id", ev.ComponentID),
		)

		// A component that cannot be built fails like any other stage.
		rt, err := c.runtime(ctx, ev.ComponentID)
		if err == nil {
			err = apperrors.Guard(func() error { return fn(ctx, rt, ev) })
		}
		if err == nil {
			metrics.ObserveStageDuration(stage, statusOK, time.Since(start))
			return nil
		}
		tracing.RecordError(span, err)

		if apperrors.IsRetryable(err) {
			metrics.IncPipelineError(stage, classRetryable)
			metrics.ObserveStageDuration(stage, statusRetry, time.Since(start))
			return err
		}

		metrics.IncPipelineError(stage, classFatal)
		metrics.ObserveStageDuration(stage, statusFailed, time.Since(start))
		if rerr := c.recordFailure(ctx, ev, err); rerr != nil {
			c.logger.ErrorwCtx(ctx, "Failed to record stage failure",
				"stage", stage,
				"error", rerr,
				"cause", err,
			)
			return rerr
		}
		return nil
	}
}

// recordFailure commits the error node and consumes the event in a unit of
// work separate from the one that failed.
func (c *Controller) recordFailure(ctx context.Context, ev outbox.Event, cause error) error {
	return c.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := c.ledger.Get(ctx, ev.MessageFlowID); err != nil {
			if !apperrors.IsNotFound(err) {
				return err
			}
			c.logger.ErrorwCtx(ctx, "Event references a missing flow, dropping it",
				"event_id", ev.ID,
				"type", ev.Type,
				"cause", cause,
			)
			return c.consume(ctx, ev)
		}

		flow, err := c.recordError(ctx, ev.ComponentID, ev.MessageFlowID, cause)
		if err != nil {
			return err
		}
		c.logger.WarnwCtx(logging.WithFlowID(ctx, flow.ID), "Recorded processing failure",
			"action", flow.Action,
			"type", ev.Type,
			"error", cause,
		)
		return c.consume(ctx, ev)
	})
}

func (c *Controller) recordError(ctx context.Context, componentID, parentID string, cause error) (*ledger.Flow, error) {
	flow, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: componentID,
		ParentID:    parentID,
		Action:      errorAction(cause),
	})
	if err != nil {
		return nil, err
	}
	if err := c.ledger.AttachError(ctx, flow.ID, describe(cause)); err != nil {
		return nil, err
	}
	return flow, nil
}

// deadLetter runs in the scheduler's unit of work when an event has used up
// its retries or failed in a way no handler recorded. The scheduler deletes
// the event afterwards.
func (c *Controller) deadLetter(ctx context.Context, ev outbox.Event, cause error) error {
	if _, err := c.ledger.Get(ctx, ev.MessageFlowID); err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	flow, err := c.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: ev.ComponentID,
		ParentID:    ev.MessageFlowID,
		Action:      ledger.ActionProcessingError,
	})
	if err != nil {
		return err
	}
	description := describe(cause)
	if apperrors.IsRetryable(cause) {
		description = fmt.Sprintf("retries exhausted after %d attempts: %s", ev.RetryCount, description)
	}
	return c.ledger.AttachError(ctx, flow.ID, description)
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if msg, ok := appErr.Details["message"].(string); ok && msg != "" {
			return fmt.Sprintf("%s: %s", appErr.Code, msg)
		}
	}
	return err.Error()
}
