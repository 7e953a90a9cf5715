package broker

import (
	"context"
	"fmt"
	"maps"
	"time"

	"meridian/internal/config"
	"meridian/internal/logger"
	"meridian/pkg/errors"
	"meridian/pkg/metrics"
	"meridian/pkg/retry"
)

const (
	HeaderDLQReason    = "x-dlq-reason"
	HeaderDLQSource    = "x-dlq-source"
	HeaderDLQTimestamp = "x-dlq-timestamp"
)

// delivery runs a handler for one inbound message with retries and, once
// those are spent, hands the message to the dead-letter destination.
type delivery struct {
	transport   string
	policy      retry.Policy
	dlq         Producer
	dlqTarget   string
	logger      logger.Logger
	serviceName string
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return policy
}

// handle returns nil when the message was processed or dead-lettered, so the
// caller may acknowledge it. An error means the message must not be acked.
func (d *delivery) handle(ctx context.Context, destination string, msg Message, handler HandlerFunc) error {
	err := d.processWithRetry(ctx, destination, msg, handler)
	if err == nil {
		return nil
	}

	d.logger.ErrorwCtx(ctx, "Failed to process message after retries",
		"error", err,
		"destination", destination,
		"transport", d.transport,
	)

	if d.dlq == nil || d.dlqTarget == "" {
		d.logger.WarnwCtx(ctx, "No DLQ configured, acknowledging message to avoid blocking",
			"destination", destination,
		)
		return nil
	}

	if dlqErr := d.sendToDLQ(ctx, destination, msg, err); dlqErr != nil {
		d.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", dlqErr,
			"destination", destination,
		)
		return dlqErr
	}
	return nil
}

func (d *delivery) processWithRetry(ctx context.Context, destination string, msg Message, handler HandlerFunc) error {
	return retry.RetryWithCallback(ctx, d.policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				d.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"destination", destination,
				)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(d.serviceName, destination).Inc()
		d.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", d.policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"destination", destination,
		)
	})
}

func (d *delivery) sendToDLQ(ctx context.Context, source string, msg Message, cause error) error {
	headers := maps.Clone(msg.Headers)
	if headers == nil {
		headers = make(map[string]string, 3)
	}
	headers[HeaderDLQReason] = cause.Error()
	headers[HeaderDLQSource] = source
	headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)

	dead := Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := d.dlq.Publish(ctx, d.dlqTarget, dead); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	reason := "max_retries_exceeded"
	if !errors.IsRetryable(cause) {
		reason = "non_retryable"
	}
	metrics.DLQMessagesTotal.WithLabelValues(d.serviceName, source, reason).Inc()
	d.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source", source,
		"dlq", d.dlqTarget,
		"reason", cause.Error(),
	)
	return nil
}
