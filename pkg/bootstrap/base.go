package bootstrap

import (
	"context"
	"fmt"

	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/logger"
)

type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitProducer creates the service's producer, wrapped in the configured
// circuit breaker.
func (b *Base) InitProducer(serviceName string) error {
	producer, err := broker.NewProducer(b.Config.Broker, b.Config.CircuitBreaker, serviceName, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer
	return nil
}

// NewConsumer creates a consumer in its own group so that every subscriber
// sees the whole stream.
func (b *Base) NewConsumer(serviceName, group string) (broker.Consumer, error) {
	consumer, err := broker.NewConsumer(b.Config.Broker, serviceName, group, b.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", group, err)
	}
	consumer.SetServiceName(serviceName)
	return consumer, nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Infow("Shutting down application")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBroker()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Infow("Application exited")
	return nil
}
