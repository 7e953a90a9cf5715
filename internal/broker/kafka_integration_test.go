//go:build integration

package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/logger"
	"meridian/internal/message"
	"meridian/internal/testkit"
)

func TestKafkaEnvelopeDelivery(t *testing.T) {
	infra := testkit.SetupInfra(t, testkit.InfraOptions{Kafka: true})
	log := logger.NopLogger()

	cfg := config.KafkaConfig{
		Brokers:     infra.KafkaBrokers,
		GroupID:     "meridian-test",
		Concurrency: 2,
		Retry:       config.RetryConfig{MaxAttempts: 2, InitialInterval: 10 * time.Millisecond},
	}
	topic := "meridian.test." + uuid.NewString()

	producer := broker.NewKafkaProducer(cfg, log)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	env := broker.Envelope{
		FlowID:      uuid.NewString(),
		GroupID:     uuid.NewString(),
		ComponentID: uuid.NewString(),
		Source:      "default/route/out",
		Content:     "hello",
		ContentType: message.ContentTypeTXT,
	}
	msg, err := broker.EncodeEnvelope(ctx, env)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return producer.Publish(ctx, topic, msg) == nil
	}, 30*time.Second, time.Second)

	consumer := broker.NewKafkaConsumer(cfg, "receiver", log)
	received := make(chan broker.Envelope, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = consumer.Consume(consumeCtx, topic, func(ctx context.Context, m broker.Message) error {
			_, got, err := broker.DecodeEnvelope(ctx, m)
			if err != nil {
				return err
			}
			received <- got
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, env.FlowID, got.FlowID)
		assert.Equal(t, "hello", got.Content)
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
	stop()
	require.NoError(t, consumer.Close())
}
