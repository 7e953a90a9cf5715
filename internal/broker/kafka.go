package broker

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/config"
	"meridian/internal/constants"
	"meridian/internal/logger"
	"meridian/pkg/errors"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
	"meridian/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	start := time.Now()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    start,
	})
	metrics.ObserveBrokerWriteDuration(transportKafka, topic, time.Since(start))
	if err != nil {
		return errors.ErrTransport.
			WithMessage("failed to write kafka message").
			WithDetail("topic", topic).
			WithCause(err).
			AsRetryable()
	}

	metrics.IncBrokerMessagesWritten(transportKafka, topic)
	metrics.ObserveBrokerMessageSize(transportKafka, topic, "out", len(msg.Value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg     config.KafkaConfig
	groupID string
	wg      sync.WaitGroup
	mu      sync.Mutex
	readers []*kafka.Reader
	logger  logger.Logger
	dlq     Producer
	deliver *delivery
}

// NewKafkaConsumer joins the consumer group cfg.GroupID, suffixed with group
// when set so that several components can each see every message of a topic.
func NewKafkaConsumer(cfg config.KafkaConfig, group string, log logger.Logger) *KafkaConsumer {
	groupID := cfg.GroupID
	if group != "" {
		groupID = groupID + "." + group
	}

	consumer := &KafkaConsumer{
		cfg:     cfg,
		groupID: groupID,
		logger:  log,
	}
	if cfg.DLQTopic != "" {
		consumer.dlq = NewKafkaProducer(cfg, log)
	}
	consumer.deliver = &delivery{
		transport:   transportKafka,
		policy:      retryPolicy(cfg.Retry),
		dlq:         consumer.dlq,
		dlqTarget:   cfg.DLQTopic,
		logger:      log,
		serviceName: "unknown",
	}
	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.deliver.serviceName = name
}

// Consume starts one reader per configured concurrency slot. Kafka assigns
// partitions across them, so ordering holds per partition key.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	workers := max(c.cfg.Concurrency, 1)
	c.logger.Infow("Creating Kafka readers",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.groupID,
		"workers", workers,
		"service_name", c.deliver.serviceName,
	)

	for i := 0; i < workers; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        c.cfg.Brokers,
			GroupID:        c.groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			ReadBackoffMin: constants.KafkaFetchBackoff,
		})
		c.mu.Lock()
		c.readers = append(c.readers, reader)
		c.mu.Unlock()

		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			c.readLoop(ctx, reader, topic, worker, handler)
		}(i)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) readLoop(ctx context.Context, reader *kafka.Reader, topic string, worker int, handler HandlerFunc) {
	consumeCtx := logging.WithServiceName(ctx, c.deliver.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic, "worker", worker)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming",
					"topic", topic,
					"worker", worker,
					"reason", "context canceled",
				)
				return
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		metrics.IncBrokerMessagesRead(transportKafka, topic)
		metrics.ObserveBrokerMessageSize(transportKafka, topic, "in", len(m.Value))

		if err := c.process(consumeCtx, topic, m, handler); err != nil {
			// Not committed; the group redelivers it after a rebalance or restart.
			continue
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(consumeCtx, "Failed to commit message",
				"error", err,
				"topic", topic,
			)
		}
	}
}

func (c *KafkaConsumer) process(ctx context.Context, topic string, m kafka.Message, handler HandlerFunc) error {
	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", transportKafka),
		attribute.String("messaging.destination", topic),
		attribute.Int("messaging.kafka.partition", m.Partition),
		attribute.Int64("messaging.kafka.offset", m.Offset),
	)

	msg := Message{Key: string(m.Key), Value: m.Value, Headers: make(map[string]string, len(m.Headers))}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	if msg.Key != "" {
		msgCtx = logging.WithMessageID(msgCtx, msg.Key)
	}

	err := c.deliver.handle(msgCtx, topic, msg, handler)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return err
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	for _, r := range c.readers {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.readers = nil
	c.mu.Unlock()

	if c.dlq != nil {
		if closeErr := c.dlq.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}
