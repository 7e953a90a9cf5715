package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/config"
	"meridian/internal/logger"
	"meridian/pkg/errors"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
	"meridian/pkg/tracing"
)

const (
	natsDefaultTimeout = 5 * time.Second
	natsFlushTimeout   = time.Second
	natsBufferSize     = 256
	natsKeyHeader      = "Nats-Msg-Key"
)

// ConnectNATS dials the server with reconnects enabled for the lifetime of
// the process.
func ConnectNATS(cfg config.NATSConfig, name string, log logger.Logger) (*nats.Conn, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = natsDefaultTimeout
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.ErrTransport.
			WithMessage("failed to connect to NATS").
			WithDetail("url", cfg.URL).
			WithCause(err).
			AsRetryable()
	}
	return conn, nil
}

type NATSProducer struct {
	conn   *nats.Conn
	logger logger.Logger
}

func NewNATSProducer(conn *nats.Conn, log logger.Logger) *NATSProducer {
	return &NATSProducer{conn: conn, logger: log}
}

// Publish flushes after every message so that a nil return means the server
// has the message, matching the synchronous Kafka writer.
func (p *NATSProducer) Publish(ctx context.Context, subject string, msg Message) error {
	out := nats.NewMsg(subject)
	out.Data = msg.Value
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	if msg.Key != "" {
		out.Header.Set(natsKeyHeader, msg.Key)
	}
	tracing.InjectNATSHeader(ctx, out.Header)

	start := time.Now()
	err := p.conn.PublishMsg(out)
	if err == nil {
		flushCtx, cancel := context.WithTimeout(ctx, natsFlushTimeout)
		err = p.conn.FlushWithContext(flushCtx)
		cancel()
	}
	metrics.ObserveBrokerWriteDuration(transportNATS, subject, time.Since(start))
	if err != nil {
		return errors.ErrTransport.
			WithMessage("failed to publish nats message").
			WithDetail("subject", subject).
			WithCause(err).
			AsRetryable()
	}

	metrics.IncBrokerMessagesWritten(transportNATS, subject)
	metrics.ObserveBrokerMessageSize(transportNATS, subject, "out", len(msg.Value))
	return nil
}

func (p *NATSProducer) Close() error {
	return p.conn.Drain()
}

type NATSConsumer struct {
	cfg     config.NATSConfig
	queue   string
	conn    *nats.Conn
	logger  logger.Logger
	deliver *delivery
	wg      sync.WaitGroup
	mu      sync.Mutex
	subs    []*nats.Subscription
}

// NewNATSConsumer subscribes in queue group cfg.QueueGroup, suffixed with
// group when set. Dead letters are published on the same connection.
func NewNATSConsumer(conn *nats.Conn, cfg config.NATSConfig, group string, log logger.Logger) *NATSConsumer {
	queue := cfg.QueueGroup
	if group != "" {
		queue = queue + "." + group
	}
	c := &NATSConsumer{cfg: cfg, queue: queue, conn: conn, logger: log}
	c.deliver = &delivery{
		transport:   transportNATS,
		policy:      retryPolicy(cfg.Retry),
		dlqTarget:   cfg.DLQSubject,
		logger:      log,
		serviceName: "unknown",
	}
	if cfg.DLQSubject != "" {
		c.deliver.dlq = NewNATSProducer(conn, log)
	}
	return c
}

func (c *NATSConsumer) SetServiceName(name string) {
	c.deliver.serviceName = name
}

func (c *NATSConsumer) Consume(ctx context.Context, subject string, handler HandlerFunc) error {
	msgCh := make(chan *nats.Msg, natsBufferSize)
	sub, err := c.conn.ChanQueueSubscribe(subject, c.queue, msgCh)
	if err != nil {
		return errors.ErrTransport.
			WithMessage("failed to subscribe").
			WithDetail("subject", subject).
			WithCause(err).
			AsRetryable()
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	workers := max(c.cfg.Concurrency, 1)
	c.logger.Infow("NATS subscription started",
		"subject", subject,
		"queue", c.queue,
		"workers", workers,
		"service_name", c.deliver.serviceName,
	)

	consumeCtx := logging.WithServiceName(ctx, c.deliver.serviceName)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-msgCh:
					c.process(consumeCtx, subject, m, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		c.logger.Warnw("Failed to unsubscribe", "subject", subject, "error", err)
	}
	return ctx.Err()
}

func (c *NATSConsumer) process(ctx context.Context, subject string, m *nats.Msg, handler HandlerFunc) {
	metrics.IncBrokerMessagesRead(transportNATS, subject)
	metrics.ObserveBrokerMessageSize(transportNATS, subject, "in", len(m.Data))

	msgCtx := tracing.ExtractNATSHeader(ctx, m.Header)
	msgCtx, span := tracing.GetTracer("meridian-broker").Start(msgCtx, "nats.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", transportNATS),
		attribute.String("messaging.destination", subject),
	)

	msg := Message{Value: m.Data, Headers: make(map[string]string, len(m.Header))}
	for k := range m.Header {
		if k == natsKeyHeader {
			msg.Key = m.Header.Get(k)
			continue
		}
		msg.Headers[k] = m.Header.Get(k)
	}
	if msg.Key != "" {
		msgCtx = logging.WithMessageID(msgCtx, msg.Key)
	}

	// Core NATS has no redelivery, so a failed DLQ publish loses the message.
	if err := c.deliver.handle(msgCtx, subject, msg, handler); err != nil {
		tracing.RecordError(span, err)
	}
}

func (c *NATSConsumer) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	c.wg.Wait()
	return c.conn.Drain()
}
