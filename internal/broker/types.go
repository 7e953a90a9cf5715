// Package broker moves bytes between components over a messaging transport.
// Kafka is the default transport and NATS the alternative; both carry the
// same Message shape so the pipeline never sees which one is in use.
package broker

import (
	"context"
)

// Message is one payload on a destination (a Kafka topic or NATS subject).
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

type Producer interface {
	Publish(ctx context.Context, destination string, msg Message) error
	Close() error
}

type Consumer interface {
	// Consume blocks, delivering messages to handler until ctx is done.
	Consume(ctx context.Context, destination string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// HandlerFunc processes one delivery. A returned error is retried by the
// consumer according to its retry policy and then sent to the dead-letter
// destination when one is configured.
type HandlerFunc func(ctx context.Context, msg Message) error

const (
	transportKafka = "kafka"
	transportNATS  = "nats"
)
