package broker

import (
	"fmt"

	"meridian/internal/config"
	"meridian/internal/constants"
	"meridian/internal/logger"
	"meridian/pkg/circuitbreaker"
	"meridian/pkg/errors"
)

// NewProducer builds the producer for cfg.Type, wrapped in a circuit
// breaker when breakerCfg is enabled.
func NewProducer(cfg config.BrokerConfig, breakerCfg config.CircuitBreakerConfig, name string, log logger.Logger) (Producer, error) {
	var p Producer
	switch cfg.Type {
	case "", constants.BrokerTypeKafka:
		p = NewKafkaProducer(cfg.Kafka, log)
	case constants.BrokerTypeNATS:
		conn, err := ConnectNATS(cfg.NATS, name, log)
		if err != nil {
			return nil, err
		}
		p = NewNATSProducer(conn, log)
	default:
		return nil, unknownBroker(cfg.Type)
	}

	if breakerCfg.Enabled {
		cb := circuitbreaker.NewWrapper(circuitbreaker.FromSettings(name+"-"+transportName(cfg.Type), breakerCfg))
		p = NewBreakerProducer(p, cb)
	}
	return p, nil
}

// NewConsumer builds a consumer whose group (Kafka) or queue (NATS) is the
// configured one suffixed with group.
func NewConsumer(cfg config.BrokerConfig, name, group string, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "", constants.BrokerTypeKafka:
		return NewKafkaConsumer(cfg.Kafka, group, log), nil
	case constants.BrokerTypeNATS:
		conn, err := ConnectNATS(cfg.NATS, name, log)
		if err != nil {
			return nil, err
		}
		return NewNATSConsumer(conn, cfg.NATS, group, log), nil
	default:
		return nil, unknownBroker(cfg.Type)
	}
}

func transportName(t string) string {
	if t == "" {
		return transportKafka
	}
	return t
}

func unknownBroker(t string) error {
	return errors.ErrConfiguration.WithMessage(fmt.Sprintf("unknown broker type %q", t)).WithDetail("broker_type", t)
}
