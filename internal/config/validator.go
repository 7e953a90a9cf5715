package config

import (
	"fmt"
	"strings"

	"meridian/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateScheduler(cfg.Scheduler); err != nil {
		errors = append(errors, err)
	}

	if err := validateCoordination(cfg.Coordination, cfg.Database.Redis); err != nil {
		errors = append(errors, err)
	}

	if err := validateContentStore(cfg.ContentStore, cfg.Database.MongoDB); err != nil {
		errors = append(errors, err)
	}

	errors = append(errors, validateRoutes(cfg.Routes)...)

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "nats":
		return validateNATS(cfg.NATS)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, nats)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.Concurrency < 0 {
		return &ValidationError{
			Field:   "broker.kafka.concurrency",
			Message: "concurrency must be non-negative",
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateNATS(cfg NATSConfig) error {
	if cfg.URL == "" {
		return &ValidationError{
			Field:   "broker.nats.url",
			Message: "NATS URL is required",
		}
	}

	if !strings.HasPrefix(cfg.URL, "nats://") && !strings.HasPrefix(cfg.URL, "tls://") {
		return &ValidationError{
			Field:   "broker.nats.url",
			Message: "NATS URL must start with nats:// or tls://",
		}
	}

	if cfg.Concurrency < 0 {
		return &ValidationError{
			Field:   "broker.nats.concurrency",
			Message: "concurrency must be non-negative",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if err := validatePostgres(cfg.Postgres); err != nil {
		return err
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateScheduler(cfg SchedulerConfig) error {
	if cfg.PollInterval <= 0 {
		return &ValidationError{
			Field:   "scheduler.poll_interval",
			Message: "poll interval must be positive",
		}
	}

	if cfg.BatchSize <= 0 {
		return &ValidationError{
			Field:   "scheduler.batch_size",
			Message: fmt.Sprintf("batch size must be positive, got %d", cfg.BatchSize),
		}
	}

	if cfg.RetryStep <= 0 {
		return &ValidationError{
			Field:   "scheduler.retry_step",
			Message: "retry step must be positive",
		}
	}

	if cfg.MaxRetryDelay < 0 {
		return &ValidationError{
			Field:   "scheduler.max_retry_delay",
			Message: "max retry delay must be non-negative",
		}
	}

	if cfg.MaxRetries < 0 {
		return &ValidationError{
			Field:   "scheduler.max_retries",
			Message: "max retries must be non-negative",
		}
	}

	return nil
}

func validateCoordination(cfg CoordinationConfig, redis RedisConfig) error {
	switch cfg.Type {
	case constants.CoordinationRedis:
		if redis.Host == "" {
			return &ValidationError{
				Field:   "coordination.type",
				Message: "redis coordination requires database.redis to be configured",
			}
		}
	case constants.CoordinationLocal:
	default:
		return &ValidationError{
			Field:   "coordination.type",
			Message: fmt.Sprintf("unknown coordination type: %s (supported: redis, local)", cfg.Type),
		}
	}

	if cfg.LeaseTTL <= 0 {
		return &ValidationError{
			Field:   "coordination.lease_ttl",
			Message: "lease TTL must be positive",
		}
	}

	if cfg.AcquireTimeout < 0 {
		return &ValidationError{
			Field:   "coordination.acquire_timeout",
			Message: "acquire timeout must be non-negative",
		}
	}

	return nil
}

func validateContentStore(cfg ContentStoreConfig, mongo MongoDBConfig) error {
	switch cfg.Type {
	case "", constants.ContentStorePostgres:
		return nil
	case constants.ContentStoreMongoDB:
		if mongo.URI == "" {
			return &ValidationError{
				Field:   "content_store.type",
				Message: "mongodb content store requires database.mongodb.uri",
			}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "content_store.type",
			Message: fmt.Sprintf("unknown content store: %s (supported: postgres, mongodb)", cfg.Type),
		}
	}
}

func validateRoutes(routes []RouteConfig) []error {
	var errs []error
	seenRoutes := make(map[string]bool)

	for i, route := range routes {
		if route.Name == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("routes[%d].name", i),
				Message: "route name is required",
			})
			continue
		}
		if seenRoutes[route.Name] {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("routes[%d].name", i),
				Message: fmt.Sprintf("duplicate route name: %s", route.Name),
			})
		}
		seenRoutes[route.Name] = true

		seenComponents := make(map[string]bool)
		for j, comp := range route.Components {
			field := fmt.Sprintf("routes[%d].components[%d]", i, j)
			if comp.Name == "" {
				errs = append(errs, &ValidationError{Field: field + ".name", Message: "component name is required"})
				continue
			}
			if comp.Type == "" {
				errs = append(errs, &ValidationError{Field: field + ".type", Message: "component type is required"})
			}
			if seenComponents[comp.Name] {
				errs = append(errs, &ValidationError{
					Field:   field + ".name",
					Message: fmt.Sprintf("duplicate component name %s in route %s", comp.Name, route.Name),
				})
			}
			seenComponents[comp.Name] = true
		}
	}

	return errs
}
