package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"meridian/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 10*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.concurrency", 5)
	viper.SetDefault("broker.kafka.retry.max_attempts", 3)
	viper.SetDefault("broker.kafka.retry.initial_interval", time.Second)
	viper.SetDefault("broker.kafka.retry.max_interval", 30*time.Second)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)
	viper.SetDefault("broker.nats.concurrency", 5)
	viper.SetDefault("broker.nats.timeout", 5*time.Second)
	viper.SetDefault("broker.nats.retry.max_attempts", 3)
	viper.SetDefault("broker.nats.retry.initial_interval", time.Second)
	viper.SetDefault("broker.nats.retry.max_interval", 30*time.Second)
	viper.SetDefault("broker.nats.retry.multiplier", 2.0)

	viper.SetDefault("scheduler.poll_interval", time.Second)
	viper.SetDefault("scheduler.batch_size", 50)
	viper.SetDefault("scheduler.batch_timeout", 30*time.Second)
	viper.SetDefault("scheduler.retry_step", 30*time.Second)

	viper.SetDefault("coordination.type", constants.CoordinationRedis)
	viper.SetDefault("coordination.key_prefix", "meridian:lock")
	viper.SetDefault("coordination.lease_ttl", 30*time.Second)
	viper.SetDefault("coordination.acquire_timeout", 10*time.Second)
	viper.SetDefault("coordination.retry_interval", 100*time.Millisecond)

	viper.SetDefault("lifecycle.reconcile_interval", 15*time.Second)
	viper.SetDefault("lifecycle.state_topic", constants.DefaultStateTopic)

	viper.SetDefault("instance.owner", constants.DefaultOwner)
	viper.SetDefault("content_store.type", constants.ContentStorePostgres)
	viper.SetDefault("database.mongodb.collection", "messages")
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")
	viper.BindEnv("broker.kafka.concurrency", "BROKER_KAFKA_CONCURRENCY")
	viper.BindEnv("broker.nats.url", "BROKER_NATS_URL")
	viper.BindEnv("broker.nats.queue_group", "BROKER_NATS_QUEUE_GROUP")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")
	viper.BindEnv("database.run_migrations", "DATABASE_RUN_MIGRATIONS")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("instance.owner", "INSTANCE_OWNER")
	viper.BindEnv("scheduler.max_retries", "SCHEDULER_MAX_RETRIES")
	viper.BindEnv("coordination.type", "COORDINATION_TYPE")
	viper.BindEnv("content_store.type", "CONTENT_STORE_TYPE")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
