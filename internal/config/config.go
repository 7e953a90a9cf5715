package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Instance       InstanceConfig       `mapstructure:"instance"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Coordination   CoordinationConfig   `mapstructure:"coordination"`
	Lifecycle      LifecycleConfig      `mapstructure:"lifecycle"`
	ContentStore   ContentStoreConfig   `mapstructure:"content_store"`
	Management     ManagementConfig     `mapstructure:"management"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Routes         []RouteConfig        `mapstructure:"routes"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	NATS  NATSConfig  `mapstructure:"nats"`
}

type KafkaConfig struct {
	Brokers     []string    `mapstructure:"brokers"`
	GroupID     string      `mapstructure:"group_id"`
	DLQTopic    string      `mapstructure:"dlq_topic"`
	Concurrency int         `mapstructure:"concurrency"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type NATSConfig struct {
	URL         string        `mapstructure:"url"`
	QueueGroup  string        `mapstructure:"queue_group"`
	DLQSubject  string        `mapstructure:"dlq_subject"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// InstanceConfig identifies the owner that components and events belong to.
type InstanceConfig struct {
	Owner string `mapstructure:"owner"`
}

type SchedulerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	RetryStep     time.Duration `mapstructure:"retry_step"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"` // 0 disables the cap
	MaxRetries    int           `mapstructure:"max_retries"`     // 0 retries forever
}

type CoordinationConfig struct {
	Type           string        `mapstructure:"type"` // "redis" or "local"
	KeyPrefix      string        `mapstructure:"key_prefix"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

type LifecycleConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	StateTopic        string        `mapstructure:"state_topic"`
}

type ContentStoreConfig struct {
	Type string `mapstructure:"type"` // "postgres" or "mongodb"
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// RouteConfig declares a route and the components that run on it. Components
// are created on first start and looked up by (name, route, owner) afterwards.
type RouteConfig struct {
	Name       string            `mapstructure:"name"`
	Components []ComponentConfig `mapstructure:"components"`
}

type ComponentConfig struct {
	Name       string            `mapstructure:"name"`
	Type       string            `mapstructure:"type"`
	Properties map[string]string `mapstructure:"properties"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
