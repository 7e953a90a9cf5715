package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaFetchBackoff = time.Second
)

const (
	BrokerTypeKafka = "kafka"
	BrokerTypeNATS  = "nats"
)

const (
	ContentStorePostgres = "postgres"
	ContentStoreMongoDB  = "mongodb"
)

const (
	CoordinationRedis = "redis"
	CoordinationLocal = "local"
)

const (
	DefaultMongoDBName     = "meridian"
	DefaultMongoCollection = "messages"
	DefaultOwner           = "default"
	DefaultStateTopic      = "meridian.component-state"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	ServiceEngine     = "engine-service"
	ServiceManagement = "management-service"
)
