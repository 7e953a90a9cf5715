package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
)

const checkTimeout = 5 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckerRegistry runs its checkers concurrently. A failing critical
// checker makes the service unhealthy; any other failure only degrades it.
type CheckerRegistry struct {
	mu       sync.RWMutex
	checkers []registered
}

type registered struct {
	checker  Checker
	critical bool
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.add(checker, true)
}

// RegisterOptional adds a checker whose failure degrades rather than fails
// the service.
func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.add(checker, false)
}

func (r *CheckerRegistry) add(checker Checker, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, registered{checker: checker, critical: critical})
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	r.mu.RLock()
	checkers := append([]registered(nil), r.checkers...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, reg := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			res := CheckResult{Status: StatusHealthy}
			if err := reg.checker.Check(cctx); err != nil {
				res.Status = StatusUnhealthy
				res.Message = err.Error()
			}
			res.Timestamp = time.Now()
			results[i] = res
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	checks := make(map[string]CheckResult, len(checkers))
	for i, reg := range checkers {
		checks[reg.checker.Name()] = results[i]
		if results[i].Status == StatusHealthy {
			continue
		}
		if reg.critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	return Health{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// Handler serves the registry as JSON, with 503 when unhealthy.
func (r *CheckerRegistry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := r.Check(c.Request.Context())
		status := http.StatusOK
		if h.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	}
}

type PostgreSQLChecker struct {
	db *sql.DB
}

func NewPostgreSQLChecker(db *sql.DB) *PostgreSQLChecker {
	return &PostgreSQLChecker{db: db}
}

func (c *PostgreSQLChecker) Name() string {
	return "postgresql"
}

func (c *PostgreSQLChecker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgresql ping failed: %w", err)
	}
	return nil
}

type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

type MongoDBChecker struct {
	client *mongo.Client
}

func NewMongoDBChecker(client *mongo.Client) *MongoDBChecker {
	return &MongoDBChecker{client: client}
}

func (c *MongoDBChecker) Name() string {
	return "mongodb"
}

func (c *MongoDBChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

// KafkaChecker succeeds when any seed broker answers a metadata request.
type KafkaChecker struct {
	brokers []string
}

func NewKafkaChecker(brokers []string) *KafkaChecker {
	return &KafkaChecker{brokers: brokers}
}

func (c *KafkaChecker) Name() string {
	return "kafka"
}

func (c *KafkaChecker) Check(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

type NATSChecker struct {
	conn *nats.Conn
}

func NewNATSChecker(conn *nats.Conn) *NATSChecker {
	return &NATSChecker{conn: conn}
}

func (c *NATSChecker) Name() string {
	return "nats"
}

func (c *NATSChecker) Check(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", c.conn.Status())
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush failed: %w", err)
	}
	return nil
}
