package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/config"
	"meridian/internal/constants"
	"meridian/internal/events"
	"meridian/internal/ledger"
	"meridian/internal/lock"
	"meridian/internal/logger"
	"meridian/internal/management"
	"meridian/internal/outbox"
	"meridian/internal/pipeline"
	"meridian/internal/policy"
	"meridian/internal/processing"
	"meridian/internal/store"
	"meridian/pkg/bootstrap"
	"meridian/pkg/health"
	"meridian/pkg/metrics"
	"meridian/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db    *sql.DB
	redis *redis.Client
	mongo *mongo.Client

	// natsHealth is a dedicated connection for the health check.
	natsHealth *nats.Conn

	tracerProvider *tracing.TracerProvider
	scheduler      *outbox.Scheduler
	controller     *pipeline.Controller
	components     *component.Service
	reconciler     *component.Reconciler
	stateConsumer  broker.Consumer
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceEngine)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterEngineMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterManagementMetrics()

	if a.db, err = a.dbConnector.InitPostgreSQL(ctx); err != nil {
		return err
	}
	if a.redis, err = a.dbConnector.InitRedis(ctx); err != nil {
		return err
	}
	if a.mongo, err = a.dbConnector.InitMongoDB(ctx); err != nil {
		return err
	}

	tx := store.NewTransactor(a.db)
	messages, err := a.dbConnector.MessageStore(ctx, tx, a.mongo)
	if err != nil {
		return err
	}

	if err := a.InitProducer(constants.ServiceEngine); err != nil {
		return err
	}

	var redisClient lock.RedisClient
	if a.redis != nil {
		redisClient = a.redis
	}
	a.scheduler = outbox.NewScheduler(
		outbox.NewRepository(tx),
		lock.New(a.Config.Coordination, redisClient),
		tx,
		a.Config.Scheduler,
		a.Logger,
	)

	componentRepo := component.NewRepository(tx)
	a.components = component.NewService(componentRepo, tx, a.Logger)

	a.controller = pipeline.New(pipeline.Deps{
		Ledger:     ledger.New(ledger.NewRepository(tx), messages, tx, a.Logger),
		Scheduler:  a.scheduler,
		UnitOfWork: tx,
		Components: a.components,
		Policies:   policy.NewDefaultRegistry(),
		Plugins:    processing.NewDefaultRegistry(),
		Producer:   a.Producer,
		Consumers: func(componentID string) (broker.Consumer, error) {
			return a.NewConsumer(constants.ServiceEngine, componentID)
		},
		Logger: a.Logger,
	})

	if err := a.registerRoutes(ctx); err != nil {
		return err
	}

	a.reconciler = component.NewReconciler(
		componentRepo,
		a.controller,
		a.Config.Instance.Owner,
		a.Config.Lifecycle.ReconcileInterval,
		a.Logger,
	)

	if a.Config.Lifecycle.StateTopic != "" {
		group := constants.ServiceEngine + "-state-" + a.Config.Instance.Owner
		if a.stateConsumer, err = a.NewConsumer(constants.ServiceEngine, group); err != nil {
			return err
		}
	}

	router := management.NewRouter(nil, a.Logger, management.RouterOptions{
		ServiceName: constants.ServiceEngine,
		Health:      a.healthChecks(),
	})
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
}

// registerRoutes finds or creates every configured component. Existing
// components keep their stored state.
func (a *App) registerRoutes(ctx context.Context) error {
	owner := a.Config.Instance.Owner
	for _, route := range a.Config.Routes {
		for _, cc := range route.Components {
			t, err := component.ParseType(cc.Type)
			if err != nil {
				return fmt.Errorf("route %s component %s: %w", route.Name, cc.Name, err)
			}
			_, err = a.components.Register(ctx, route.Name, owner, component.Spec{
				Name:          cc.Name,
				Type:          t,
				Configuration: cc.Properties,
			})
			if err != nil {
				return fmt.Errorf("route %s component %s: %w", route.Name, cc.Name, err)
			}
		}
	}
	return nil
}

func (a *App) healthChecks() *health.CheckerRegistry {
	checks := health.NewCheckerRegistry()
	checks.Register(health.NewPostgreSQLChecker(a.db))
	if a.redis != nil {
		checks.Register(health.NewRedisChecker(a.redis))
	}
	if a.mongo != nil {
		checks.Register(health.NewMongoDBChecker(a.mongo))
	}

	switch a.Config.Broker.Type {
	case constants.BrokerTypeNATS:
		conn, err := broker.ConnectNATS(a.Config.Broker.NATS, constants.ServiceEngine+"-health", a.Logger)
		if err != nil {
			a.Logger.Warnw("NATS health check disabled", "error", err)
			break
		}
		a.natsHealth = conn
		checks.RegisterOptional(health.NewNATSChecker(conn))
	default:
		checks.RegisterOptional(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}
	return checks
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.scheduler.Run(gCtx)
	})

	g.Go(func() error {
		return stopped(a.reconciler.Run(gCtx))
	})

	if a.stateConsumer != nil {
		handler := events.NewHandler(a.Config.Instance.Owner, a.reconciler, a.Logger)
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Starting component state consumer",
				"topic", a.Config.Lifecycle.StateTopic,
			)
			return stopped(a.stateConsumer.Consume(gCtx, a.Config.Lifecycle.StateTopic, handler.Handle))
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// stopped treats a loop ending with its context as a clean exit.
func stopped(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops intake before dispatch, then closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down engine service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.controller != nil {
			if err := a.controller.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("pipeline shutdown error: %w", err))
			}
		}

		if a.scheduler != nil {
			if err := a.scheduler.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("scheduler shutdown error: %w", err))
			}
		}

		if a.stateConsumer != nil {
			if err := a.stateConsumer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("state consumer close error: %w", err))
			}
		}

		if a.natsHealth != nil {
			a.natsHealth.Close()
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	}

	err := a.Base.Shutdown(ctx, additionalShutdown)
	if errs := a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongo); len(errs) > 0 {
		return errors.Join(append([]error{err}, errs...)...)
	}
	return err
}
