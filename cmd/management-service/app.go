package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"meridian/internal/component"
	"meridian/internal/config"
	"meridian/internal/constants"
	"meridian/internal/events"
	"meridian/internal/ledger"
	"meridian/internal/logger"
	"meridian/internal/management"
	"meridian/internal/outbox"
	"meridian/internal/store"
	"meridian/pkg/bootstrap"
	"meridian/pkg/health"
	"meridian/pkg/metrics"
	"meridian/pkg/ratelimit"
	"meridian/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	mongoClient *mongo.Client

	service        *management.Service
	limiter        *ratelimit.Limiter
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceManagement)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterManagementMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterBrokerMetrics()

	if err := a.initService(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	return nil
}

// initService connects storage and builds the management service. The
// components command uses it without the HTTP server.
func (a *App) initService(ctx context.Context) error {
	var err error
	if a.db, err = a.dbConnector.InitPostgreSQL(ctx); err != nil {
		return err
	}
	if a.mongoClient, err = a.dbConnector.InitMongoDB(ctx); err != nil {
		return err
	}

	tx := store.NewTransactor(a.db)
	messages, err := a.dbConnector.MessageStore(ctx, tx, a.mongoClient)
	if err != nil {
		return err
	}

	if err := a.InitProducer(constants.ServiceManagement); err != nil {
		return err
	}
	notifier := events.NewNotifier(a.Producer, a.Config.Lifecycle.StateTopic, constants.ServiceManagement)

	components := component.NewService(component.NewRepository(tx), tx, a.Logger, component.WithNotifier(notifier))
	flows := ledger.New(ledger.NewRepository(tx), messages, tx, a.Logger)
	a.service = management.NewService(components, flows, outbox.NewRepository(tx))
	return nil
}

func (a *App) initServer() error {
	gin.SetMode(gin.ReleaseMode)

	if rl := a.Config.Management.RateLimit; rl.Enabled {
		a.limiter = ratelimit.New(ratelimit.FromSettings(rl))
		a.Logger.Infow("Rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	checks := health.NewCheckerRegistry()
	checks.Register(health.NewPostgreSQLChecker(a.db))
	if a.mongoClient != nil {
		checks.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	if a.Config.Broker.Type != constants.BrokerTypeNATS {
		checks.RegisterOptional(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}

	router := management.NewRouter(management.NewHandler(a.service, a.Logger), a.Logger, management.RouterOptions{
		ServiceName: constants.ServiceManagement,
		Health:      checks,
		Limiter:     a.limiter,
	})

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
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

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
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

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	}

	err := a.Base.Shutdown(ctx, additionalShutdown)
	if errs := a.dbConnector.ShutdownDatabases(ctx, nil, a.db, a.mongoClient); len(errs) > 0 {
		return errors.Join(append([]error{err}, errs...)...)
	}
	return err
}
