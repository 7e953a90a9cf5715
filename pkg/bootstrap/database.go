package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meridian/internal/config"
	"meridian/internal/constants"
	"meridian/internal/logger"
	"meridian/internal/message"
	"meridian/internal/store"
	"meridian/pkg/migrations"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// InitRedis returns nil when coordination runs in-process.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if dc.Config.Coordination.Type == constants.CoordinationLocal {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Infow("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pg := dc.Config.Database.Postgres
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pg.User,
		pg.Password,
		pg.Host,
		pg.Port,
		pg.DBName,
		pg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if pg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pg.MaxOpenConns)
	}
	if pg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pg.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dc.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		dc.Logger.Infow("PostgreSQL migrations applied")
	}

	dc.Logger.Infow("PostgreSQL connected successfully")
	return db, nil
}

// InitMongoDB connects only when message content lives in MongoDB.
func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	if dc.Config.ContentStore.Type != constants.ContentStoreMongoDB {
		return nil, nil
	}
	if dc.Config.Database.MongoDB.URI == "" {
		return nil, fmt.Errorf("content_store.type is mongodb but database.mongodb.uri is empty")
	}

	mongoOpts := options.Client().ApplyURI(dc.Config.Database.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Infow("MongoDB connected successfully")
	return mongoClient, nil
}

// MessageStore picks where message content is written. MongoDB is used when
// a client is given; otherwise content shares the ledger's transaction.
func (dc *DatabaseConnector) MessageStore(ctx context.Context, tx *store.Transactor, mongoClient *mongo.Client) (message.Store, error) {
	if mongoClient == nil {
		return message.NewPostgresStore(tx), nil
	}

	dbName := dc.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	collName := dc.Config.Database.MongoDB.Collection
	if collName == "" {
		collName = constants.DefaultMongoCollection
	}

	db := mongoClient.Database(dbName)
	if err := migrations.EnsureMessageCollection(ctx, db, collName); err != nil {
		return nil, fmt.Errorf("failed to prepare message collection: %w", err)
	}
	return message.NewMongoStore(db.Collection(collName), dc.Logger), nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, redis *redis.Client, postgres *sql.DB, mongo *mongo.Client) []error {
	var errs []error

	if redis != nil {
		if err := redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if postgres != nil {
		if err := postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if mongo != nil {
		if err := mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
