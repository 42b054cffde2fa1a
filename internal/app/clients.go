package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/platform/neo4jdb"
)

// Clients bundles the process's external backing stores, wired the way the
// teacher's Clients struct does: one field per collaborator, each optional
// except Postgres and Redis, torn down together by Close.
type Clients struct {
	Postgres *gorm.DB
	Redis    *redis.Client
	Neo4j    *neo4jdb.Client
}

func wireClients(cfg Config, log *logger.Logger) (Clients, error) {
	log.Info("wiring clients...")

	var out Clients

	pg, err := newPostgres(cfg, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init postgres: %w", err)
	}
	out.Postgres = pg

	out.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := out.Redis.Ping(pingCtx).Err(); err != nil {
		out.Close()
		return Clients{}, fmt.Errorf("connect redis: %w", err)
	}

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		out.Close()
		return Clients{}, fmt.Errorf("init neo4j client: %w", err)
	}
	if neo != nil {
		out.Neo4j = neo
		log.Info("neo4j enabled", "database", neo.Database)
	}

	return out, nil
}

func newPostgres(cfg Config, baseLog *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresName,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	baseLog.Info("connecting to postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (c Clients) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(context.Background())
	}
	if c.Postgres != nil {
		if sqlDB, err := c.Postgres.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
