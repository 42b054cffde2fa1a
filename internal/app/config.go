package app

import (
	"time"

	"github.com/ionforge/orchestrator/internal/platform/envutil"
	"github.com/ionforge/orchestrator/internal/platform/logger"
)

// Config is the process-wide, environment-driven configuration, following
// the teacher's typed-accessor-with-defaults pattern (envutil mirrors its
// utils.GetEnv family).
type Config struct {
	Env string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	RedisAddr string

	// LockTimeout bounds the Runtime's progressive partial lock acquisition
	// loop (spec section 4.2 names 60 seconds as the default).
	LockTimeout time.Duration

	// WorkerConcurrency caps how many per-instance phase tasks the Runtime
	// runs at once across the whole process. Zero means unbounded.
	WorkerConcurrency int

	// DemoMode, when true, wires every port to the in-memory adapters and
	// seeds a small fixture project instead of dialing Postgres/Redis/Neo4j.
	DemoMode bool

	OTelEnabled bool
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Env: envutil.String("APP_ENV", "development"),

		PostgresHost:     envutil.String("POSTGRES_HOST", "localhost"),
		PostgresPort:     envutil.String("POSTGRES_PORT", "5432"),
		PostgresUser:     envutil.String("POSTGRES_USER", "postgres"),
		PostgresPassword: envutil.String("POSTGRES_PASSWORD", ""),
		PostgresName:     envutil.String("POSTGRES_NAME", "orchestrator"),

		RedisAddr: envutil.String("REDIS_ADDR", "localhost:6379"),

		LockTimeout:       envutil.Duration("LOCK_TIMEOUT", 60*time.Second),
		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 8),

		DemoMode: envutil.Bool("DEMO_MODE", true),

		OTelEnabled: envutil.Bool("OTEL_ENABLED", false),
	}
}
