// Package database coordinates the optional storage backends of powgate.
// PostgreSQL keeps the attempt audit log and can hold the reward phrases,
// Redis keeps daily outcome counters and can hold the reward phrases, and
// InfluxDB receives one point per attempt.
package database

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/powgate/internal/database/influx"
	"github.com/bardlex/powgate/internal/database/postgres"
	"github.com/bardlex/powgate/internal/database/redis"
	"github.com/bardlex/powgate/internal/gate"
	"github.com/bardlex/powgate/internal/metrics"
	"github.com/bardlex/powgate/internal/rewards"
	"github.com/bardlex/powgate/pkg/circuit"
	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
	"github.com/bardlex/powgate/pkg/retry"
)

// Reward source kinds accepted by RewardSource
const (
	SourceRedis    = "redis"
	SourcePostgres = "postgres"
)

// ErrNotConfigured is returned when an operation needs a backend that was not set up
var ErrNotConfigured = stdErrors.New("database: backend not configured")

type attemptStore interface {
	CreateAttempt(ctx context.Context, a *postgres.Attempt) error
}

type outcomeCounter interface {
	RecordOutcome(ctx context.Context, a *gate.Attempt) error
}

type pointWriter interface {
	WriteAttemptMetric(a *gate.Attempt)
}

// Manager coordinates all configured backends. Any of them may be absent.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Rewards  *postgres.RewardRepository
	Attempts *postgres.AttemptRepository

	attempts attemptStore
	outcomes outcomeCounter
	points   pointWriter

	// Error handling
	pgBreaker    *circuit.Breaker
	redisBreaker *circuit.Breaker
	retryConfig  *retry.Config
	logger       *log.Logger
}

// Config holds configuration for all database systems. A nil entry or one
// with an empty URL leaves that backend out.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	// Migrate creates the PostgreSQL tables on connect
	Migrate bool
}

func newManager(logger *log.Logger) *Manager {
	cbConfig := func() *circuit.Config {
		return &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange:   metrics.BreakerStateChanged,
		}
	}

	return &Manager{
		pgBreaker:    circuit.New("postgres", cbConfig()),
		redisBreaker: circuit.New("redis", cbConfig()),
		retryConfig:  retry.SinkConfig(),
		logger:       logger.WithComponent("database"),
	}
}

// NewManager connects every configured backend. On failure the backends
// already connected are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(logger)

	if cfg.Postgres != nil && cfg.Postgres.URL != "" {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, m.abort(err, "postgres_connection", "failed to connect to PostgreSQL")
		}
		m.Postgres = pgClient

		if cfg.Migrate {
			if err := pgClient.Migrate(ctx); err != nil {
				return nil, m.abort(err, "postgres_migrate", "failed to migrate PostgreSQL")
			}
		}

		m.Rewards = postgres.NewRewardRepository(pgClient.DB())
		m.Attempts = postgres.NewAttemptRepository(pgClient.DB())
		m.attempts = m.Attempts
		m.logger.Info("connected to PostgreSQL")
	}

	if cfg.Redis != nil && cfg.Redis.URL != "" {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(err, "redis_connection", "failed to connect to Redis")
		}
		m.Redis = redisClient
		m.outcomes = redisClient
		m.logger.Info("connected to Redis")
	}

	if cfg.Influx != nil && cfg.Influx.URL != "" {
		influxClient, err := influx.NewClient(cfg.Influx, logger)
		if err != nil {
			return nil, m.abort(err, "influx_connection", "failed to connect to InfluxDB")
		}
		m.Influx = influxClient
		m.points = influxClient
		m.logger.Info("connected to InfluxDB", "bucket", cfg.Influx.Bucket)
	}

	return m, nil
}

// abort closes what is open and wraps err
func (m *Manager) abort(err error, operation, message string) error {
	wrapped := errors.Wrap(err, errors.ErrorTypeStorage, operation, message)
	if closeErr := m.Close(); closeErr != nil {
		return wrapped.WithContext("cleanup_error", closeErr.Error())
	}
	return wrapped
}

// Enabled reports whether any backend is configured
func (m *Manager) Enabled() bool {
	return m.attempts != nil || m.outcomes != nil || m.points != nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	return stdErrors.Join(errs...)
}

// Health checks the health of every configured backend
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// Name implements gate.Recorder
func (m *Manager) Name() string {
	return "database"
}

// RecordAttempt implements gate.Recorder. The PostgreSQL row decides the
// result; the Redis counter and the InfluxDB point are best effort.
func (m *Manager) RecordAttempt(ctx context.Context, a *gate.Attempt) error {
	if m.points != nil {
		m.points.WriteAttemptMetric(a)
	}

	if m.outcomes != nil {
		err := m.redisBreaker.Execute(ctx, func(ctx context.Context) error {
			return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
				return m.outcomes.RecordOutcome(ctx, a)
			})
		})
		if err != nil {
			metrics.RecorderError("redis")
			m.logger.WithError(err).Warn("failed to count outcome (non-critical)", "session_id", a.SessionID)
		}
	}

	if m.attempts == nil {
		return nil
	}

	row := postgres.NewAttempt(a)
	return m.pgBreaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
			if err := m.attempts.CreateAttempt(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "record_attempt",
					"failed to store attempt in PostgreSQL").
					WithContext("session_id", a.SessionID).
					WithContext("outcome", row.Outcome)
			}
			return nil
		})
	})
}

// RewardSource returns a reward loader backed by the named backend. key is
// the Redis list to read and is ignored for PostgreSQL.
func (m *Manager) RewardSource(kind, key string) (rewards.Source, error) {
	switch kind {
	case SourceRedis:
		if m.Redis == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotConfigured, kind)
		}
		if key == "" {
			key = redis.DefaultRewardsKey
		}
		return rewards.SourceFunc(func(ctx context.Context) ([]string, error) {
			return m.Redis.ListRewards(ctx, key)
		}), nil

	case SourcePostgres:
		if m.Rewards == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotConfigured, kind)
		}
		return m.Rewards, nil

	default:
		return nil, errors.New(errors.ErrorTypeConfig, "reward_source", "unknown reward source").
			WithContext("source", kind)
	}
}

// StartPeriodicTasks flushes InfluxDB and checks backend health until ctx is done
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := m.Health(hctx); err != nil {
					m.logger.WithError(err).Warn("database health check failed")
				}
				cancel()
			}
		}
	}()
}
