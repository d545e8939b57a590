// Package main implements powgated, the TCP server that hands out a reward
// phrase to every client that solves a proof-of-work challenge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bardlex/powgate/internal/config"
	"github.com/bardlex/powgate/internal/database"
	"github.com/bardlex/powgate/internal/database/influx"
	"github.com/bardlex/powgate/internal/database/postgres"
	"github.com/bardlex/powgate/internal/database/redis"
	"github.com/bardlex/powgate/internal/gate"
	"github.com/bardlex/powgate/internal/messaging"
	"github.com/bardlex/powgate/internal/metrics"
	"github.com/bardlex/powgate/internal/rewards"
	"github.com/bardlex/powgate/pkg/log"
	"github.com/bardlex/powgate/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting powgated",
		"version", cfg.Version,
		"addr", cfg.Addr(),
		"difficulty", cfg.Difficulty,
		"rewards_source", cfg.RewardsSource,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start")
		os.Exit(1)
	}
	defer d.close()

	if err := d.run(ctx); err != nil {
		logger.WithError(err).Error("server failed")
		d.close()
		os.Exit(1)
	}

	logger.Info("powgated stopped")
}

// daemon wires the gate server to its reward source and attempt sinks
type daemon struct {
	cfg    *config.Config
	logger *log.Logger
	server *gate.Server
	kafka  *messaging.KafkaClient
	db     *database.Manager
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	db, err := database.NewManager(ctx, d.databaseConfig(), logger)
	if err != nil {
		return nil, err
	}
	d.db = db

	pool, err := d.loadRewards(ctx)
	if err != nil {
		d.close()
		return nil, err
	}

	var recorders []gate.Recorder
	if len(cfg.KafkaBrokers) > 0 {
		encoding, err := messaging.ParseEncoding(cfg.KafkaEncoding)
		if err != nil {
			d.close()
			return nil, err
		}
		d.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		recorders = append(recorders, messaging.NewAttemptRecorder(d.kafka, cfg.KafkaTopic, encoding))
	}
	if db.Enabled() {
		recorders = append(recorders, db)
	}

	gateCfg := gate.DefaultConfig()
	gateCfg.Addr = cfg.Addr()
	gateCfg.Difficulty = uint8(cfg.Difficulty)
	gateCfg.MaxConnections = cfg.MaxConnections
	gateCfg.ConnTimeout = cfg.ConnTimeout

	server, err := gate.NewServer(gateCfg, pool, logger, gate.WithRecorders(recorders...))
	if err != nil {
		d.close()
		return nil, err
	}
	d.server = server
	return d, nil
}

func (d *daemon) databaseConfig() *database.Config {
	return &database.Config{
		Postgres: &postgres.Config{
			URL:          d.cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			URL:          d.cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    d.cfg.InfluxURL,
			Token:  d.cfg.InfluxToken,
			Org:    d.cfg.InfluxOrg,
			Bucket: d.cfg.InfluxBucket,
		},
		Migrate: d.cfg.PostgresMigrate,
	}
}

// loadRewards builds the pool once; it is never reloaded
func (d *daemon) loadRewards(ctx context.Context) (*rewards.Pool, error) {
	var src rewards.Source
	switch d.cfg.RewardsSource {
	case config.RewardsFromFile:
		src = rewards.FileSource{Path: d.cfg.RewardsFile}
	default:
		var err error
		if src, err = d.db.RewardSource(d.cfg.RewardsSource, d.cfg.RewardsRedisKey); err != nil {
			return nil, err
		}
	}
	return rewards.Load(ctx, src, retry.StartupConfig(), d.logger)
}

// run serves until ctx is done, then drains sessions for up to SHUTDOWN_TIMEOUT
func (d *daemon) run(ctx context.Context) error {
	if d.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, d.cfg.MetricsAddr, d.logger); err != nil {
				d.logger.WithError(err).Error("metrics server failed")
			}
		}()
	}
	d.db.StartPeriodicTasks(ctx)

	// Sessions outlive ctx so Shutdown can let them finish
	serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelServe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start(serveCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	d.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	err := d.server.Shutdown(shutdownCtx)
	cancelServe()
	<-errCh
	return err
}

func (d *daemon) close() {
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close Kafka client")
		}
		d.kafka = nil
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close databases")
		}
		d.db = nil
	}
}
