// Package influx writes per-attempt points to InfluxDB for long-range dashboards.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/powgate/internal/gate"
	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
)

// MeasurementAttempts holds one point per finished connection
const MeasurementAttempts = "attempts"

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client. Asynchronous write failures are
// logged through logger.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "influx_config", "no URL defined")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := health(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	logger = logger.WithComponent("influx")
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithError(err).Warn("failed to write points", "bucket", cfg.Bucket)
		}
	}()

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func health(ctx context.Context, client influxdb2.Client) error {
	h, err := client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_health", "failed to check InfluxDB health")
	}

	if h.Status != "pass" {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return errors.New(errors.ErrorTypeStorage, "influx_health", fmt.Sprintf("health check failed: %s", msg))
	}

	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return health(ctx, c.client)
}

// AttemptPoint converts a finished attempt into a point of MeasurementAttempts
func AttemptPoint(a *gate.Attempt) *write.Point {
	tags := map[string]string{
		"outcome":    a.Outcome(),
		"stage":      a.Stage,
		"difficulty": strconv.Itoa(int(a.Difficulty)),
	}

	fields := map[string]interface{}{
		"duration_ms": float64(a.Duration.Nanoseconds()) / 1e6,
		"bytes_in":    a.BytesIn,
		"bytes_out":   a.BytesOut,
		"count":       1,
	}

	return write.NewPoint(MeasurementAttempts, tags, fields, a.StartedAt)
}

// WriteAttemptMetric queues a point for the attempt. Points are sent in batches.
func (c *Client) WriteAttemptMetric(a *gate.Attempt) {
	c.writeAPI.WritePoint(AttemptPoint(a))
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
