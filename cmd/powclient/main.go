// Package main implements powclient, which solves powgated challenges and
// prints the rewards it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bardlex/powgate/internal/client"
	"github.com/bardlex/powgate/internal/config"
	"github.com/bardlex/powgate/internal/metrics"
	"github.com/bardlex/powgate/pkg/log"
)

func main() {
	count := flag.Int("count", 1, "number of rewards to request")
	addr := flag.String("addr", "", "server address, overrides HOST and PORT")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr == "" {
		*addr = cfg.Addr()
	}

	logger := log.NewWithWriter(os.Stderr, "powclient", cfg.Version, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	c := client.New(*addr,
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithTimeout(cfg.ConnTimeout),
		client.WithLogger(logger),
	)
	if err := run(ctx, c, *count, os.Stdout, logger); err != nil {
		logger.WithError(err).Error("request failed", "addr", *addr)
		stop()
		os.Exit(1)
	}
}

// run requests count rewards in sequence and writes each one on its own line
func run(ctx context.Context, c *client.Client, count int, out io.Writer, logger *log.Logger) error {
	for i := range count {
		resp, err := c.GetResponse(ctx)
		if err != nil {
			return fmt.Errorf("request %d: %w", i+1, err)
		}
		logger.Info("reward received",
			"request", i+1,
			"difficulty", resp.Difficulty,
			"hashes", resp.HashesTried,
			"solve_time", resp.SolveTime.String(),
		)
		if _, err := fmt.Fprintln(out, resp.Reward); err != nil {
			return err
		}
	}
	return nil
}
