// Command outbox-relay runs the outbox scheduler described by a YAML file.
//
// It relays staged records from a MySQL or Postgres outbox table to Kafka,
// Redis Streams or Google Pub/Sub, coordinating partition ownership through
// MySQL, Redis or etcd leases.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/velmie/relay"
	"github.com/velmie/relay/cmd/internal/logging"
	"github.com/velmie/relay/internal/config"
	"github.com/velmie/relay/telemetry"
)

const exitUsage = 2

func main() {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "relay.yaml", "Path to the YAML configuration file")
	flag.BoolVar(&once, "once", false, "Run a single cycle per partition and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	if err := run(cfg, once); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, once bool) error {
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	owner := cfg.Relay.Owner
	if owner == "" {
		owner = relay.DefaultOwner()
	}
	logger = logger.With("owner", owner)

	shutdownTelemetry, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		Endpoint:        cfg.Telemetry.Endpoint,
		ServiceName:     cfg.Telemetry.ServiceName,
		InstanceID:      owner,
		MetricsEnabled:  cfg.Telemetry.Metrics,
		TracesEnabled:   cfg.Telemetry.Traces,
		TraceSampleRate: cfg.Telemetry.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	comps, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.close(logger)

	opts, err := schedulerOptions(cfg, owner, logger)
	if err != nil {
		return err
	}
	scheduler := relay.NewScheduler(comps.source, comps.locker, comps.sink, opts...)

	if once {
		return runOnce(ctx, scheduler, partitions(cfg), logger)
	}

	err = scheduler.Run(ctx, partitions(cfg))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run relay: %w", err)
	}
	logger.Info("outbox relay stopped")

	return nil
}

// runOnce drains at most one batch per partition. Contention is logged and
// skipped; cycle errors are joined.
func runOnce(ctx context.Context, scheduler *relay.Scheduler, parts []relay.PartitionConfig, logger logging.Logger) error {
	var errs []error
	for _, partition := range parts {
		result, err := scheduler.RunCycle(ctx, partition)
		if err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", partition.Key, err))
			continue
		}
		if !result.Acquired {
			logger.Info("outbox partition held by another instance", "partition", partition.Key)
			continue
		}
		logger.Info("outbox partition cycle finished",
			"partition", partition.Key,
			"claimed", result.Claimed,
			"halted", result.Halted,
		)
	}

	return errors.Join(errs...)
}
