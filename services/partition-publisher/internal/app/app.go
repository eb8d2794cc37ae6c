// github.com/lattice-cqrs/partition-publisher/services/partition-publisher/internal/app/app.go
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lattice-cqrs/partition-publisher/common"
	"github.com/lattice-cqrs/partition-publisher/common/httpserver"
	"github.com/lattice-cqrs/partition-publisher/common/logger"
	"github.com/lattice-cqrs/partition-publisher/common/middleware"
	"github.com/lattice-cqrs/partition-publisher/common/safe"
	"github.com/lattice-cqrs/partition-publisher/common/shutdown"
	"github.com/lattice-cqrs/partition-publisher/common/telemetry"
	"github.com/lattice-cqrs/partition-publisher/internal/ktable"
	"github.com/lattice-cqrs/partition-publisher/internal/producer"
	"github.com/lattice-cqrs/partition-publisher/internal/publisher"
	"github.com/lattice-cqrs/partition-publisher/services/partition-publisher/internal/config"
	"github.com/lattice-cqrs/partition-publisher/services/partition-publisher/internal/metrics"
)

// Run wires the transactional producer, the KTable lag poller, the
// publisher state machine and the HTTP metrics/health server together
// and blocks until ctx is cancelled or one of them fails.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	common.InitServiceName(cfg.ServiceName)
	metrics.SetBuildInfo(cfg.ServiceName, cfg.ServiceVersion)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		Timeout:        cfg.Telemetry.ExportTimeout,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("app: init tracer: %w", err)
	}
	defer shutdown.GracefulShutdown("tracer", cfg.Telemetry.ExportTimeout, shutdownTracer, log.Raw())

	transactionalID := fmt.Sprintf("%s-%d", cfg.Publisher.TransactionalIDPrefix, cfg.Publisher.Partition)
	prod, err := producer.New(producer.Config{
		Brokers:         cfg.Kafka.Brokers,
		TransactionalID: transactionalID,
		Partition:       cfg.Publisher.Partition,
		Version:         cfg.Kafka.Version,
		RequiredAcks:    cfg.Publisher.RequiredAcks,
		Timeout:         cfg.Publisher.ProduceTimeout,
		Compression:     cfg.Publisher.Compression,
	}, log)
	if err != nil {
		return fmt.Errorf("app: build producer: %w", err)
	}

	machine, err := publisher.NewMachine(publisher.Config{
		EventsTopic:              cfg.Publisher.EventsTopic,
		StateTopic:               cfg.Publisher.StateTopic,
		Partition:                cfg.Publisher.Partition,
		FlushInterval:            cfg.Publisher.FlushInterval,
		MaxRecordsPerTransaction: cfg.Publisher.MaxRecordsPerTransaction,
		AskTimeout:               cfg.Publisher.AskTimeout,
		ReadinessTimeout:         cfg.Publisher.ReadinessTimeout,
		MailboxSize:              cfg.Publisher.MailboxSize,
		InitBackoff:              cfg.Publisher.InitBackoff,
	}, prod, log)
	if err != nil {
		return fmt.Errorf("app: build machine: %w", err)
	}
	facade := publisher.NewFacade(machine)

	ktableSource, err := ktable.NewSource(ktable.Config{
		Brokers:   cfg.Kafka.Brokers,
		GroupID:   cfg.Publisher.KTableGroupID,
		Topic:     cfg.Publisher.StateTopic,
		Partition: cfg.Publisher.Partition,
		Version:   cfg.Kafka.Version,
	})
	if err != nil {
		return fmt.Errorf("app: build ktable source: %w", err)
	}

	poller, err := ktable.NewPoller(ktableSource, machine, cfg.Publisher.StateTopic, cfg.Publisher.Partition, cfg.Publisher.KTablePollInterval, log)
	if err != nil {
		return fmt.Errorf("app: build ktable poller: %w", err)
	}

	readiness := func() error {
		health, err := facade.HealthCheck(context.Background())
		if err != nil {
			return err
		}
		if !health.Up {
			return fmt.Errorf("app: publisher state=%s fenced=%v", health.State, health.Fenced)
		}
		return nil
	}

	httpSrv, err := httpserver.New(httpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MetricsPath:     cfg.HTTP.MetricsPath,
		HealthzPath:     cfg.HTTP.HealthzPath,
		ReadyzPath:      cfg.HTTP.ReadyzPath,
	}, readiness, log,
		httpserver.RecoverMiddleware,
		httpserver.CORSMiddleware(),
		middleware.RequestID(),
		middleware.Metrics(),
	)
	if err != nil {
		return fmt.Errorf("app: build http server: %w", err)
	}

	group := safe.New(ctx, log.Raw())

	group.Go(func(ctx context.Context) error {
		return machine.Run(ctx)
	})

	group.Go(func(ctx context.Context) error {
		err := poller.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	group.Go(func(ctx context.Context) error {
		return httpSrv.Start(ctx)
	})

	group.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ktableSource.Close()
	})

	log.Info("app: partition-publisher started",
		zap.String("state_topic", cfg.Publisher.StateTopic),
		zap.String("events_topic", cfg.Publisher.EventsTopic),
		zap.Int32("partition", cfg.Publisher.Partition),
		zap.String("transactional_id", transactionalID),
	)

	group.Wait()
	log.Info("app: partition-publisher stopped")
	return nil
}
