// Command wxcache runs the aviation weather cache: scheduled and event-driven
// ingestion of the bulk cache files plus the cache-first lookup API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/wx-cache-service/internal/adapter/awc"
	httpadapter "github.com/couchcryptid/wx-cache-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/wx-cache-service/internal/adapter/kafka"
	"github.com/couchcryptid/wx-cache-service/internal/adapter/memory"
	redisadapter "github.com/couchcryptid/wx-cache-service/internal/adapter/redis"
	s3adapter "github.com/couchcryptid/wx-cache-service/internal/adapter/s3"
	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/observability"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/couchcryptid/wx-cache-service/internal/retrieval"
	"github.com/couchcryptid/wx-cache-service/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// store is everything the service needs from a record store backend.
type store interface {
	pipeline.Store
	retrieval.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	var st store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		st = memory.NewStore(nil)
		logger.Warn("using in-process memory store; records are lost on restart")
	default:
		st = redisadapter.NewStore(cfg, logger)
		logger.Info("redis store configured", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	}

	var opts []pipeline.Option
	if cfg.BackupEnabled() {
		var sinkOpts []s3adapter.Option
		if cfg.BackupEndpoint != "" {
			sinkOpts = append(sinkOpts, s3adapter.OptEndpoint(cfg.BackupEndpoint))
		}
		sink, err := s3adapter.NewSink(cfg.AWSRegion, cfg.BackupBucket, logger, sinkOpts...)
		if err != nil {
			logger.Error("failed to create backup sink", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pipeline.WithBackup(sink))
		logger.Info("raw payload backup enabled", "bucket", cfg.BackupBucket, "prefix", cfg.BackupPrefix)
	} else {
		logger.Info("raw payload backup disabled")
	}

	var (
		summaries *kafkaadapter.SummaryWriter
		triggers  *kafkaadapter.TriggerReader
	)
	if cfg.KafkaEnabled() {
		summaries = kafkaadapter.NewSummaryWriter(cfg, logger)
		triggers = kafkaadapter.NewTriggerReader(cfg, logger)
		opts = append(opts, pipeline.WithPublisher(summaries))
		logger.Info("kafka enabled",
			"brokers", cfg.KafkaBrokers,
			"trigger_topic", cfg.KafkaTriggerTopic,
			"summary_topic", cfg.KafkaSummaryTopic,
		)
	}

	downloader := awc.NewDownloader(cfg.DownloadTimeout, cfg.DownloadRetries, logger)
	p := pipeline.New(cfg, downloader, st, logger, metrics, opts...)

	fallback := awc.NewClient(cfg.FallbackBaseURL, cfg.FallbackTimeout, logger)
	svc := retrieval.New(cfg, st, fallback, logger, metrics)

	ready := &readiness{store: st, sources: []httpadapter.ReadinessChecker{p, svc}}
	srv := httpadapter.NewServer(cfg.HTTPAddr, ready, svc, p, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(p.Feeds(), p, logger)
		if err := sched.Start(gctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	if triggers != nil {
		g.Go(func() error {
			return triggers.Run(gctx, func(ctx context.Context, trig domain.Trigger) error {
				_, err := p.Run(ctx, trig)
				return err
			})
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if sched != nil {
		sched.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := g.Wait(); err != nil {
		logger.Error("service error", "error", err)
	}
	if triggers != nil {
		if err := triggers.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if summaries != nil {
		if err := summaries.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// readiness is ready when the store answers and either an ingestion run has
// succeeded or the fallback has served a lookup.
type readiness struct {
	store interface {
		Ping(ctx context.Context) error
	}
	sources []httpadapter.ReadinessChecker
}

func (r *readiness) CheckReadiness(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return err
	}
	var errs []error
	for _, s := range r.sources {
		err := s.CheckReadiness(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
