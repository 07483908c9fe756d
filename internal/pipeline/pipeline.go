// Package pipeline runs one ingestion of a bulk file: download, decompress,
// decode, apply to the store, and back up the raw payload.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/codec"
	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
	"github.com/couchcryptid/wx-cache-service/internal/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Downloader fetches a bulk file, retrying transient failures.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Store is the write side of the record store.
type Store interface {
	Apply(ctx context.Context, writes []keys.Write) (int, error)
	Prune(ctx context.Context, kind domain.Kind, indexes []keys.Index) (int, error)
	Trim(ctx context.Context, key string, keep int) (int, error)
}

// BackupSink stores a copy of a raw payload.
type BackupSink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// SummaryPublisher announces finished runs.
type SummaryPublisher interface {
	Publish(ctx context.Context, s Summary) error
}

const publishTimeout = 5 * time.Second

// Option configures optional pipeline collaborators.
type Option func(p *Pipeline)

// WithBackup enables raw payload backup.
func WithBackup(sink BackupSink) Option {
	return func(p *Pipeline) { p.backup = sink }
}

// WithPublisher publishes every summary after the run.
func WithPublisher(pub SummaryPublisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// Pipeline ingests bulk files into the store. Run is safe for concurrent use,
// including overlapping runs of the same kind.
type Pipeline struct {
	downloader Downloader
	store      Store
	backup     BackupSink
	publisher  SummaryPublisher
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool

	feeds         map[domain.Kind]domain.Feed
	chunkSize     int
	recentLimit   int
	backupPrefix  string
	backupTimeout time.Duration
}

// New creates a Pipeline.
func New(cfg *config.Config, d Downloader, s Store, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		downloader:    d,
		store:         s,
		logger:        logger,
		metrics:       metrics,
		feeds:         cfg.Feeds,
		chunkSize:     cfg.ApplyChunkSize,
		recentLimit:   cfg.RecentLimit,
		backupPrefix:  cfg.BackupPrefix,
		backupTimeout: cfg.BackupTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckReadiness returns nil once at least one run has succeeded.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no ingestion run has succeeded yet")
	}
	return nil
}

// Feeds returns the configured feeds.
func (p *Pipeline) Feeds() map[domain.Kind]domain.Feed {
	return p.feeds
}

// Run performs one ingestion for the trigger's kind. The summary is returned
// in every case; the error is non-nil when the run failed. Records written
// before a failure stay valid and a rerun completes the batch.
func (p *Pipeline) Run(ctx context.Context, trig domain.Trigger) (Summary, error) {
	start := time.Now()
	s := Summary{
		RunID:     uuid.NewString(),
		Stage:     StageIdle,
		StartedAt: domain.Now(),
		Backup:    Backup{Status: BackupSkipped},
	}
	kind, source, err := trig.Resolve(p.feeds)
	if err != nil {
		s.Kind = domain.Kind(trig.BulletinKind)
		s.Source = trig.SourceURL
		s.Stage, s.FailedStage, s.Error = StageFailed, StageIdle, err.Error()
		p.logger.Warn("rejected ingestion trigger", "run_id", s.RunID, "error", err)
		p.publish(ctx, s, p.logger)
		return s, err
	}
	s.Kind, s.Source = kind, source

	logger := p.logger.With("kind", kind, "run_id", s.RunID)
	labels := string(kind)
	p.metrics.IngestRunning.WithLabelValues(labels).Inc()
	defer p.metrics.IngestRunning.WithLabelValues(labels).Dec()

	logger.Info("ingestion started", "source", source)
	err = p.run(ctx, &s, logger)

	s.Duration = time.Since(start)
	if err != nil {
		s.FailedStage = s.Stage
		s.Stage = StageFailed
		s.Error = err.Error()
		logger.Error("ingestion failed", "stage", s.FailedStage, "written", s.Written, "error", err)
	} else {
		p.ready.Store(true)
		logger.Info("ingestion finished",
			"decoded", s.Decoded,
			"written", s.Written,
			"warnings", s.Warnings,
			"pruned", s.Pruned,
			"backup", s.Backup.Status,
			"duration", s.Duration,
		)
	}
	p.metrics.IngestRuns.WithLabelValues(labels, s.outcome()).Inc()
	p.metrics.IngestDuration.WithLabelValues(labels).Observe(s.Duration.Seconds())

	p.publish(ctx, s, logger)
	return s, err
}

// run advances s through the stages. On error s.Stage is the failing stage.
func (p *Pipeline) run(ctx context.Context, s *Summary, logger *slog.Logger) error {
	s.Stage = StageDownloading
	raw, err := p.downloader.Download(ctx, s.Source)
	if err != nil {
		return err
	}

	s.Stage = StageDecompressing
	payload, err := Decompress(raw)
	if err != nil {
		return err
	}

	s.Stage = StageDecoding
	records, warnings, err := codec.Decode(s.Kind, payload, codec.Options{Reference: s.StartedAt})
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn("bulletin dropped", "index", w.Index, "id", w.ID, "reason", w.Reason)
	}
	s.Decoded, s.Warnings = len(records), len(warnings)
	p.metrics.RecordsDecoded.WithLabelValues(string(s.Kind)).Add(float64(len(records)))
	p.metrics.RecordsDropped.WithLabelValues(string(s.Kind)).Add(float64(len(warnings)))

	s.Stage = StageApplying
	if len(records) == 0 {
		logger.Info("upstream file has no records")
	} else if err := p.apply(ctx, s, records, logger); err != nil {
		return err
	}

	s.Stage = StageBackingUp
	s.Backup = p.backupPayload(ctx, s, raw, logger)

	s.Stage = StageDone
	return nil
}

func (p *Pipeline) apply(ctx context.Context, s *Summary, records []domain.Record, logger *slog.Logger) error {
	feed := p.feeds[s.Kind]
	writes, dropped := buildWrites(records, feed.TTL)
	for _, w := range dropped {
		logger.Warn("bulletin dropped", "index", w.Index, "id", w.ID, "reason", w.Reason)
	}
	s.Warnings += len(dropped)
	p.metrics.RecordsDropped.WithLabelValues(string(s.Kind)).Add(float64(len(dropped)))

	for _, chunk := range chunks(writes, p.chunkSize) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply cancelled after %d records: %w", s.Written, err)
		}
		n, err := p.store.Apply(ctx, chunk)
		s.Written += n
		p.metrics.RecordsWritten.WithLabelValues(string(s.Kind)).Add(float64(n))
		if err != nil {
			return fmt.Errorf("apply failed after %d records: %w", s.Written, err)
		}
	}

	// Index maintenance never fails the run; the next run retries it.
	pruned, err := p.store.Prune(ctx, s.Kind, keys.Touched(writes))
	if err != nil {
		logger.Warn("prune dangling index entries failed", "error", err)
	}
	s.Pruned += pruned
	if recent, ok := keys.RecentKey(s.Kind); ok && p.recentLimit > 0 {
		trimmed, err := p.store.Trim(ctx, recent, p.recentLimit)
		if err != nil {
			logger.Warn("trim recent index failed", "key", recent, "error", err)
		}
		s.Pruned += trimmed
	}
	p.metrics.IndexPruned.WithLabelValues(string(s.Kind)).Add(float64(s.Pruned))
	return nil
}

// backupPayload copies the raw download to the backup sink. It is best effort
// and bounded by its own timeout.
func (p *Pipeline) backupPayload(ctx context.Context, s *Summary, raw []byte, logger *slog.Logger) Backup {
	if p.backup == nil {
		p.metrics.BackupOutcomes.WithLabelValues(string(s.Kind), string(BackupSkipped)).Inc()
		return Backup{Status: BackupSkipped}
	}
	name := backupObjectName(p.backupPrefix, s.Source, s.Kind, s.StartedAt)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.backupTimeout)
	defer cancel()
	if err := p.backup.Put(bctx, name, raw); err != nil {
		logger.Warn("raw payload backup failed", "object", name, "error", err)
		p.metrics.BackupOutcomes.WithLabelValues(string(s.Kind), string(BackupFailed)).Inc()
		return Backup{Status: BackupFailed, Object: name, Error: err.Error()}
	}
	p.metrics.BackupOutcomes.WithLabelValues(string(s.Kind), string(BackupStored)).Inc()
	return Backup{Status: BackupStored, Object: name}
}

func (p *Pipeline) publish(ctx context.Context, s Summary, logger *slog.Logger) {
	if p.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.publisher.Publish(pctx, s); err != nil {
		p.metrics.SummaryFailures.Inc()
		logger.Warn("publish ingestion summary failed", "error", err)
	}
}

// RunAll runs one ingestion per trigger concurrently and waits for all of
// them. A failing run does not cancel the others; the returned error joins
// every failure.
func (p *Pipeline) RunAll(ctx context.Context, triggers []domain.Trigger) ([]Summary, error) {
	summaries := make([]Summary, len(triggers))
	errs := make([]error, len(triggers))

	var g errgroup.Group
	for i, trig := range triggers {
		g.Go(func() error {
			summaries[i], errs[i] = p.Run(ctx, trig)
			return nil
		})
	}
	_ = g.Wait()
	return summaries, errors.Join(errs...)
}

// FeedTriggers returns one trigger per configured feed, in kind order.
func FeedTriggers(feeds map[domain.Kind]domain.Feed) []domain.Trigger {
	var out []domain.Trigger
	for _, kind := range domain.Kinds {
		if _, ok := feeds[kind]; ok {
			out = append(out, domain.Trigger{BulletinKind: string(kind)})
		}
	}
	return out
}
