// Package retrieval answers point lookups and index queries cache-first,
// falling back to the data API and writing its answers through to the store.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/codec"
	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
	"github.com/couchcryptid/wx-cache-service/internal/observability"
)

// Store is the read side of the record store plus Apply for write-through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetMany(ctx context.Context, keyList []string) ([][]byte, error)
	Members(ctx context.Context, idx keys.Index, limit int) ([]string, error)
	Apply(ctx context.Context, writes []keys.Write) (int, error)
}

// Fallback fetches one identifier from the data API. A nil body with a nil
// error means the API has nothing for it.
type Fallback interface {
	Fetch(ctx context.Context, kind domain.Kind, id string) ([]byte, error)
}

// Origin says where a lookup result came from.
type Origin string

const (
	OriginCache    Origin = "cache"
	OriginFallback Origin = "fallback"
)

// Diagnostics carries non-fatal details of a lookup.
type Diagnostics struct {
	// WriteThroughErr is set when a fallback answer could not be cached.
	WriteThroughErr error
	// ResolvedFrom is the alias (IATA/FAA code) a station lookup was made with.
	ResolvedFrom string
}

// Result is a successful lookup.
type Result struct {
	Record      domain.Record
	Origin      Origin
	Diagnostics Diagnostics
}

// Service is safe for concurrent use.
type Service struct {
	store    Store
	fallback Fallback
	logger   *slog.Logger
	metrics  *observability.Metrics
	served   atomic.Bool

	feeds           map[domain.Kind]domain.Feed
	readTimeout     time.Duration
	writeTimeout    time.Duration
	fallbackTimeout time.Duration
}

// New creates a retrieval Service.
func New(cfg *config.Config, store Store, fallback Fallback, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:           store,
		fallback:        fallback,
		logger:          logger,
		metrics:         metrics,
		feeds:           cfg.Feeds,
		readTimeout:     cfg.StoreReadTimeout,
		writeTimeout:    cfg.StoreWriteTimeout,
		fallbackTimeout: cfg.FallbackTimeout,
	}
}

// CheckReadiness returns nil once the fallback has answered a lookup.
func (s *Service) CheckReadiness(_ context.Context) error {
	if !s.served.Load() {
		return errors.New("fallback has not served a request yet")
	}
	return nil
}

// Lookup returns the current record for id. Errors are ErrUnknownKind or
// ErrInvalidIdentifier for bad input, ErrNotFound when neither the cache nor
// the API has the identifier, and ErrSourceUnavailable when the API failed on
// a cache miss. Store failures count as misses.
func (s *Service) Lookup(ctx context.Context, kind domain.Kind, id string) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	id, err := kind.NormalizeID(id)
	if err != nil {
		return Result{}, err
	}
	logger := s.logger.With("kind", kind, "id", id)

	if rec, ok := s.cached(ctx, keys.PrimaryKey(kind, id), logger); ok {
		return s.hit(kind, rec, Diagnostics{}), nil
	}
	if kind == domain.KindStation {
		if icao, ok := s.resolveAlias(ctx, id, logger); ok {
			if rec, ok := s.cached(ctx, keys.PrimaryKey(kind, icao), logger); ok {
				return s.hit(kind, rec, Diagnostics{ResolvedFrom: id}), nil
			}
		}
	}
	return s.lookupFallback(ctx, kind, id, logger)
}

func (s *Service) hit(kind domain.Kind, rec domain.Record, diag Diagnostics) Result {
	s.metrics.Lookups.WithLabelValues(string(kind), string(OriginCache)).Inc()
	return Result{Record: rec, Origin: OriginCache, Diagnostics: diag}
}

// cached reads key within the store read timeout. Any failure is a miss.
func (s *Service) cached(ctx context.Context, key string, logger *slog.Logger) (domain.Record, bool) {
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	start := time.Now()
	data, ok, err := s.store.Get(rctx, key)
	s.metrics.StoreReadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Warn("store read failed, treating as miss", "key", key, "error", err)
		return domain.Record{}, false
	}
	if !ok {
		return domain.Record{}, false
	}
	rec, err := domain.UnmarshalRecord(data)
	if err != nil {
		logger.Warn("corrupt cached value, treating as miss", "key", key, "error", err)
		return domain.Record{}, false
	}
	return rec, true
}

// resolveAlias maps an IATA or FAA code onto the ICAO id of a cached station.
func (s *Service) resolveAlias(ctx context.Context, code string, logger *slog.Logger) (string, bool) {
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	for _, attr := range []string{"iata", "faa"} {
		key, err := keys.GroupKey(domain.KindStation, attr, code)
		if err != nil {
			return "", false
		}
		members, err := s.store.Members(rctx, keys.Index{Type: keys.Group, Key: key}, 1)
		if err != nil {
			logger.Warn("station alias read failed", "key", key, "error", err)
			return "", false
		}
		if len(members) > 0 && members[0] != code {
			return members[0], true
		}
	}
	return "", false
}

func (s *Service) lookupFallback(ctx context.Context, kind domain.Kind, id string, logger *slog.Logger) (Result, error) {
	fctx, cancel := context.WithTimeout(ctx, s.fallbackTimeout)
	defer cancel()

	start := time.Now()
	body, err := s.fallback.Fetch(fctx, kind, id)
	s.metrics.FallbackAPIDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		return s.unavailable(kind, logger, err)
	}
	if body == nil {
		return s.notFound(kind)
	}

	records, warnings, err := codec.DecodeAPI(kind, body, codec.Options{Reference: domain.Now()})
	if err != nil {
		return s.unavailable(kind, logger, err)
	}
	if len(records) == 0 && payloadFailed(warnings) {
		return s.unavailable(kind, logger, fmt.Errorf("undecodable api response: %s", warnings[0]))
	}
	rec, ok := match(kind, id, records)
	if !ok {
		return s.notFound(kind)
	}

	s.served.Store(true)
	s.metrics.Lookups.WithLabelValues(string(kind), string(OriginFallback)).Inc()
	res := Result{Record: rec, Origin: OriginFallback}
	if rec.ID != id {
		res.Diagnostics.ResolvedFrom = id
	}
	if err := s.writeThrough(ctx, rec); err != nil {
		res.Diagnostics.WriteThroughErr = err
		s.metrics.WriteThroughErrors.WithLabelValues(string(kind)).Inc()
		logger.Warn("write-through failed", "error", err)
	} else {
		s.metrics.RecordsWritten.WithLabelValues(string(kind)).Inc()
	}
	return res, nil
}

// writeThrough stores a fallback record with the same plan and TTL ingestion
// uses. It is bounded by the store write timeout and outlives a cancelled
// request.
func (s *Service) writeThrough(ctx context.Context, rec domain.Record) error {
	w, err := keys.Build(rec, s.feeds[rec.Kind].TTL)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	_, err = s.store.Apply(wctx, []keys.Write{w})
	return err
}

func (s *Service) unavailable(kind domain.Kind, logger *slog.Logger, cause error) (Result, error) {
	s.metrics.FallbackErrors.WithLabelValues(string(kind)).Inc()
	s.metrics.Lookups.WithLabelValues(string(kind), "unavailable").Inc()
	logger.Warn("fallback failed", "error", cause)
	return Result{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, cause)
}

func (s *Service) notFound(kind domain.Kind) (Result, error) {
	s.served.Store(true)
	s.metrics.Lookups.WithLabelValues(string(kind), "not_found").Inc()
	return Result{}, domain.ErrNotFound
}

// match picks the record for id out of an API answer. List products return
// every current bulletin; stations also match on their IATA and FAA codes.
func match(kind domain.Kind, id string, records []domain.Record) (domain.Record, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	if kind == domain.KindStation {
		for _, r := range records {
			st := r.Station
			if (st.IATAID != nil && strings.EqualFold(*st.IATAID, id)) || (st.FAAID != nil && strings.EqualFold(*st.FAAID, id)) {
				return r, true
			}
		}
	}
	return domain.Record{}, false
}

func payloadFailed(warnings []codec.Warning) bool {
	for _, w := range warnings {
		if w.Index < 0 {
			return true
		}
	}
	return false
}
