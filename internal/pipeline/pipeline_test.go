package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/adapter/memory"
	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
	"github.com/couchcryptid/wx-cache-service/internal/observability"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockDownloader struct {
	mu       sync.Mutex
	payloads map[string][]byte
	err      error
	calls    int
}

func (m *mockDownloader) Download(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.payloads[url]
	if !ok {
		return nil, fmt.Errorf("no payload for %s", url)
	}
	return p, nil
}

type mockSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *mockSink) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[name] = data
	return nil
}

type mockPublisher struct {
	mu        sync.Mutex
	summaries []pipeline.Summary
}

func (m *mockPublisher) Publish(_ context.Context, s pipeline.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

// --- fixtures ---

var runAt = time.Date(2026, 10, 18, 17, 51, 30, 0, time.UTC)

const metarHeader = "station_id,observation_time,raw_text,flight_category,latitude,longitude\n"

func metarRow(station, category string) string {
	return fmt.Sprintf("%s,2026-10-18T17:51:00Z,%s 181751Z 31012KT 10SM,%s,40.6,-73.7\n", station, station, category)
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func feedURL(kind domain.Kind) string {
	return domain.DefaultFeeds()[kind].SourceURL
}

func testConfig() *config.Config {
	return &config.Config{
		Feeds:          domain.DefaultFeeds(),
		ApplyChunkSize: 500,
		RecentLimit:    1000,
		BackupPrefix:   "cache-files",
		BackupTimeout:  time.Second,
	}
}

type harness struct {
	clock     *clockwork.FakeClock
	store     *memory.Store
	download  *mockDownloader
	sink      *mockSink
	publisher *mockPublisher
	metrics   *observability.Metrics
	pipeline  *pipeline.Pipeline
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(runAt)
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })

	h := &harness{
		clock:     clock,
		store:     memory.NewStore(clock),
		download:  &mockDownloader{payloads: map[string][]byte{}},
		sink:      &mockSink{},
		publisher: &mockPublisher{},
		metrics:   newTestMetrics(),
	}
	h.pipeline = pipeline.New(cfg, h.download, h.store, slog.Default(), h.metrics,
		pipeline.WithBackup(h.sink), pipeline.WithPublisher(h.publisher))
	return h
}

func (h *harness) run(t *testing.T, kind domain.Kind) (pipeline.Summary, error) {
	t.Helper()
	return h.pipeline.Run(context.Background(), domain.Trigger{BulletinKind: string(kind)})
}

// --- tests ---

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, testConfig())
	raw := gz(t, metarHeader+metarRow("KJFK", "VFR")+metarRow("KLAX", "IFR")+metarRow("KORD", "VFR"))
	h.download.payloads[feedURL(domain.KindObservation)] = raw

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StageDone, s.Stage)
	assert.True(t, s.Succeeded())
	assert.Equal(t, domain.KindObservation, s.Kind)
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, runAt, s.StartedAt)
	assert.Equal(t, 3, s.Decoded)
	assert.Equal(t, 3, s.Written)
	assert.Zero(t, s.Warnings)
	assert.Equal(t, []string{"obs:KJFK", "obs:KLAX", "obs:KORD"}, h.store.Keys("obs:"))

	ctx := context.Background()
	vfr, err := h.store.Members(ctx, keys.Index{Type: keys.Group, Key: "obs:category:VFR"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"KJFK", "KORD"}, vfr)

	wantObject := "cache-files/20261018/175130/metars.cache.csv.gz"
	assert.Equal(t, pipeline.Backup{Status: pipeline.BackupStored, Object: wantObject}, s.Backup)
	assert.Equal(t, raw, h.sink.objects[wantObject], "backup holds the raw compressed download")

	require.Len(t, h.publisher.summaries, 1)
	assert.Equal(t, s.RunID, h.publisher.summaries[0].RunID)

	require.NoError(t, h.pipeline.CheckReadiness(ctx))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.IngestRuns.WithLabelValues("observation", "success")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.RecordsWritten.WithLabelValues("observation")), 0)
}

func TestRun_UncompressedPayload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.download.payloads[feedURL(domain.KindObservation)] = []byte(metarHeader + metarRow("KJFK", "VFR"))

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Written)
}

func TestRun_DropsBadRecords(t *testing.T) {
	h := newHarness(t, testConfig())
	body := metarHeader + metarRow("KJFK", "VFR") + "KBAD,yesterday,KBAD AUTO,VFR,1,1\n" + metarRow("KLAX", "IFR")
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, body)

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Decoded)
	assert.Equal(t, 1, s.Warnings)
	assert.Equal(t, 2, s.Written)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RecordsDropped.WithLabelValues("observation")), 0)
}

func TestRun_NonFiniteNumberDropsOnlyThatRecord(t *testing.T) {
	h := newHarness(t, testConfig())
	body := "station_id,observation_time,raw_text,flight_category,latitude,longitude,temp_c\n" +
		"KJFK,2026-10-18T17:51:00Z,KJFK 181751Z,VFR,40.6,-73.7,12\n" +
		"KBAD,2026-10-18T17:51:00Z,KBAD 181751Z,VFR,41.0,-74.0,NaN\n" +
		"KINF,2026-10-18T17:51:00Z,KINF 181751Z,VFR,41.0,-74.0,-Inf\n" +
		"KLAX,2026-10-18T17:53:00Z,KLAX 181753Z,IFR,33.9,-118.4,21\n"
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, body)

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDone, s.Stage)
	assert.Equal(t, 2, s.Decoded)
	assert.Equal(t, 2, s.Warnings)
	assert.Equal(t, 2, s.Written)
	assert.Equal(t, []string{"obs:KJFK", "obs:KLAX"}, h.store.Keys("obs:"))
}

func TestRun_EmptyUpstreamIsSuccess(t *testing.T) {
	h := newHarness(t, testConfig())
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, metarHeader)

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDone, s.Stage)
	assert.Zero(t, s.Decoded)
	assert.Zero(t, s.Written)
	assert.Empty(t, h.store.Keys(""))
	assert.Equal(t, pipeline.BackupStored, s.Backup.Status, "backup still attempted")
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.IngestRuns.WithLabelValues("observation", "empty")), 0)
}

func TestRun_DownloadFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.download.err = errors.New("connection refused")

	s, err := h.run(t, domain.KindObservation)
	require.Error(t, err)
	assert.Equal(t, pipeline.StageFailed, s.Stage)
	assert.Equal(t, pipeline.StageDownloading, s.FailedStage)
	assert.Contains(t, s.Error, "connection refused")
	assert.Empty(t, h.store.Keys(""), "store untouched")
	assert.Empty(t, h.sink.objects)
	assert.Error(t, h.pipeline.CheckReadiness(context.Background()))

	require.Len(t, h.publisher.summaries, 1, "failed runs are published too")
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.IngestRuns.WithLabelValues("observation", "failed")), 0)
}

func TestRun_CorruptGzip(t *testing.T) {
	h := newHarness(t, testConfig())
	raw := gz(t, metarHeader+metarRow("KJFK", "VFR"))
	h.download.payloads[feedURL(domain.KindObservation)] = raw[:len(raw)-6]

	s, err := h.run(t, domain.KindObservation)
	require.Error(t, err)
	assert.Equal(t, pipeline.StageDecompressing, s.FailedStage)
	assert.Empty(t, h.store.Keys(""))
}

func TestRun_FaultMidBatchThenRerun(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyChunkSize = 2
	h := newHarness(t, cfg)

	var body strings.Builder
	body.WriteString(metarHeader)
	stations := []string{"KAAA", "KBBB", "KCCC", "KDDD", "KEEE"}
	for _, st := range stations {
		body.WriteString(metarRow(st, "VFR"))
	}
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, body.String())
	h.store.FailAfter(3)

	s, err := h.run(t, domain.KindObservation)
	require.ErrorIs(t, err, memory.ErrInjected)
	assert.Equal(t, pipeline.StageApplying, s.FailedStage)
	assert.Equal(t, 3, s.Written)
	assert.Equal(t, pipeline.BackupSkipped, s.Backup.Status)

	// Every written value has its index entries; nothing else is indexed.
	ctx := context.Background()
	members, err := h.store.Members(ctx, keys.Index{Type: keys.Membership, Key: "obs:stations"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"KAAA", "KBBB", "KCCC"}, members)
	assert.Equal(t, []string{"obs:KAAA", "obs:KBBB", "obs:KCCC"}, h.store.Keys("obs:"))

	h.store.FailAfter(-1)
	s, err = h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Written)

	members, err = h.store.Members(ctx, keys.Index{Type: keys.Membership, Key: "obs:stations"}, 10)
	require.NoError(t, err)
	assert.Equal(t, stations, members)
	assert.Len(t, h.store.Keys("obs:"), 5)
}

func TestRun_DuplicateKeysLastWins(t *testing.T) {
	h := newHarness(t, testConfig())
	body := metarHeader + metarRow("KJFK", "VFR") + metarRow("KJFK", "IFR")
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, body)

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Decoded)
	assert.Equal(t, 1, s.Written)

	value, ok, err := h.store.Get(context.Background(), "obs:KJFK")
	require.NoError(t, err)
	require.True(t, ok)
	rec, err := domain.UnmarshalRecord(value)
	require.NoError(t, err)
	assert.Equal(t, "IFR", *rec.Observation.FlightCategory)
}

func TestRun_TTLClassSeparation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, metarHeader+metarRow("KJFK", "VFR"))
	h.download.payloads[feedURL(domain.KindStation)] = gz(t, `[{"icaoId":"KJFK","iataId":"JFK","lat":40.6392,"lon":-73.7639}]`)

	_, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	_, err = h.run(t, domain.KindStation)
	require.NoError(t, err)

	feeds := domain.DefaultFeeds()
	assert.Greater(t, feeds[domain.KindObservation].TTL, feeds[domain.KindObservation].UpdateInterval)
	assert.Greater(t, feeds[domain.KindStation].TTL, feeds[domain.KindStation].UpdateInterval)

	h.clock.Advance(3 * time.Minute)
	ctx := context.Background()
	_, ok, err := h.store.Get(ctx, "obs:KJFK")
	require.NoError(t, err)
	assert.False(t, ok, "observation expired after its short TTL")
	_, ok, err = h.store.Get(ctx, "station:KJFK")
	require.NoError(t, err)
	assert.True(t, ok, "station survives on its long TTL")
}

func TestRun_PrunesDanglingEntries(t *testing.T) {
	h := newHarness(t, testConfig())
	url := feedURL(domain.KindObservation)
	h.download.payloads[url] = gz(t, metarHeader+metarRow("KOLD", "VFR"))
	_, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)

	h.clock.Advance(3 * time.Minute)
	h.download.payloads[url] = gz(t, metarHeader+metarRow("KNEW", "VFR"))
	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Pruned, "KOLD membership, recent, category and geo entries")

	members, err := h.store.Members(context.Background(), keys.Index{Type: keys.Group, Key: "obs:category:VFR"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"KNEW"}, members)
}

func TestRun_ReplacedRecordLeavesOldGroup(t *testing.T) {
	h := newHarness(t, testConfig())
	url := feedURL(domain.KindObservation)
	h.download.payloads[url] = gz(t, metarHeader+metarRow("KJFK", "VFR")+metarRow("KLAX", "VFR"))
	_, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)

	h.download.payloads[url] = gz(t, metarHeader+metarRow("KJFK", "IFR")+metarRow("KLAX", "VFR"))
	_, err = h.run(t, domain.KindObservation)
	require.NoError(t, err)

	ctx := context.Background()
	vfr, err := h.store.Members(ctx, keys.Index{Type: keys.Group, Key: "obs:category:VFR"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"KLAX"}, vfr)
	ifr, err := h.store.Members(ctx, keys.Index{Type: keys.Group, Key: "obs:category:IFR"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"KJFK"}, ifr)
}

func TestRun_TrimsRecentIndex(t *testing.T) {
	cfg := testConfig()
	cfg.RecentLimit = 2
	h := newHarness(t, cfg)
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, metarHeader+
		"KAAA,2026-10-18T17:40:00Z,raw,VFR,,\n"+
		"KBBB,2026-10-18T17:45:00Z,raw,VFR,,\n"+
		"KCCC,2026-10-18T17:50:00Z,raw,VFR,,\n")

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pruned)

	recent, err := h.store.Members(context.Background(), keys.Index{Type: keys.TimeOrdered, Key: "obs:updated"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"KCCC", "KBBB"}, recent)
}

func TestRun_BackupFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sink.err = errors.New("access denied")
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, metarHeader+metarRow("KJFK", "VFR"))

	s, err := h.run(t, domain.KindObservation)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDone, s.Stage)
	assert.Equal(t, pipeline.BackupFailed, s.Backup.Status)
	assert.Equal(t, "access denied", s.Backup.Error)
	assert.Equal(t, 1, s.Written)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BackupOutcomes.WithLabelValues("observation", "failed")), 0)
}

func TestRun_NoBackupConfigured(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runAt)
	dl := &mockDownloader{payloads: map[string][]byte{
		feedURL(domain.KindObservation): gz(t, metarHeader+metarRow("KJFK", "VFR")),
	}}
	p := pipeline.New(testConfig(), dl, memory.NewStore(clock), slog.Default(), newTestMetrics())

	s, err := p.Run(context.Background(), domain.Trigger{BulletinKind: "metars"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.BackupSkipped, s.Backup.Status)
}

func TestRun_SourceOverride(t *testing.T) {
	h := newHarness(t, testConfig())
	mirror := "https://mirror.example/data/metars.cache.csv.gz"
	h.download.payloads[mirror] = gz(t, metarHeader+metarRow("KJFK", "VFR"))

	s, err := h.pipeline.Run(context.Background(), domain.Trigger{BulletinKind: "metar", SourceURL: mirror})
	require.NoError(t, err)
	assert.Equal(t, mirror, s.Source)
	assert.Equal(t, 1, s.Written)
}

func TestRun_InvalidTrigger(t *testing.T) {
	h := newHarness(t, testConfig())

	s, err := h.pipeline.Run(context.Background(), domain.Trigger{BulletinKind: "volcano"})
	require.ErrorIs(t, err, domain.ErrUnknownKind)
	assert.Equal(t, pipeline.StageFailed, s.Stage)
	assert.Equal(t, pipeline.StageIdle, s.FailedStage)
	assert.Zero(t, h.download.calls)
	require.Len(t, h.publisher.summaries, 1)
	assert.Equal(t, domain.Kind("volcano"), h.publisher.summaries[0].Kind)
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, testConfig())
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, metarHeader+metarRow("KJFK", "VFR"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := h.pipeline.Run(ctx, domain.Trigger{BulletinKind: "observation"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pipeline.StageApplying, s.FailedStage)
	assert.Zero(t, s.Written)
}

func TestRunAll_KindsConcurrently(t *testing.T) {
	h := newHarness(t, testConfig())
	h.download.payloads[feedURL(domain.KindObservation)] = gz(t, metarHeader+metarRow("KJFK", "VFR"))
	h.download.payloads[feedURL(domain.KindStation)] = gz(t, `[{"icaoId":"KJFK","lat":40.6,"lon":-73.7}]`)

	summaries, err := h.pipeline.RunAll(context.Background(), []domain.Trigger{
		{BulletinKind: "observation"},
		{BulletinKind: "station"},
		{BulletinKind: "taf"},
	})
	require.Error(t, err, "forecast feed has no payload")
	require.Len(t, summaries, 3)
	assert.True(t, summaries[0].Succeeded())
	assert.True(t, summaries[1].Succeeded())
	assert.Equal(t, pipeline.StageDownloading, summaries[2].FailedStage)
	assert.Equal(t, []string{"obs:KJFK"}, h.store.Keys("obs:"))
	assert.Equal(t, []string{"station:KJFK"}, h.store.Keys("station:"))
}

func TestFeedTriggers(t *testing.T) {
	triggers := pipeline.FeedTriggers(domain.DefaultFeeds())
	require.Len(t, triggers, len(domain.Kinds))
	assert.Equal(t, "observation", triggers[0].BulletinKind)
	assert.Equal(t, "station", triggers[5].BulletinKind)
}
