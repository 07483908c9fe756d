package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	httpadapter "github.com/couchcryptid/wx-cache-service/internal/adapter/http"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/couchcryptid/wx-cache-service/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockRetriever struct {
	result    retrieval.Result
	list      retrieval.ListResult
	err       error
	lastKind  domain.Kind
	lastID    string
	lastQuery retrieval.Query
}

func (m *mockRetriever) Lookup(_ context.Context, kind domain.Kind, id string) (retrieval.Result, error) {
	m.lastKind, m.lastID = kind, id
	return m.result, m.err
}

func (m *mockRetriever) List(_ context.Context, kind domain.Kind, q retrieval.Query) (retrieval.ListResult, error) {
	m.lastKind, m.lastQuery = kind, q
	return m.list, m.err
}

type mockIngester struct {
	summary  pipeline.Summary
	err      error
	triggers []domain.Trigger
}

func (m *mockIngester) Run(_ context.Context, trig domain.Trigger) (pipeline.Summary, error) {
	m.triggers = append(m.triggers, trig)
	return m.summary, m.err
}

func (m *mockIngester) RunAll(_ context.Context, triggers []domain.Trigger) ([]pipeline.Summary, error) {
	m.triggers = append(m.triggers, triggers...)
	out := make([]pipeline.Summary, len(triggers))
	for i := range out {
		out[i] = m.summary
	}
	return out, m.err
}

func (m *mockIngester) Feeds() map[domain.Kind]domain.Feed {
	return domain.DefaultFeeds()
}

type testServer struct {
	srv       *httpadapter.Server
	retriever *mockRetriever
	ingester  *mockIngester
}

func newTestServer(readyErr error) *testServer {
	ts := &testServer{retriever: &mockRetriever{}, ingester: &mockIngester{}}
	ts.srv = httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, ts.retriever, ts.ingester, slog.Default())
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func kjfk() domain.Record {
	return domain.NewObservationRecord(domain.Observation{StationID: "KJFK", RawText: "KJFK 181751Z 31012KT 10SM FEW250 18/06 A3012"})
}

func TestHealthzReturns200(t *testing.T) {
	rec := newTestServer(nil).do(http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := newTestServer(nil).do(http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := newTestServer(fmt.Errorf("not ready yet")).do(http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := newTestServer(nil).do(http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLookup(t *testing.T) {
	ts := newTestServer(nil)
	ts.retriever.result = retrieval.Result{Record: kjfk(), Origin: retrieval.OriginCache}

	rec := ts.do(http.MethodGet, "/v1/metar/kjfk", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Cache-Origin"))
	assert.Equal(t, domain.KindObservation, ts.retriever.lastKind)
	assert.Equal(t, "kjfk", ts.retriever.lastID)

	var body struct {
		Record domain.Record `json:"record"`
		Origin string        `json:"origin"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cache", body.Origin)
	assert.Equal(t, "KJFK", body.Record.ID)
	require.NotNil(t, body.Record.Observation)
}

func TestLookup_Diagnostics(t *testing.T) {
	ts := newTestServer(nil)
	ts.retriever.result = retrieval.Result{
		Record: domain.NewStationRecord(domain.Station{ICAOID: "KLAX"}),
		Origin: retrieval.OriginFallback,
		Diagnostics: retrieval.Diagnostics{
			ResolvedFrom:    "LAX",
			WriteThroughErr: errors.New("store down"),
		},
	}

	rec := ts.do(http.MethodGet, "/v1/station/LAX", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get("X-Cache-Origin"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "LAX", body["resolvedFrom"])
	assert.Equal(t, "store down", body["writeThroughError"])
}

func TestLookup_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"unknown kind in path", "/v1/volcano/X", nil, http.StatusBadRequest},
		{"invalid identifier", "/v1/metar/K!", fmt.Errorf("%w: bad", domain.ErrInvalidIdentifier), http.StatusBadRequest},
		{"not found", "/v1/taf/KZZZ", domain.ErrNotFound, http.StatusNotFound},
		{"source unavailable", "/v1/taf/KZZZ", fmt.Errorf("%w: timeout", domain.ErrSourceUnavailable), http.StatusServiceUnavailable},
		{"unexpected", "/v1/taf/KZZZ", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(nil)
			ts.retriever.err = tt.err

			rec := ts.do(http.MethodGet, tt.target, "")

			assert.Equal(t, tt.want, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestList(t *testing.T) {
	ts := newTestServer(nil)
	ts.retriever.list = retrieval.ListResult{Index: "obs:category:IFR", Records: []domain.Record{kjfk()}, Skipped: 2}

	rec := ts.do(http.MethodGet, "/v1/observation?group=category:IFR&limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retrieval.Query{Index: retrieval.IndexGroup, Group: "category:IFR", Limit: 5}, ts.retriever.lastQuery)

	var body struct {
		Index   string          `json:"index"`
		Count   int             `json:"count"`
		Skipped int             `json:"skipped"`
		Records []domain.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "obs:category:IFR", body.Index)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 2, body.Skipped)
}

func TestList_EmptyIsArray(t *testing.T) {
	ts := newTestServer(nil)
	ts.retriever.list = retrieval.ListResult{Index: "pirep:recent"}

	rec := ts.do(http.MethodGet, "/v1/pirep?index=recent", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)
	assert.Equal(t, retrieval.IndexRecent, ts.retriever.lastQuery.Index)
}

func TestList_BadLimit(t *testing.T) {
	rec := newTestServer(nil).do(http.MethodGet, "/v1/observation?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_InvalidQuery(t *testing.T) {
	ts := newTestServer(nil)
	ts.retriever.err = fmt.Errorf("%w: station has no recent index", retrieval.ErrInvalidQuery)

	rec := ts.do(http.MethodGet, "/v1/station?index=recent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest(t *testing.T) {
	ts := newTestServer(nil)
	ts.ingester.summary = pipeline.Summary{Kind: domain.KindForecast, Stage: pipeline.StageDone, Written: 12}

	rec := ts.do(http.MethodPost, "/v1/ingest/tafs", `{"sourceUrl":"https://mirror.example/tafs.cache.xml.gz"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.ingester.triggers, 1)
	assert.Equal(t, domain.Trigger{BulletinKind: "tafs", SourceURL: "https://mirror.example/tafs.cache.xml.gz"}, ts.ingester.triggers[0])

	var body pipeline.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 12, body.Written)
}

func TestIngest_NoBody(t *testing.T) {
	ts := newTestServer(nil)
	ts.ingester.summary = pipeline.Summary{Stage: pipeline.StageDone}

	rec := ts.do(http.MethodPost, "/v1/ingest/pirep", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.Trigger{BulletinKind: "pirep"}, ts.ingester.triggers[0])
}

func TestIngest_BadBody(t *testing.T) {
	ts := newTestServer(nil)
	rec := ts.do(http.MethodPost, "/v1/ingest/pirep", "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.ingester.triggers)
}

func TestIngest_FailureStatus(t *testing.T) {
	ts := newTestServer(nil)
	ts.ingester.err = errors.New("download failed")
	ts.ingester.summary = pipeline.Summary{Stage: pipeline.StageFailed, FailedStage: pipeline.StageDownloading}

	rec := ts.do(http.MethodPost, "/v1/ingest/metars", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	ts.ingester.summary.FailedStage = pipeline.StageIdle
	rec = ts.do(http.MethodPost, "/v1/ingest/volcano", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestAll(t *testing.T) {
	ts := newTestServer(nil)
	ts.ingester.summary = pipeline.Summary{Stage: pipeline.StageDone}

	rec := ts.do(http.MethodPost, "/v1/ingest", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.ingester.triggers, len(domain.Kinds))

	var body struct {
		Runs []pipeline.Summary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, len(domain.Kinds))
}
