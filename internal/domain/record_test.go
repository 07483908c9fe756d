package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStoredRoundTrip(t *testing.T) {
	observed := time.Date(2026, 10, 18, 17, 51, 0, 0, time.UTC)
	rec := NewObservationRecord(Observation{
		StationID:    "KJFK",
		ObservedAt:   observed,
		RawText:      "KJFK 181751Z 31012KT 10SM FEW050 12/M02 A3012",
		TemperatureC: Some(12.0),
		WindDirDeg:   Some(310),
		Latitude:     Some(40.6392),
		Longitude:    Some(-73.7639),
		Clouds:       []CloudLayer{{Cover: "FEW", BaseFtAGL: Some(5000)}},
	})

	data, err := MarshalRecord(rec)
	require.NoError(t, err)

	// Absent optional values are explicit nulls, never sentinel numbers.
	assert.Contains(t, string(data), `"dewpointC":null`)
	assert.Contains(t, string(data), `"kind":"observation"`)
	assert.NotContains(t, string(data), `"forecast"`)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRecordRejectsMismatchedPayload(t *testing.T) {
	_, err := UnmarshalRecord([]byte(`{"kind":"observation","id":"KJFK","station":{"icaoId":"KJFK"}}`))
	require.ErrorContains(t, err, "missing payload")

	_, err = UnmarshalRecord([]byte(`{"kind":"volcano","id":"X"}`))
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = UnmarshalRecord([]byte(`{not json`))
	require.Error(t, err)
}

func TestRecordEventTime(t *testing.T) {
	at := time.Date(2026, 10, 18, 18, 0, 0, 0, time.UTC)

	assert.Equal(t, at, NewObservationRecord(Observation{StationID: "KJFK", ObservedAt: at}).EventTime())
	assert.Equal(t, at, NewForecastRecord(Forecast{StationID: "KJFK", IssuedAt: at}).EventTime())
	assert.Equal(t, at, NewHazardRecord(KindAreaHazard, Hazard{ID: "g1", ValidFrom: at}).EventTime())
	assert.Equal(t, at, NewPilotReportRecord(PilotReport{ID: "p1", ObservedAt: at}).EventTime())
	assert.True(t, NewStationRecord(Station{ICAOID: "KJFK"}).EventTime().IsZero())
}

func TestRecordLocation(t *testing.T) {
	_, _, ok := NewObservationRecord(Observation{StationID: "KJFK"}).Location()
	assert.False(t, ok, "observation without coordinates")

	lat, lon, ok := NewHazardRecord(KindHazard, Hazard{
		ID:      "h1",
		Polygon: []Point{{Lat: 40, Lon: -75}, {Lat: 41, Lon: -74}},
	}).Location()
	require.True(t, ok)
	assert.Equal(t, 40.0, lat)
	assert.Equal(t, -75.0, lon)

	_, _, ok = NewHazardRecord(KindHazard, Hazard{ID: "h2"}).Location()
	assert.False(t, ok, "hazard without polygon")
}

func TestRecordValidate(t *testing.T) {
	require.NoError(t, NewStationRecord(Station{ICAOID: "KJFK"}).Validate())

	err := NewStationRecord(Station{}).Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing id"))
}

func TestTriggerResolve(t *testing.T) {
	feeds := DefaultFeeds()

	kind, url, err := Trigger{BulletinKind: "metars"}.Resolve(feeds)
	require.NoError(t, err)
	assert.Equal(t, KindObservation, kind)
	assert.Equal(t, feeds[KindObservation].SourceURL, url)

	kind, url, err = Trigger{BulletinKind: "taf", SourceURL: "http://mirror.local/tafs.xml.gz"}.Resolve(feeds)
	require.NoError(t, err)
	assert.Equal(t, KindForecast, kind)
	assert.Equal(t, "http://mirror.local/tafs.xml.gz", url)

	_, _, err = Trigger{}.Resolve(feeds)
	require.ErrorContains(t, err, "invalid trigger")

	_, _, err = Trigger{BulletinKind: "taf", SourceURL: "not a url"}.Resolve(feeds)
	require.ErrorContains(t, err, "invalid trigger")

	_, _, err = Trigger{BulletinKind: "volcano"}.Resolve(feeds)
	require.ErrorIs(t, err, ErrUnknownKind)

	_, _, err = Trigger{BulletinKind: "pirep"}.Resolve(map[Kind]Feed{})
	require.ErrorContains(t, err, "no source url")
}
