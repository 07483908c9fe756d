package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies one of the six bulletin categories.
type Kind string

const (
	KindObservation Kind = "observation"
	KindForecast    Kind = "forecast"
	KindHazard      Kind = "hazard"
	KindAreaHazard  Kind = "areahazard"
	KindPilotReport Kind = "pirep"
	KindStation     Kind = "station"
)

// Kinds lists every bulletin kind in a stable order.
var Kinds = []Kind{
	KindObservation,
	KindForecast,
	KindHazard,
	KindAreaHazard,
	KindPilotReport,
	KindStation,
}

// kindAliases maps the product names used by the upstream source onto kinds.
var kindAliases = map[string]Kind{
	"observation":     KindObservation,
	"observations":    KindObservation,
	"metar":           KindObservation,
	"metars":          KindObservation,
	"forecast":        KindForecast,
	"forecasts":       KindForecast,
	"taf":             KindForecast,
	"tafs":            KindForecast,
	"hazard":          KindHazard,
	"sigmet":          KindHazard,
	"airsigmet":       KindHazard,
	"airsigmets":      KindHazard,
	"areahazard":      KindAreaHazard,
	"airmet":          KindAreaHazard,
	"gairmet":         KindAreaHazard,
	"g-airmet":        KindAreaHazard,
	"gairmets":        KindAreaHazard,
	"pirep":           KindPilotReport,
	"pireps":          KindPilotReport,
	"aircraftreports": KindPilotReport,
	"station":         KindStation,
	"stations":        KindStation,
}

// ParseKind resolves a kind name or one of its upstream product aliases.
func ParseKind(s string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// KeyPrefix is the namespace used for a kind's primary keys and indexes.
func (k Kind) KeyPrefix() string {
	switch k {
	case KindObservation:
		return "obs"
	case KindForecast:
		return "fcst"
	default:
		return string(k)
	}
}

// StationKeyed reports whether records of this kind are keyed by a station code.
func (k Kind) StationKeyed() bool {
	return k == KindObservation || k == KindForecast || k == KindStation
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindObservation, KindForecast, KindHazard, KindAreaHazard, KindPilotReport, KindStation:
		return true
	}
	return false
}

// NormalizeID canonicalizes a caller-supplied identifier for this kind.
// Station codes are upper-cased; other identifiers keep their case.
func (k Kind) NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	if k.StationKeyed() {
		id = strings.ToUpper(id)
	}
	return id, nil
}

// Feed describes where a kind's bulk file lives and how long its records stay fresh.
type Feed struct {
	Kind           Kind
	SourceURL      string
	UpdateInterval time.Duration
	TTL            time.Duration
}

// Validate enforces that records outlive the source's own update cadence, so a
// healthy pipeline never lets a key lapse between runs.
func (f Feed) Validate() error {
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	if f.UpdateInterval <= 0 {
		return fmt.Errorf("feed %s: update interval must be positive", f.Kind)
	}
	if f.TTL <= f.UpdateInterval {
		return fmt.Errorf("feed %s: ttl %s must exceed update interval %s", f.Kind, f.TTL, f.UpdateInterval)
	}
	return nil
}

const awcCacheBase = "https://aviationweather.gov/data/cache"

// DefaultFeeds returns the Aviation Weather Center cache files and the
// freshness class of each kind. TTLs are 2x the update interval for short-lived
// products, 1.5x for forecasts, and one extra hour for the daily station list.
func DefaultFeeds() map[Kind]Feed {
	return map[Kind]Feed{
		KindObservation: {
			Kind:           KindObservation,
			SourceURL:      awcCacheBase + "/metars.cache.csv.gz",
			UpdateInterval: time.Minute,
			TTL:            2 * time.Minute,
		},
		KindForecast: {
			Kind:           KindForecast,
			SourceURL:      awcCacheBase + "/tafs.cache.xml.gz",
			UpdateInterval: 10 * time.Minute,
			TTL:            15 * time.Minute,
		},
		KindHazard: {
			Kind:           KindHazard,
			SourceURL:      awcCacheBase + "/airsigmets.cache.csv.gz",
			UpdateInterval: time.Minute,
			TTL:            2 * time.Minute,
		},
		KindAreaHazard: {
			Kind:           KindAreaHazard,
			SourceURL:      awcCacheBase + "/gairmets.cache.xml.gz",
			UpdateInterval: time.Minute,
			TTL:            2 * time.Minute,
		},
		KindPilotReport: {
			Kind:           KindPilotReport,
			SourceURL:      awcCacheBase + "/aircraftreports.cache.csv.gz",
			UpdateInterval: time.Minute,
			TTL:            2 * time.Minute,
		},
		KindStation: {
			Kind:           KindStation,
			SourceURL:      awcCacheBase + "/stations.cache.json.gz",
			UpdateInterval: 24 * time.Hour,
			TTL:            25 * time.Hour,
		},
	}
}
