// Package codec turns raw bulletin payloads into normalized records.
//
// Each kind arrives in one wire format (delimited text, structured markup, or
// structured text objects). A flat table pairs that format's splitter with the
// kind's normalizer. Every kind can also be read from the source API's JSON
// shape, so bulk-file and fallback records come out identical.
package codec

import (
	"fmt"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// Warning describes one bulletin that was dropped during decoding. Index is the
// bulletin's position in the payload, or -1 when the whole payload was unreadable.
type Warning struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	if w.ID != "" {
		return fmt.Sprintf("record %d (%s): %s", w.Index, w.ID, w.Reason)
	}
	return fmt.Sprintf("record %d: %s", w.Index, w.Reason)
}

// Options tunes a decode call.
type Options struct {
	// Reference resolves relative timestamps. Defaults to the domain clock.
	Reference time.Time
}

// Format names a wire format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
)

type normalizer func(f fields, ref time.Time) (domain.Record, error)

type decoder struct {
	format    Format
	split     splitter
	normalize normalizer
}

var bulkDecoders = map[domain.Kind]decoder{
	domain.KindObservation: {FormatCSV, csvTable("station_id"), normalizeObservation},
	domain.KindForecast:    {FormatXML, xmlElements("TAF"), normalizeForecast},
	domain.KindHazard:      {FormatCSV, csvTable("valid_time_from"), normalizeHazard},
	domain.KindAreaHazard:  {FormatXML, xmlElements("GAIRMET", "G-AIRMET"), normalizeAreaHazard},
	domain.KindPilotReport: {FormatCSV, csvTable("observation_time"), normalizePilotReport},
	domain.KindStation:     {FormatJSON, jsonObjects, normalizeStation},
}

// FormatOf reports the bulk-file wire format of a kind.
func FormatOf(kind domain.Kind) (Format, error) {
	d, ok := bulkDecoders[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return d.format, nil
}

// Decode reads a decompressed bulk file. Bulletins that fail to normalize are
// dropped with a warning; the error is reserved for an unknown kind.
func Decode(kind domain.Kind, raw []byte, opts Options) ([]domain.Record, []Warning, error) {
	d, ok := bulkDecoders[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	recs, warnings := run(d.split, d.normalize, raw, opts)
	return recs, warnings, nil
}

// DecodeAPI reads the source API's JSON response for a kind.
func DecodeAPI(kind domain.Kind, raw []byte, opts Options) ([]domain.Record, []Warning, error) {
	d, ok := bulkDecoders[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	recs, warnings := run(jsonObjects, d.normalize, raw, opts)
	return recs, warnings, nil
}

func run(split splitter, normalize normalizer, raw []byte, opts Options) ([]domain.Record, []Warning) {
	ref := opts.Reference
	if ref.IsZero() {
		ref = domain.Now()
	}
	items, warnings := split(raw)
	recs := make([]domain.Record, 0, len(items))
	for i, f := range items {
		rec, err := normalize(f, ref)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			warnings = append(warnings, Warning{Index: i, ID: idHint(f), Reason: err.Error()})
			continue
		}
		recs = append(recs, rec)
	}
	return recs, warnings
}

// idHint names a bulletin in a warning when it carries any recognizable ID.
func idHint(f fields) string {
	for _, name := range []string{"station_id", "icaoId", "id", "airsigmet_id", "airSigmetId", "aircraft_ref"} {
		if v, ok := f.get(name); ok {
			return v
		}
	}
	return ""
}
