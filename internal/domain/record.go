package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Some returns a pointer to v. Optional fields use nil as the "no value" marker.
func Some[T any](v T) *T {
	return &v
}

// CloudLayer is one sky-condition group.
type CloudLayer struct {
	Cover     string  `json:"cover"`
	BaseFtAGL *int    `json:"baseFtAgl"`
	Type      *string `json:"type"`
}

// Observation is a normalized surface report (METAR/SPECI).
type Observation struct {
	StationID          string       `json:"stationId"`
	ObservedAt         time.Time    `json:"observedAt"`
	RawText            string       `json:"rawText"`
	TemperatureC       *float64     `json:"temperatureC"`
	DewpointC          *float64     `json:"dewpointC"`
	WindDirDeg         *int         `json:"windDirDeg"`
	WindVariable       bool         `json:"windVariable"`
	WindSpeedKt        *int         `json:"windSpeedKt"`
	WindGustKt         *int         `json:"windGustKt"`
	VisibilitySM       *float64     `json:"visibilitySM"`
	AltimeterInHg      *float64     `json:"altimeterInHg"`
	SeaLevelPressureMb *float64     `json:"seaLevelPressureMb"`
	ElevationFt        *float64     `json:"elevationFt"`
	Latitude           *float64     `json:"latitude"`
	Longitude          *float64     `json:"longitude"`
	FlightCategory     *string      `json:"flightCategory"`
	ReportType         *string      `json:"reportType"`
	WxString           *string      `json:"wxString"`
	Clouds             []CloudLayer `json:"clouds"`
}

// ForecastPeriod is one change group of a terminal forecast.
type ForecastPeriod struct {
	From         time.Time    `json:"from"`
	To           time.Time    `json:"to"`
	Change       *string      `json:"change"`
	Probability  *int         `json:"probability"`
	WindDirDeg   *int         `json:"windDirDeg"`
	WindSpeedKt  *int         `json:"windSpeedKt"`
	WindGustKt   *int         `json:"windGustKt"`
	VisibilitySM *float64     `json:"visibilitySM"`
	WxString     *string      `json:"wxString"`
	Clouds       []CloudLayer `json:"clouds"`
}

// Forecast is a normalized terminal aerodrome forecast (TAF).
type Forecast struct {
	StationID string           `json:"stationId"`
	IssuedAt  time.Time        `json:"issuedAt"`
	ValidFrom time.Time        `json:"validFrom"`
	ValidTo   time.Time        `json:"validTo"`
	RawText   string           `json:"rawText"`
	Remarks   *string          `json:"remarks"`
	Latitude  *float64         `json:"latitude"`
	Longitude *float64         `json:"longitude"`
	Periods   []ForecastPeriod `json:"periods"`
}

// Point is a WGS-84 vertex of a hazard polygon.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Hazard is a normalized en-route advisory (SIGMET/AIRMET) or area hazard
// forecast (G-AIRMET). Both kinds share this shape.
type Hazard struct {
	ID              string     `json:"id"`
	HazardType      string     `json:"hazardType"`
	Severity        *string    `json:"severity"`
	Product         *string    `json:"product"`
	RawText         *string    `json:"rawText"`
	IssuedAt        *time.Time `json:"issuedAt"`
	ValidFrom       time.Time  `json:"validFrom"`
	ValidTo         time.Time  `json:"validTo"`
	MinAltitudeFt   *int       `json:"minAltitudeFt"`
	MaxAltitudeFt   *int       `json:"maxAltitudeFt"`
	MovementDirDeg  *int       `json:"movementDirDeg"`
	MovementSpeedKt *int       `json:"movementSpeedKt"`
	Polygon         []Point    `json:"polygon"`
}

// Condition is a turbulence or icing observation inside a pilot report.
type Condition struct {
	Intensity string  `json:"intensity"`
	Type      *string `json:"type"`
	BaseFt    *int    `json:"baseFt"`
	TopFt     *int    `json:"topFt"`
}

// PilotReport is a normalized PIREP/AIREP.
type PilotReport struct {
	ID           string      `json:"id"`
	ObservedAt   time.Time   `json:"observedAt"`
	ReportType   *string     `json:"reportType"`
	AircraftType *string     `json:"aircraftType"`
	Latitude     float64     `json:"latitude"`
	Longitude    float64     `json:"longitude"`
	AltitudeFt   *int        `json:"altitudeFt"`
	Turbulence   []Condition `json:"turbulence"`
	Icing        []Condition `json:"icing"`
	RawText      string      `json:"rawText"`
}

// Station is normalized station metadata.
type Station struct {
	ICAOID     string   `json:"icaoId"`
	IATAID     *string  `json:"iataId"`
	FAAID      *string  `json:"faaId"`
	WMOID      *string  `json:"wmoId"`
	Name       *string  `json:"name"`
	State      *string  `json:"state"`
	Country    *string  `json:"country"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	ElevationM *float64 `json:"elevationM"`
	SiteTypes  []string `json:"siteTypes"`
}

// Record is the tagged union every bulletin normalizes into. Exactly one
// payload field is set, selected by Kind. Records are immutable once built.
type Record struct {
	Kind        Kind         `json:"kind"`
	ID          string       `json:"id"`
	Observation *Observation `json:"observation,omitempty"`
	Forecast    *Forecast    `json:"forecast,omitempty"`
	Hazard      *Hazard      `json:"hazard,omitempty"`
	PilotReport *PilotReport `json:"pirep,omitempty"`
	Station     *Station     `json:"station,omitempty"`
}

func NewObservationRecord(o Observation) Record {
	return Record{Kind: KindObservation, ID: o.StationID, Observation: &o}
}

func NewForecastRecord(f Forecast) Record {
	return Record{Kind: KindForecast, ID: f.StationID, Forecast: &f}
}

// NewHazardRecord wraps a hazard as either KindHazard or KindAreaHazard.
func NewHazardRecord(kind Kind, h Hazard) Record {
	return Record{Kind: kind, ID: h.ID, Hazard: &h}
}

func NewPilotReportRecord(p PilotReport) Record {
	return Record{Kind: KindPilotReport, ID: p.ID, PilotReport: &p}
}

func NewStationRecord(s Station) Record {
	return Record{Kind: KindStation, ID: s.ICAOID, Station: &s}
}

// EventTime is the instant a record describes; it scores time-ordered indexes.
// Station metadata has no event time and returns the zero value.
func (r Record) EventTime() time.Time {
	switch {
	case r.Observation != nil:
		return r.Observation.ObservedAt
	case r.Forecast != nil:
		return r.Forecast.IssuedAt
	case r.Hazard != nil:
		return r.Hazard.ValidFrom
	case r.PilotReport != nil:
		return r.PilotReport.ObservedAt
	default:
		return time.Time{}
	}
}

// Location returns the record's representative coordinate, if it has one.
// Hazards are located by their first polygon vertex.
func (r Record) Location() (lat, lon float64, ok bool) {
	switch {
	case r.Observation != nil && r.Observation.Latitude != nil && r.Observation.Longitude != nil:
		return *r.Observation.Latitude, *r.Observation.Longitude, true
	case r.Forecast != nil && r.Forecast.Latitude != nil && r.Forecast.Longitude != nil:
		return *r.Forecast.Latitude, *r.Forecast.Longitude, true
	case r.PilotReport != nil:
		return r.PilotReport.Latitude, r.PilotReport.Longitude, true
	case r.Station != nil:
		return r.Station.Latitude, r.Station.Longitude, true
	case r.Hazard != nil && len(r.Hazard.Polygon) > 0:
		return r.Hazard.Polygon[0].Lat, r.Hazard.Polygon[0].Lon, true
	}
	return 0, 0, false
}

// Validate checks that the payload matches the kind and carries an ID.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%s record: missing id", r.Kind)
	}
	var ok bool
	switch r.Kind {
	case KindObservation:
		ok = r.Observation != nil
	case KindForecast:
		ok = r.Forecast != nil
	case KindHazard, KindAreaHazard:
		ok = r.Hazard != nil
	case KindPilotReport:
		ok = r.PilotReport != nil
	case KindStation:
		ok = r.Station != nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if !ok {
		return fmt.Errorf("%s record %s: missing payload", r.Kind, r.ID)
	}
	return nil
}

// MarshalRecord serializes a record into the stored value format.
func MarshalRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record %s: %w", r.Kind, r.ID, err)
	}
	return data, nil
}

// UnmarshalRecord parses a stored value and checks it is a well-formed record.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
