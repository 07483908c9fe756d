package codec

import (
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

const (
	feetPerMeter = 3.28084
	hPaPerInHg   = 33.8639
)

// normalizeObservation reads a METAR/SPECI. Column names follow the bulk CSV;
// the camelCase aliases are the API's.
func normalizeObservation(f fields, ref time.Time) (domain.Record, error) {
	r := newReader(f, ref)
	raw := r.str("raw_text", "rawOb")
	dir, variable := r.wind("wind_dir_degrees", "wdir")

	o := domain.Observation{
		StationID:          strings.ToUpper(r.required("station_id", "icaoId")),
		ObservedAt:         r.instant("observation_time", "obsTime", "reportTime"),
		RawText:            raw,
		TemperatureC:       r.number("temp_c", "temp"),
		DewpointC:          r.number("dewpoint_c", "dewp"),
		WindDirDeg:         dir,
		WindVariable:       variable,
		WindSpeedKt:        r.integer("wind_speed_kt", "wspd"),
		WindGustKt:         r.integer("wind_gust_kt", "wgst"),
		VisibilitySM:       r.visibility("visibility_statute_mi", "visib"),
		AltimeterInHg:      altimeter(r),
		SeaLevelPressureMb: r.number("sea_level_pressure_mb", "slp"),
		ElevationFt:        metersToFeet(r.number("elevation_m", "elev")),
		Latitude:           r.number("latitude", "lat"),
		Longitude:          r.number("longitude", "lon"),
		FlightCategory:     r.upper("flight_category", "fltCat", "fltcat"),
		ReportType:         r.upper("metar_type", "metarType"),
		WxString:           r.optional("wx_string", "wxString"),
		Clouds:             r.clouds(raw),
	}
	if r.err != nil {
		return domain.Record{}, r.err
	}
	return domain.NewObservationRecord(o), nil
}

// altimeter prefers the inHg column; the API reports hPa.
func altimeter(r *reader) *float64 {
	if v := r.number("altim_in_hg"); v != nil {
		return domain.Some(round(*v, 2))
	}
	v := r.number("altim")
	if v == nil {
		return nil
	}
	if *v > 100 {
		return domain.Some(round(*v/hPaPerInHg, 2))
	}
	return domain.Some(round(*v, 2))
}

func metersToFeet(m *float64) *float64 {
	if m == nil {
		return nil
	}
	return domain.Some(round(*m*feetPerMeter, 1))
}
