package codec

import (
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// normalizeStation reads one station metadata entry.
func normalizeStation(f fields, ref time.Time) (domain.Record, error) {
	r := newReader(f, ref)
	s := domain.Station{
		ICAOID:     strings.ToUpper(r.required("icaoId", "station_id", "icao")),
		IATAID:     r.upper("iataId", "iata"),
		FAAID:      r.upper("faaId", "faa"),
		WMOID:      r.optional("wmoId", "wmo_id"),
		Name:       r.optional("site", "name"),
		State:      r.upper("state"),
		Country:    r.upper("country"),
		Latitude:   r.requiredFloat("lat", "latitude"),
		Longitude:  r.requiredFloat("lon", "longitude"),
		ElevationM: r.number("elev", "elevation_m"),
		SiteTypes:  siteTypes(f),
	}
	if r.err != nil {
		return domain.Record{}, r.err
	}
	return domain.NewStationRecord(s), nil
}

// siteTypes accepts an array or a comma/space separated list.
func siteTypes(f fields) []string {
	out := []string{}
	for _, name := range []string{"siteType", "site_type"} {
		for _, v := range f.all(name) {
			for _, t := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
				out = append(out, strings.ToUpper(t))
			}
		}
	}
	return out
}
