package codec

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// gairmetWindow is how long a G-AIRMET snapshot stays valid when the bulletin
// carries no expiry of its own.
const gairmetWindow = 3 * time.Hour

// normalizeHazard reads a SIGMET/AIRMET advisory.
func normalizeHazard(f fields, ref time.Time) (domain.Record, error) {
	r := newReader(f, ref)
	h := domain.Hazard{
		HazardType:      strings.ToUpper(r.required("hazard")),
		Severity:        r.upper("severity"),
		Product:         r.upper("airsigmet_type", "airSigmetType"),
		RawText:         r.optional("raw_text", "rawAirSigmet"),
		IssuedAt:        r.optionalInstant("issue_time", "issueTime", "receipt_time", "receiptTime"),
		ValidFrom:       r.instant("valid_time_from", "validTimeFrom"),
		ValidTo:         r.instant("valid_time_to", "validTimeTo"),
		MinAltitudeFt:   r.integer("min_ft_msl", "altitudeLow1"),
		MaxAltitudeFt:   r.integer("max_ft_msl", "altitudeHi1"),
		MovementDirDeg:  r.integer("movement_dir_degrees", "movementDir"),
		MovementSpeedKt: r.integer("movement_speed_kt", "movementSpd"),
		Polygon:         r.polygon("points", "coords", "area"),
	}
	if r.err != nil {
		return domain.Record{}, r.err
	}
	if h.ValidTo.Before(h.ValidFrom) {
		return domain.Record{}, errValidWindow
	}
	h.ID = r.str("airsigmet_id", "airSigmetId", "id")
	if h.ID == "" {
		h.ID = deriveID(domain.KindHazard, deref(h.RawText), h.HazardType, h.ValidFrom.Format(time.RFC3339), h.ValidTo.Format(time.RFC3339))
	}
	return domain.NewHazardRecord(domain.KindHazard, h), nil
}

// normalizeAreaHazard reads a G-AIRMET snapshot. Its validity is issue time
// plus forecast_hour unless an explicit valid_time is given.
func normalizeAreaHazard(f fields, ref time.Time) (domain.Record, error) {
	r := newReader(f, ref)
	issued := r.instant("issue_time", "issueTime")
	if r.err != nil {
		return domain.Record{}, r.err
	}

	hazardType := r.str("hazardType")
	severity := r.upper("severity")
	for _, hz := range f.children("hazard") {
		hr := newReader(hz, ref)
		hazardType = hr.str("type")
		if s := hr.upper("severity"); s != nil {
			severity = s
		}
	}
	if hazardType == "" {
		hazardType = r.str("hazard")
	}
	if hazardType == "" {
		return domain.Record{}, fmt.Errorf("hazard: %w", errMissing)
	}

	validFrom := issued
	forecastHour := r.str("forecast_hour", "forecastHour")
	if vt := r.optionalInstant("valid_time", "validTime"); vt != nil {
		validFrom = *vt
	} else if forecastHour != "" {
		offset, err := parseOffsetHours(forecastHour)
		if err != nil {
			return domain.Record{}, fmt.Errorf("forecast_hour: %w", err)
		}
		validFrom = issued.Add(offset)
	}
	validTo := validFrom.Add(gairmetWindow)
	if exp := r.optionalInstant("expire_time", "expireTime"); exp != nil {
		validTo = *exp
	}

	h := domain.Hazard{
		HazardType:    strings.ToUpper(hazardType),
		Severity:      severity,
		Product:       r.upper("product"),
		RawText:       r.optional("raw_text", "rawText"),
		IssuedAt:      &issued,
		ValidFrom:     validFrom,
		ValidTo:       validTo,
		MinAltitudeFt: altitude(r, "min_ft_msl", "base"),
		MaxAltitudeFt: altitude(r, "max_ft_msl", "top"),
		Polygon:       r.polygon("points", "area", "coords"),
	}
	if r.err != nil {
		return domain.Record{}, r.err
	}
	h.ID = r.str("forecast_id", "id")
	if h.ID == "" {
		h.ID = deriveID(domain.KindAreaHazard, deref(h.Product), r.str("tag"), h.HazardType,
			issued.Format(time.RFC3339), forecastHour)
	}
	return domain.NewHazardRecord(domain.KindAreaHazard, h), nil
}

// altitude reads a bound that may be a direct field or an attribute on an
// <altitude> element. "SFC" means the surface; other non-numeric bounds such
// as "FZL" have no fixed altitude and read as absent.
func altitude(r *reader, attr, alias string) *int {
	values := []string{r.str(attr, alias)}
	for _, a := range r.f.children("altitude") {
		if v, ok := a.get(attr); ok {
			values = append([]string{v}, values...)
		}
	}
	for _, v := range values {
		if strings.EqualFold(v, "SFC") {
			return domain.Some(0)
		}
		if n, err := parseFinite(v); err == nil {
			return domain.Some(int(math.Round(n)))
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
