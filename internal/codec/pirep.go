package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// conditionColumns names the fields of one turbulence or icing group in each
// wire shape: bulk columns/attributes, then the API's numbered fields.
type conditionColumns struct {
	element                    string
	intensity, kind, base, top string
	apiPrefix                  string
}

var (
	turbulenceColumns = conditionColumns{
		element:   "turbulence_condition",
		intensity: "turbulence_intensity",
		kind:      "turbulence_type",
		base:      "turbulence_base_ft_msl",
		top:       "turbulence_top_ft_msl",
		apiPrefix: "tb",
	}
	icingColumns = conditionColumns{
		element:   "icing_condition",
		intensity: "icing_intensity",
		kind:      "icing_type",
		base:      "icing_base_ft_msl",
		top:       "icing_top_ft_msl",
		apiPrefix: "icg",
	}
)

// normalizePilotReport reads a PIREP/AIREP. Altitude comes in feet from the
// bulk file and as a flight level (hundreds of feet) from the API.
func normalizePilotReport(f fields, ref time.Time) (domain.Record, error) {
	r := newReader(f, ref)
	p := domain.PilotReport{
		ObservedAt:   r.instant("observation_time", "obsTime"),
		ReportType:   r.upper("report_type", "pirepType"),
		AircraftType: r.upper("aircraft_ref", "acType"),
		Latitude:     r.requiredFloat("latitude", "lat"),
		Longitude:    r.requiredFloat("longitude", "lon"),
		AltitudeFt:   r.integer("altitude_ft_msl"),
		RawText:      r.required("raw_text", "rawOb"),
	}
	if p.AltitudeFt == nil {
		if fl := r.integer("fltLvl", "fltlvl"); fl != nil {
			p.AltitudeFt = domain.Some(*fl * 100)
		}
	}
	p.Turbulence = r.conditions(turbulenceColumns)
	p.Icing = r.conditions(icingColumns)
	if r.err != nil {
		return domain.Record{}, r.err
	}
	p.ID = r.str("pirep_id", "pirepId", "id")
	if p.ID == "" {
		p.ID = deriveID(domain.KindPilotReport, p.RawText, p.ObservedAt.Format(time.RFC3339),
			strconv.FormatFloat(p.Latitude, 'f', 4, 64), strconv.FormatFloat(p.Longitude, 'f', 4, 64))
	}
	return domain.NewPilotReportRecord(p), nil
}

// conditions gathers turbulence or icing groups from whichever shape is present.
// A group without an intensity is not a report and is skipped.
func (r *reader) conditions(c conditionColumns) []domain.Condition {
	out := []domain.Condition{}

	for _, child := range r.f.children(c.element) {
		cr := newReader(child, r.ref)
		cond, ok := cr.condition(c.intensity, c.kind, c.base, c.top)
		if cr.err != nil {
			r.fail(c.element, cr.err)
			return nil
		}
		if ok {
			out = append(out, cond)
		}
	}
	if len(out) > 0 {
		return out
	}

	intensities := r.f.all(c.intensity)
	kinds := r.f.all(c.kind)
	bases := r.f.all(c.base)
	tops := r.f.all(c.top)
	for i, intensity := range intensities {
		if intensity == "" {
			continue
		}
		cond := domain.Condition{Intensity: strings.ToUpper(intensity)}
		if v := at(kinds, i); v != "" {
			cond.Type = domain.Some(strings.ToUpper(v))
		}
		var err error
		if cond.BaseFt, err = atInt(bases, i); err != nil {
			r.fail(c.base, err)
			return nil
		}
		if cond.TopFt, err = atInt(tops, i); err != nil {
			r.fail(c.top, err)
			return nil
		}
		out = append(out, cond)
	}
	if len(out) > 0 {
		return out
	}

	for n := 1; n <= 2; n++ {
		p := c.apiPrefix
		cond, ok := r.condition(
			fmt.Sprintf("%sInt%d", p, n), fmt.Sprintf("%sType%d", p, n),
			fmt.Sprintf("%sBas%d", p, n), fmt.Sprintf("%sTop%d", p, n))
		if ok {
			out = append(out, cond)
		}
	}
	return out
}

func (r *reader) condition(intensity, kind, base, top string) (domain.Condition, bool) {
	v := r.str(intensity)
	if v == "" {
		return domain.Condition{}, false
	}
	return domain.Condition{
		Intensity: strings.ToUpper(v),
		Type:      r.upper(kind),
		BaseFt:    r.integer(base),
		TopFt:     r.integer(top),
	}, true
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func atInt(values []string, i int) (*int, error) {
	v := at(values, i)
	if v == "" {
		return nil, nil
	}
	f, err := parseFinite(v)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", v)
	}
	n := int(math.Round(f))
	return &n, nil
}
