package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// normalizeForecast reads a TAF and its change groups. In the bulk XML the
// groups are <forecast> elements; the API nests them under "fcsts".
func normalizeForecast(f fields, ref time.Time) (domain.Record, error) {
	r := newReader(f, ref)
	fc := domain.Forecast{
		StationID: strings.ToUpper(r.required("station_id", "icaoId")),
		IssuedAt:  r.instant("issue_time", "issueTime", "bulletin_time", "bulletinTime"),
		ValidFrom: r.instant("valid_time_from", "validTimeFrom"),
		ValidTo:   r.instant("valid_time_to", "validTimeTo"),
		RawText:   r.str("raw_text", "rawTAF"),
		Remarks:   r.optional("remarks"),
		Latitude:  r.number("latitude", "lat"),
		Longitude: r.number("longitude", "lon"),
	}
	if r.err != nil {
		return domain.Record{}, r.err
	}
	if fc.ValidTo.Before(fc.ValidFrom) {
		return domain.Record{}, errValidWindow
	}

	fc.Periods = []domain.ForecastPeriod{}
	for _, name := range []string{"forecast", "fcsts"} {
		for i, pf := range f.children(name) {
			p, err := normalizePeriod(pf, ref)
			if err != nil {
				return domain.Record{}, fmt.Errorf("period %d: %w", i, err)
			}
			fc.Periods = append(fc.Periods, p)
		}
	}
	return domain.NewForecastRecord(fc), nil
}

func normalizePeriod(f fields, ref time.Time) (domain.ForecastPeriod, error) {
	r := newReader(f, ref)
	dir, _ := r.wind("wind_dir_degrees", "wdir")
	p := domain.ForecastPeriod{
		From:         r.instant("fcst_time_from", "timeFrom"),
		To:           r.instant("fcst_time_to", "timeTo"),
		Change:       r.upper("change_indicator", "fcstChange"),
		Probability:  r.integer("probability"),
		WindDirDeg:   dir,
		WindSpeedKt:  r.integer("wind_speed_kt", "wspd"),
		WindGustKt:   r.integer("wind_gust_kt", "wgst"),
		VisibilitySM: r.visibility("visibility_statute_mi", "visib"),
		WxString:     r.optional("wx_string", "wxString"),
	}
	p.Clouds = r.clouds("")
	return p, r.err
}
