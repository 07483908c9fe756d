package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

var (
	errMissing     = errors.New("missing required field")
	errValidWindow = errors.New("valid_time_to: before valid_time_from")

	// relativeRe matches signed offsets such as "+90m", "-2h", "+1h30m".
	relativeRe = regexp.MustCompile(`^[+-]\d+(\.\d+)?(h|m|s)(\d+(\.\d+)?(h|m|s))*$`)

	// cloudRe extracts sky-cover groups from raw METAR/TAF text, e.g. "BKN025CB".
	cloudRe = regexp.MustCompile(`\b(FEW|SCT|BKN|OVC|VV)(\d{3})(CB|TCU)?\b`)
	clearRe = regexp.MustCompile(`\b(CLR|SKC|NSC|CAVOK)\b`)
)

// naiveLayouts are tried after RFC3339; inputs without a zone are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
}

// parseTime converts any accepted time representation to a UTC instant.
// Relative offsets are resolved against ref.
func parseTime(s string, ref time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errMissing
	}
	if relativeRe.MatchString(s) {
		d, err := time.ParseDuration(strings.TrimPrefix(s, "+"))
		if err != nil {
			return time.Time{}, fmt.Errorf("relative time %q: %w", s, err)
		}
		return ref.Add(d).UTC(), nil
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("epoch %q: %w", s, err)
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// parseOffsetHours reads a bare hour count ("3", "+6", "1.5") as a duration.
func parseOffsetHours(s string) (time.Duration, error) {
	h, err := parseFinite(strings.TrimPrefix(strings.TrimSpace(s), "+"))
	if err != nil {
		return 0, fmt.Errorf("hour offset %q: %w", s, err)
	}
	return time.Duration(h * float64(time.Hour)), nil
}

var errNotFinite = errors.New("not a finite number")

// parseFinite is strconv.ParseFloat restricted to finite values; NaN and
// infinities cannot be stored.
func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q: %w", s, errNotFinite)
	}
	return f, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// parseVisibility reads statute-mile visibility: plain numbers, "10+", "P6SM",
// "M1/4", and mixed fractions such as "1 1/2".
func parseVisibility(s string) (float64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "SM")
	s = strings.TrimSuffix(s, "+")
	s = strings.TrimPrefix(s, "P")
	s = strings.TrimPrefix(s, "M")
	s = strings.TrimSpace(s)

	var total float64
	for _, part := range strings.Fields(s) {
		if num, den, ok := strings.Cut(part, "/"); ok {
			n, err1 := parseFinite(num)
			d, err2 := parseFinite(den)
			if err1 != nil || err2 != nil || d == 0 {
				return 0, fmt.Errorf("visibility %q: bad fraction", s)
			}
			total += n / d
			continue
		}
		v, err := parseFinite(part)
		if err != nil {
			return 0, fmt.Errorf("visibility %q: %w", s, err)
		}
		total += v
	}
	if s == "" {
		return 0, errMissing
	}
	return total, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// deriveID hashes the identifying parts of a bulletin that arrived without an ID.
func deriveID(kind domain.Kind, parts ...string) string {
	hash := sha256.Sum256([]byte(string(kind) + "|" + strings.Join(parts, "|")))
	return string(kind) + "-" + hex.EncodeToString(hash[:8])
}

// reader pulls typed values out of a field view. The first failure is kept and
// every later call becomes a no-op, so normalizers read straight through and
// check err once.
type reader struct {
	f   fields
	ref time.Time
	err error
}

func newReader(f fields, ref time.Time) *reader {
	return &reader{f: f, ref: ref}
}

func (r *reader) fail(name string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
}

// lookup returns the first present value among the given aliases.
func (r *reader) lookup(names ...string) (string, string, bool) {
	for _, n := range names {
		if v, ok := r.f.get(n); ok {
			return n, v, true
		}
	}
	return "", "", false
}

func (r *reader) str(names ...string) string {
	_, v, _ := r.lookup(names...)
	return v
}

func (r *reader) required(names ...string) string {
	_, v, ok := r.lookup(names...)
	if !ok {
		r.fail(names[0], errMissing)
	}
	return v
}

func (r *reader) optional(names ...string) *string {
	if _, v, ok := r.lookup(names...); ok {
		return &v
	}
	return nil
}

// upper returns an optional upper-cased code.
func (r *reader) upper(names ...string) *string {
	if v := r.optional(names...); v != nil {
		u := strings.ToUpper(*v)
		return &u
	}
	return nil
}

func (r *reader) number(names ...string) *float64 {
	name, v, ok := r.lookup(names...)
	if !ok {
		return nil
	}
	f, err := parseFinite(v)
	if err != nil {
		r.fail(name, fmt.Errorf("not a number: %q", v))
		return nil
	}
	return &f
}

func (r *reader) requiredFloat(names ...string) float64 {
	v := r.number(names...)
	if v == nil {
		if r.err == nil {
			r.fail(names[0], errMissing)
		}
		return 0
	}
	return *v
}

// integer accepts decimal input ("12.0") and rounds to the nearest integer.
func (r *reader) integer(names ...string) *int {
	v := r.number(names...)
	if v == nil {
		return nil
	}
	i := int(math.Round(*v))
	return &i
}

func (r *reader) instant(names ...string) time.Time {
	name, v, ok := r.lookup(names...)
	if !ok {
		r.fail(names[0], errMissing)
		return time.Time{}
	}
	t, err := parseTime(v, r.ref)
	if err != nil {
		r.fail(name, err)
	}
	return t
}

func (r *reader) optionalInstant(names ...string) *time.Time {
	name, v, ok := r.lookup(names...)
	if !ok {
		return nil
	}
	t, err := parseTime(v, r.ref)
	if err != nil {
		r.fail(name, err)
		return nil
	}
	return &t
}

func (r *reader) visibility(names ...string) *float64 {
	name, v, ok := r.lookup(names...)
	if !ok {
		return nil
	}
	vis, err := parseVisibility(v)
	if err != nil {
		r.fail(name, err)
		return nil
	}
	return &vis
}

// wind reads a direction that may be "VRB" (variable) instead of degrees.
func (r *reader) wind(names ...string) (dir *int, variable bool) {
	_, v, ok := r.lookup(names...)
	if !ok {
		return nil, false
	}
	if strings.EqualFold(v, "VRB") {
		return nil, true
	}
	return r.integer(names...), false
}

// clouds assembles sky-condition layers from child elements or objects, from
// parallel repeated columns, and finally from the raw report text.
func (r *reader) clouds(raw string) []domain.CloudLayer {
	var layers []domain.CloudLayer
	for _, name := range []string{"sky_condition", "clouds"} {
		for _, c := range r.f.children(name) {
			cr := newReader(c, r.ref)
			cover := strings.ToUpper(cr.str("sky_cover", "cover"))
			if cover == "" {
				continue
			}
			layer := domain.CloudLayer{
				Cover:     cover,
				BaseFtAGL: cr.integer("cloud_base_ft_agl", "base"),
				Type:      cr.upper("cloud_type", "type"),
			}
			if cr.err != nil {
				r.fail(name, cr.err)
				return nil
			}
			layers = append(layers, layer)
		}
	}
	if len(layers) > 0 {
		return layers
	}

	covers := r.f.all("sky_cover")
	bases := r.f.all("cloud_base_ft_agl")
	for i, cover := range covers {
		if cover == "" {
			continue
		}
		layer := domain.CloudLayer{Cover: strings.ToUpper(cover)}
		if i < len(bases) && bases[i] != "" {
			b, err := parseFinite(bases[i])
			if err != nil {
				r.fail("cloud_base_ft_agl", fmt.Errorf("not a number: %q", bases[i]))
				return nil
			}
			layer.BaseFtAGL = domain.Some(int(math.Round(b)))
		}
		layers = append(layers, layer)
	}
	if len(layers) > 0 {
		return layers
	}
	return cloudsFromText(raw)
}

func cloudsFromText(raw string) []domain.CloudLayer {
	var layers []domain.CloudLayer
	for _, m := range cloudRe.FindAllStringSubmatch(raw, -1) {
		base, _ := strconv.Atoi(m[2])
		layer := domain.CloudLayer{Cover: m[1], BaseFtAGL: domain.Some(base * 100)}
		if m[3] != "" {
			layer.Type = domain.Some(m[3])
		}
		layers = append(layers, layer)
	}
	if len(layers) == 0 {
		if m := clearRe.FindStringSubmatch(raw); m != nil {
			layers = append(layers, domain.CloudLayer{Cover: m[1]})
		}
	}
	if layers == nil {
		layers = []domain.CloudLayer{}
	}
	return layers
}

// polygon reads vertices from a "lat lon;lat lon" string column or from child
// point elements/objects carrying lat/lon pairs.
func (r *reader) polygon(column string, childNames ...string) []domain.Point {
	if v, ok := r.f.get(column); ok {
		pts, err := parsePoints(v)
		if err != nil {
			r.fail(column, err)
			return nil
		}
		return pts
	}
	pts := []domain.Point{}
	for _, name := range childNames {
		for _, c := range r.f.children(name) {
			// G-AIRMET nests <point> elements under <area>.
			if inner := c.children("point"); len(inner) > 0 {
				for _, p := range inner {
					pts = r.appendPoint(pts, p)
				}
				continue
			}
			pts = r.appendPoint(pts, c)
		}
	}
	return pts
}

func (r *reader) appendPoint(pts []domain.Point, f fields) []domain.Point {
	pr := newReader(f, r.ref)
	lat := pr.requiredFloat("latitude", "lat")
	lon := pr.requiredFloat("longitude", "lon")
	if pr.err != nil {
		r.fail("point", pr.err)
		return pts
	}
	return append(pts, domain.Point{Lat: lat, Lon: lon})
}

func parsePoints(s string) ([]domain.Point, error) {
	pts := []domain.Point{}
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.FieldsFunc(pair, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad vertex %q", pair)
		}
		lat, err1 := parseFinite(parts[0])
		lon, err2 := parseFinite(parts[1])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bad vertex %q", pair)
		}
		pts = append(pts, domain.Point{Lat: lat, Lon: lon})
	}
	return pts, nil
}
