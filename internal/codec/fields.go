package codec

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// fields is a read-only view over one raw bulletin, regardless of wire shape.
// Names are matched exactly; values are trimmed and empty values are absent.
type fields interface {
	get(name string) (string, bool)
	all(name string) []string
	children(name string) []fields
}

// splitter breaks a payload into per-record field views. Problems that prevent
// reading a single record become warnings; the rest of the payload still splits.
type splitter func(raw []byte) ([]fields, []Warning)

// --- delimited text ---

type csvRow struct {
	columns map[string][]int
	values  []string
}

func (r csvRow) get(name string) (string, bool) {
	for _, idx := range r.columns[name] {
		if idx < len(r.values) {
			if v := cleanValue(r.values[idx]); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// all returns one entry per repeated column, keeping empty cells so that
// parallel columns (sky_cover / cloud_base_ft_agl) stay aligned.
func (r csvRow) all(name string) []string {
	idxs := r.columns[name]
	out := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		if idx < len(r.values) {
			out = append(out, cleanValue(r.values[idx]))
		} else {
			out = append(out, "")
		}
	}
	return out
}

func (r csvRow) children(string) []fields { return nil }

// csvTable reads a header row followed by data rows. Banner lines before the
// header (AWC prefixes "No errors", result counts, and similar) are skipped
// until a row containing the marker column appears.
func csvTable(marker string) splitter {
	return func(raw []byte) ([]fields, []Warning) {
		reader := csv.NewReader(bytes.NewReader(raw))
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true
		reader.TrimLeadingSpace = true

		var (
			columns  map[string][]int
			rows     []fields
			warnings []Warning
		)
		for {
			values, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					warnings = append(warnings, Warning{Index: len(rows), Reason: fmt.Sprintf("line %d: %v", perr.Line, perr.Err)})
					continue
				}
				warnings = append(warnings, Warning{Index: -1, Reason: err.Error()})
				break
			}
			if columns == nil {
				columns = headerIndex(values, marker)
				continue
			}
			if isBlankRow(values) {
				continue
			}
			rows = append(rows, csvRow{columns: columns, values: values})
		}
		if columns == nil && len(raw) > 0 && len(bytes.TrimSpace(raw)) > 0 {
			warnings = append(warnings, Warning{Index: -1, Reason: fmt.Sprintf("header with column %q not found", marker)})
		}
		return rows, warnings
	}
}

// headerIndex maps column names to their positions, or returns nil if the row
// is not the header.
func headerIndex(values []string, marker string) map[string][]int {
	columns := make(map[string][]int, len(values))
	found := false
	for i, v := range values {
		name := cleanValue(v)
		if name == marker {
			found = true
		}
		columns[name] = append(columns[name], i)
	}
	if !found {
		return nil
	}
	return columns
}

func isBlankRow(values []string) bool {
	for _, v := range values {
		if cleanValue(v) != "" {
			return false
		}
	}
	return true
}

func cleanValue(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
}

// --- structured markup ---

type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []xmlNode  `xml:",any"`
}

// get prefers a child element's text and falls back to an attribute, so
// <hazard type="IFR"/> and <station_id>KJFK</station_id> read the same way.
func (n xmlNode) get(name string) (string, bool) {
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			if v := strings.TrimSpace(c.Content); v != "" {
				return v, true
			}
		}
	}
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			if v := strings.TrimSpace(a.Value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func (n xmlNode) all(name string) []string {
	var out []string
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			out = append(out, strings.TrimSpace(c.Content))
		}
	}
	return out
}

func (n xmlNode) children(name string) []fields {
	var out []fields
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

// xmlElements collects every element with one of the given local names,
// wherever it appears in the document.
func xmlElements(names ...string) splitter {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	return func(raw []byte) ([]fields, []Warning) {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		var root xmlNode
		if err := xml.Unmarshal(raw, &root); err != nil {
			return nil, []Warning{{Index: -1, Reason: fmt.Sprintf("parse xml: %v", err)}}
		}
		var out []fields
		var walk func(n xmlNode)
		walk = func(n xmlNode) {
			if want[n.XMLName.Local] {
				out = append(out, n)
				return
			}
			for _, c := range n.Nodes {
				walk(c)
			}
		}
		walk(root)
		return out, nil
	}
}

// --- structured text objects ---

type jsonObject map[string]any

func (o jsonObject) get(name string) (string, bool) {
	v, ok := o[name]
	if !ok {
		return "", false
	}
	s := scalarString(v)
	return s, s != ""
}

func (o jsonObject) all(name string) []string {
	switch v := o[name].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case nil:
		return nil
	default:
		if s := scalarString(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

func (o jsonObject) children(name string) []fields {
	switch v := o[name].(type) {
	case []any:
		out := make([]fields, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, jsonObject(m))
			}
		}
		return out
	case map[string]any:
		return []fields{jsonObject(v)}
	}
	return nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// jsonObjects accepts a bare array, a GeoJSON FeatureCollection (properties
// plus point geometry), or an object wrapping the array under "data".
func jsonObjects(raw []byte) ([]fields, []Warning) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, []Warning{{Index: -1, Reason: fmt.Sprintf("parse json: %v", err)}}
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		switch {
		case v["features"] != nil:
			features, _ := v["features"].([]any)
			for _, f := range features {
				items = append(items, flattenFeature(f))
			}
		case v["data"] != nil:
			items, _ = v["data"].([]any)
		default:
			items = []any{v}
		}
	default:
		return nil, []Warning{{Index: -1, Reason: "unexpected json document"}}
	}

	out := make([]fields, 0, len(items))
	var warnings []Warning
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			warnings = append(warnings, Warning{Index: i, Reason: "entry is not an object"})
			continue
		}
		out = append(out, jsonObject(m))
	}
	return out, warnings
}

func flattenFeature(f any) any {
	feature, ok := f.(map[string]any)
	if !ok {
		return f
	}
	props, _ := feature["properties"].(map[string]any)
	out := make(map[string]any, len(props)+2)
	for k, v := range props {
		out[k] = v
	}
	if geom, ok := feature["geometry"].(map[string]any); ok {
		if coords, ok := geom["coordinates"].([]any); ok && len(coords) >= 2 {
			out["lon"] = coords[0]
			out["lat"] = coords[1]
		}
	}
	return out
}
