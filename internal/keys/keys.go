// Package keys maps records onto primary keys and secondary index updates.
//
// Layout per kind (prefix is obs, fcst, hazard, areahazard, pirep or station):
//
//	{prefix}:{id}                 record value, expires with the kind's TTL
//	{prefix}:stations | :all      membership set of every id written
//	{prefix}:updated | :recent    sorted set scored by event time (unix seconds)
//	{prefix}:{attribute}:{GROUP}  attribute group sets
//	groups:{prefix}               hash of id to the group sets it was last added to
//
// Index entries are never given a TTL. They may briefly outlive the value they
// point to; readers treat such entries as absent.
package keys

import (
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/mmcloughlin/geohash"
)

// GeoPrecision is the geohash length used for location groups (~156 km cells).
const GeoPrecision = 3

// IndexType distinguishes how an index entry is stored.
type IndexType uint8

const (
	// Membership is an unordered set of every id of a kind.
	Membership IndexType = iota
	// TimeOrdered is a sorted set scored by the record's event time.
	TimeOrdered
	// Group is an unordered set of ids sharing an attribute value.
	Group
)

func (t IndexType) String() string {
	switch t {
	case Membership:
		return "membership"
	case TimeOrdered:
		return "time-ordered"
	case Group:
		return "group"
	}
	return fmt.Sprintf("IndexType(%d)", t)
}

// IndexUpdate adds Member to the index at Key.
type IndexUpdate struct {
	Type   IndexType
	Key    string
	Member string
	Score  float64
}

// Index identifies one index key and how it is stored.
type Index struct {
	Type IndexType
	Key  string
}

// Sorted reports whether the index is a sorted set rather than a plain set.
func (i Index) Sorted() bool { return i.Type == TimeOrdered }

// Index returns the index this update targets.
func (u IndexUpdate) Index() Index { return Index{Type: u.Type, Key: u.Key} }

// Write is everything the store needs to persist one record: the value under
// its primary key with a TTL, plus the index entries that point at it.
type Write struct {
	Key     string
	Value   []byte
	TTL     time.Duration
	Indexes []IndexUpdate
}

// PrimaryKey returns the value key for a kind and normalized identifier.
func PrimaryKey(kind domain.Kind, id string) string {
	return kind.KeyPrefix() + ":" + id
}

// MembershipKey returns the set holding every id of a kind.
func MembershipKey(kind domain.Kind) string {
	if kind.StationKeyed() && kind != domain.KindStation {
		return kind.KeyPrefix() + ":stations"
	}
	return kind.KeyPrefix() + ":all"
}

// GroupTrackerKey returns the hash recording, per id, the group sets the
// current value belongs to. Stores use it to leave groups a replacement no
// longer matches. It sits outside the {prefix}: namespace so no id collides.
func GroupTrackerKey(kind domain.Kind) string {
	return "groups:" + kind.KeyPrefix()
}

// Member returns the index member of a write: its key without the prefix.
func (w Write) Member() string {
	_, id, _ := strings.Cut(w.Key, ":")
	return id
}

// GroupTracker returns the GroupTrackerKey for the write's kind.
func (w Write) GroupTracker() string {
	prefix, _, _ := strings.Cut(w.Key, ":")
	return "groups:" + prefix
}

// Groups returns the group set keys of a write, in plan order.
func (w Write) Groups() []string {
	var out []string
	for _, u := range w.Indexes {
		if u.Type == Group {
			out = append(out, u.Key)
		}
	}
	return out
}

// RecentKey returns the time-ordered set of a kind. Stations have none.
func RecentKey(kind domain.Kind) (string, bool) {
	switch kind {
	case domain.KindObservation, domain.KindForecast:
		return kind.KeyPrefix() + ":updated", true
	case domain.KindHazard, domain.KindAreaHazard, domain.KindPilotReport:
		return kind.KeyPrefix() + ":recent", true
	}
	return "", false
}

var groupAttributes = map[domain.Kind][]string{
	domain.KindObservation: {"category", "geo"},
	domain.KindForecast:    {"geo"},
	domain.KindHazard:      {"type", "severity"},
	domain.KindAreaHazard:  {"type", "product"},
	domain.KindPilotReport: {"aircraft", "geo"},
	domain.KindStation:     {"iata", "faa", "country", "geo"},
}

// GroupAttributes lists the attributes a kind is grouped by.
func GroupAttributes(kind domain.Kind) []string {
	return groupAttributes[kind]
}

// GroupKey returns the set for one attribute value, or an error if the kind
// is not grouped by that attribute.
func GroupKey(kind domain.Kind, attribute, value string) (string, error) {
	attribute = strings.ToLower(strings.TrimSpace(attribute))
	known := false
	for _, a := range groupAttributes[kind] {
		if a == attribute {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("%s records have no %q group", kind, attribute)
	}
	name := groupName(value)
	if name == "" {
		return "", fmt.Errorf("%w: empty %s group", domain.ErrInvalidIdentifier, attribute)
	}
	return kind.KeyPrefix() + ":" + attribute + ":" + name, nil
}

// groupName upper-cases a value and collapses internal whitespace to "_".
func groupName(v string) string {
	return strings.Join(strings.Fields(strings.ToUpper(v)), "_")
}

// Plan computes the primary key and index updates for a record. It is pure:
// the same record always yields the same plan.
func Plan(r domain.Record) (string, []IndexUpdate) {
	kind := r.Kind
	updates := []IndexUpdate{{Type: Membership, Key: MembershipKey(kind), Member: r.ID}}

	if key, ok := RecentKey(kind); ok {
		updates = append(updates, IndexUpdate{
			Type:   TimeOrdered,
			Key:    key,
			Member: r.ID,
			Score:  float64(r.EventTime().Unix()),
		})
	}

	for _, attr := range groupAttributes[kind] {
		value := groupValue(r, attr)
		if value == "" {
			continue
		}
		key, err := GroupKey(kind, attr, value)
		if err != nil {
			continue
		}
		updates = append(updates, IndexUpdate{Type: Group, Key: key, Member: r.ID})
	}
	return PrimaryKey(kind, r.ID), updates
}

// Build marshals a record and pairs it with its plan and TTL.
func Build(r domain.Record, ttl time.Duration) (Write, error) {
	value, err := domain.MarshalRecord(r)
	if err != nil {
		return Write{}, err
	}
	key, indexes := Plan(r)
	return Write{Key: key, Value: value, TTL: ttl, Indexes: indexes}, nil
}

// Touched lists the distinct indexes a batch of writes updates, in first-seen order.
func Touched(writes []Write) []Index {
	seen := make(map[string]bool)
	var out []Index
	for _, w := range writes {
		for _, u := range w.Indexes {
			if seen[u.Key] {
				continue
			}
			seen[u.Key] = true
			out = append(out, u.Index())
		}
	}
	return out
}

// groupValue extracts one attribute from a record; empty means no group.
func groupValue(r domain.Record, attr string) string {
	if attr == "geo" {
		lat, lon, ok := r.Location()
		if !ok {
			return ""
		}
		return geohash.EncodeWithPrecision(lat, lon, GeoPrecision)
	}
	switch {
	case r.Observation != nil && attr == "category":
		return deref(r.Observation.FlightCategory)
	case r.Hazard != nil && attr == "type":
		return r.Hazard.HazardType
	case r.Hazard != nil && attr == "severity":
		return deref(r.Hazard.Severity)
	case r.Hazard != nil && attr == "product":
		return deref(r.Hazard.Product)
	case r.PilotReport != nil && attr == "aircraft":
		return deref(r.PilotReport.AircraftType)
	case r.Station != nil && attr == "iata":
		return deref(r.Station.IATAID)
	case r.Station != nil && attr == "faa":
		return deref(r.Station.FAAID)
	case r.Station != nil && attr == "country":
		return deref(r.Station.Country)
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
