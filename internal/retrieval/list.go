package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
)

// ErrInvalidQuery is returned for an index query that names no usable index.
var ErrInvalidQuery = errors.New("invalid index query")

// IndexName selects which index of a kind a query reads.
type IndexName string

const (
	IndexAll    IndexName = "all"
	IndexRecent IndexName = "recent"
	IndexGroup  IndexName = "group"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query selects records through one index. Group is "attribute:value", e.g.
// "category:IFR", and is required when Index is IndexGroup.
type Query struct {
	Index IndexName
	Group string
	Limit int
}

// ListResult holds the live records an index pointed at. Skipped counts index
// entries whose value has already expired.
type ListResult struct {
	Index   string          `json:"index"`
	Records []domain.Record `json:"records"`
	Skipped int             `json:"skipped"`
}

// List resolves the query's index to records, newest first for time-ordered
// indexes. Dangling entries are skipped, never returned.
func (s *Service) List(ctx context.Context, kind domain.Kind, q Query) (ListResult, error) {
	if !kind.Valid() {
		return ListResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	idx, err := resolveIndex(kind, q)
	if err != nil {
		return ListResult{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	rctx, cancel := context.WithTimeout(ctx, 4*s.readTimeout)
	defer cancel()

	// Read past the limit so a few dangling entries do not shorten the page.
	members, err := s.store.Members(rctx, idx, 2*limit)
	if err != nil {
		return ListResult{}, fmt.Errorf("read index %s: %w", idx.Key, err)
	}
	res := ListResult{Index: idx.Key}
	if len(members) == 0 {
		return res, nil
	}

	keyList := make([]string, len(members))
	for i, m := range members {
		keyList[i] = keys.PrimaryKey(kind, m)
	}
	values, err := s.store.GetMany(rctx, keyList)
	if err != nil {
		return ListResult{}, fmt.Errorf("read %d records: %w", len(keyList), err)
	}

	for i, v := range values {
		if len(res.Records) == limit {
			break
		}
		if v == nil {
			res.Skipped++
			continue
		}
		rec, err := domain.UnmarshalRecord(v)
		if err != nil {
			s.logger.Warn("corrupt cached value in index", "kind", kind, "key", keyList[i], "error", err)
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func resolveIndex(kind domain.Kind, q Query) (keys.Index, error) {
	switch q.Index {
	case IndexAll, "":
		return keys.Index{Type: keys.Membership, Key: keys.MembershipKey(kind)}, nil
	case IndexRecent:
		key, ok := keys.RecentKey(kind)
		if !ok {
			return keys.Index{}, fmt.Errorf("%w: %s has no recent index", ErrInvalidQuery, kind)
		}
		return keys.Index{Type: keys.TimeOrdered, Key: key}, nil
	case IndexGroup:
		attr, value, ok := strings.Cut(q.Group, ":")
		if !ok {
			return keys.Index{}, fmt.Errorf("%w: group %q must be attribute:value", ErrInvalidQuery, q.Group)
		}
		key, err := keys.GroupKey(kind, attr, value)
		if err != nil {
			return keys.Index{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return keys.Index{Type: keys.Group, Key: key}, nil
	}
	return keys.Index{}, fmt.Errorf("%w: unknown index %q", ErrInvalidQuery, q.Index)
}
