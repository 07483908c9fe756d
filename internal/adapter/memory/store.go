// Package memory implements the record store in process memory. It backs
// STORE_BACKEND=memory for local runs and stands in for Redis in tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
	"github.com/jonboulle/clockwork"
)

// ErrInjected is returned by Apply once a configured fault triggers.
var ErrInjected = errors.New("injected store fault")

type entry struct {
	value   []byte
	expires time.Time
}

// Store is a concurrency-safe in-memory store with per-key expiry. Each
// Write is applied under one lock, so a value and its index entries appear
// together.
type Store struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	values map[string]entry
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64
	// groups maps a value key to the group sets its current value is in.
	groups map[string][]string

	// failAfter counts successful writes left before Apply faults; -1 disables.
	failAfter int
}

// NewStore creates an empty Store. A nil clock uses real time.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:     clock,
		values:    make(map[string]entry),
		sets:      make(map[string]map[string]struct{}),
		zsets:     make(map[string]map[string]float64),
		groups:    make(map[string][]string),
		failAfter: -1,
	}
}

// FailAfter makes Apply fail with ErrInjected after n more writes succeed.
// A negative n clears the fault.
func (s *Store) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
}

// Apply writes each record with its index entries, in order, and reports how
// many completed before a failure. A replaced record leaves the groups its new
// value no longer matches.
func (s *Store) Apply(ctx context.Context, writes []keys.Write) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for i, w := range writes {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if s.failAfter == 0 {
			return i, fmt.Errorf("apply %s: %w", w.Key, ErrInjected)
		}
		if s.failAfter > 0 {
			s.failAfter--
		}

		e := entry{value: append([]byte(nil), w.Value...)}
		if w.TTL > 0 {
			e.expires = now.Add(w.TTL)
		}
		s.values[w.Key] = e
		for _, u := range w.Indexes {
			if u.Type == keys.TimeOrdered {
				z := s.zsets[u.Key]
				if z == nil {
					z = make(map[string]float64)
					s.zsets[u.Key] = z
				}
				z[u.Member] = u.Score
				continue
			}
			set := s.sets[u.Key]
			if set == nil {
				set = make(map[string]struct{})
				s.sets[u.Key] = set
			}
			set[u.Member] = struct{}{}
		}
		s.regroup(w)
	}
	return len(writes), nil
}

// regroup removes the member from groups it left and records its current
// ones. Caller holds the write lock.
func (s *Store) regroup(w keys.Write) {
	next := w.Groups()
	for _, g := range s.groups[w.Key] {
		if !slices.Contains(next, g) {
			delete(s.sets[g], w.Member())
		}
	}
	if len(next) == 0 {
		delete(s.groups, w.Key)
		return
	}
	s.groups[w.Key] = next
}

// live reports whether key holds an unexpired value. Caller holds the lock.
func (s *Store) live(key string, now time.Time) ([]byte, bool) {
	e, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Get returns the value at key if it has not expired.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.live(key, s.clock.Now())
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// GetMany returns the values at the given keys, nil where a key is missing.
func (s *Store) GetMany(_ context.Context, keyList []string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	out := make([][]byte, len(keyList))
	for i, k := range keyList {
		if v, ok := s.live(k, now); ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Members lists up to limit members of an index. Sorted sets are returned
// newest first; plain sets in lexical order.
func (s *Store) Members(_ context.Context, idx keys.Index, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var members []string
	if idx.Sorted() {
		members = s.byScore(idx.Key)
	} else {
		for m := range s.sets[idx.Key] {
			members = append(members, m)
		}
		sort.Strings(members)
	}
	if len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// byScore returns the members of a sorted set, highest score first. Caller
// holds the lock.
func (s *Store) byScore(key string) []string {
	z := s.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if z[members[i]] != z[members[j]] {
			return z[members[i]] > z[members[j]]
		}
		return members[i] > members[j]
	})
	return members
}

// Prune removes index members whose value has expired or was never written.
func (s *Store) Prune(_ context.Context, kind domain.Kind, indexes []keys.Index) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := kind.KeyPrefix() + ":"
	now := s.clock.Now()
	removed := 0
	for key, groups := range s.groups {
		member, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if _, live := s.live(key, now); live {
			continue
		}
		for _, g := range groups {
			if _, in := s.sets[g][member]; in {
				delete(s.sets[g], member)
				removed++
			}
		}
		delete(s.groups, key)
	}
	for _, idx := range indexes {
		if idx.Sorted() {
			for m := range s.zsets[idx.Key] {
				if _, ok := s.live(prefix+m, now); !ok {
					delete(s.zsets[idx.Key], m)
					removed++
				}
			}
			continue
		}
		for m := range s.sets[idx.Key] {
			if _, ok := s.live(prefix+m, now); !ok {
				delete(s.sets[idx.Key], m)
				removed++
			}
		}
	}
	s.evictExpired(now)
	return removed, nil
}

// evictExpired drops expired values so memory does not grow without bound.
// Caller holds the write lock.
func (s *Store) evictExpired(now time.Time) {
	for k, e := range s.values {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.values, k)
		}
	}
}

// Trim keeps only the newest keep members of a sorted-set index.
func (s *Store) Trim(_ context.Context, key string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.byScore(key)
	if len(members) <= keep {
		return 0, nil
	}
	for _, m := range members[keep:] {
		delete(s.zsets[key], m)
	}
	return len(members) - keep, nil
}

// Keys lists the live value keys with the given prefix, sorted. Used by
// tests and the CLI to inspect what a run wrote.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	var out []string
	for k := range s.values {
		if _, ok := s.live(k, now); ok && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
