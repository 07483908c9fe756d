// Package redis implements the record store on a Redis-protocol server.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
	goredis "github.com/redis/go-redis/v9"
)

// pruneScript removes the members of one index whose value key no longer
// exists. It runs atomically, so a value written concurrently is either seen
// by EXISTS or written after the script and re-adds its own entry.
//
// KEYS[1] index key; ARGV[1] value key prefix ("obs:"); ARGV[2] "1" for sorted sets.
var pruneScript = goredis.NewScript(`
local sorted = ARGV[2] == "1"
local members
if sorted then
  members = redis.call("ZRANGE", KEYS[1], 0, -1)
else
  members = redis.call("SMEMBERS", KEYS[1])
end
local removed = 0
for _, m in ipairs(members) do
  if redis.call("EXISTS", ARGV[1] .. m) == 0 then
    if sorted then
      redis.call("ZREM", KEYS[1], m)
    else
      redis.call("SREM", KEYS[1], m)
    end
    removed = removed + 1
  end
end
return removed
`)

// applyScript writes one record atomically: the value, its index entries, and
// removal of the member from group sets the previous value was in but this
// one is not. The group sets of the current value are kept in a tracker hash.
//
// KEYS[1] value key; KEYS[2] group tracker hash; KEYS[3..] index keys.
// ARGV[1] value; ARGV[2] ttl in ms (0 for none); ARGV[3] member; then per
// index a type ("s", "z" or "g") and a score.
var applyScript = goredis.NewScript(`
local member = ARGV[3]
if tonumber(ARGV[2]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
local current = {}
local groups = {}
for j = 1, #KEYS - 2 do
  local key, typ = KEYS[2 + j], ARGV[2 + 2 * j]
  if typ == "z" then
    redis.call("ZADD", key, ARGV[3 + 2 * j], member)
  else
    redis.call("SADD", key, member)
    if typ == "g" then
      current[key] = true
      groups[#groups + 1] = key
    end
  end
end
local previous = redis.call("HGET", KEYS[2], member)
if previous then
  for key in string.gmatch(previous, "[^\n]+") do
    if not current[key] then
      redis.call("SREM", key, member)
    end
  end
end
if #groups > 0 then
  redis.call("HSET", KEYS[2], member, table.concat(groups, "\n"))
else
  redis.call("HDEL", KEYS[2], member)
end
return 1
`)

// trackerPruneScript drops tracker entries whose value key no longer exists,
// removing the member from each group set the entry lists.
//
// KEYS[1] group tracker hash; ARGV[1] value key prefix ("obs:").
var trackerPruneScript = goredis.NewScript(`
local removed = 0
for _, m in ipairs(redis.call("HKEYS", KEYS[1])) do
  if redis.call("EXISTS", ARGV[1] .. m) == 0 then
    local groups = redis.call("HGET", KEYS[1], m)
    if groups then
      for key in string.gmatch(groups, "[^\n]+") do
        removed = removed + redis.call("SREM", key, m)
      end
    end
    redis.call("HDEL", KEYS[1], m)
  end
end
return removed
`)

// Store persists records and their indexes in Redis.
type Store struct {
	client       goredis.UniversalClient
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewStore connects to the configured Redis server.
func NewStore(cfg *config.Config, logger *slog.Logger) *Store {
	opts := &goredis.Options{
		Addr:                  cfg.RedisAddr,
		Password:              cfg.RedisPassword,
		DB:                    cfg.RedisDB,
		ReadTimeout:           cfg.StoreWriteTimeout,
		WriteTimeout:          cfg.StoreWriteTimeout,
		ContextTimeoutEnabled: true,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return NewStoreWithClient(goredis.NewClient(opts), cfg.StoreWriteTimeout, logger)
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client goredis.UniversalClient, writeTimeout time.Duration, logger *slog.Logger) *Store {
	return &Store{client: client, writeTimeout: writeTimeout, logger: logger}
}

// Apply queues one applyScript call per record on a single pipeline, so a
// chunk costs one round trip. Each record is atomic on its own. The count
// returned is the run of leading records that succeeded; those remain valid.
func (s *Store) Apply(ctx context.Context, writes []keys.Write) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	// EVALSHA inside a pipeline cannot fall back to EVAL, so load first.
	if err := applyScript.Load(ctx, s.client).Err(); err != nil {
		return 0, fmt.Errorf("load apply script: %w", err)
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, w := range writes {
			keyList, args := applyArgs(w)
			applyScript.EvalSha(ctx, pipe, keyList, args...)
		}
		return nil
	})
	for i, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil {
			return i, fmt.Errorf("apply %s: %w", writes[i].Key, cmdErr)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("apply %d records: %w", len(writes), err)
	}
	return len(writes), nil
}

// applyArgs lays a write out for applyScript.
func applyArgs(w keys.Write) ([]string, []interface{}) {
	keyList := make([]string, 0, len(w.Indexes)+2)
	keyList = append(keyList, w.Key, w.GroupTracker())
	ttl := w.TTL.Milliseconds()
	if w.TTL > 0 && ttl == 0 {
		ttl = 1
	}
	args := make([]interface{}, 0, 2*len(w.Indexes)+3)
	args = append(args, w.Value, ttl, w.Member())
	for _, u := range w.Indexes {
		keyList = append(keyList, u.Key)
		switch u.Type {
		case keys.TimeOrdered:
			args = append(args, "z", strconv.FormatFloat(u.Score, 'f', -1, 64))
		case keys.Group:
			args = append(args, "g", "")
		default:
			args = append(args, "s", "")
		}
	}
	return keyList, args
}

// Get returns the value at key. A missing key is not an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

// GetMany returns the values at the given keys, nil where a key is missing.
func (s *Store) GetMany(ctx context.Context, keyList []string) ([][]byte, error) {
	if len(keyList) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keyList...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %d keys: %w", len(keyList), err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// Members lists up to limit members of an index. Sorted sets are returned
// newest first; plain sets in lexical order.
func (s *Store) Members(ctx context.Context, idx keys.Index, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if idx.Sorted() {
		members, err := s.client.ZRevRange(ctx, idx.Key, 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("zrevrange %s: %w", idx.Key, err)
		}
		return members, nil
	}
	members, err := s.client.SMembers(ctx, idx.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", idx.Key, err)
	}
	sort.Strings(members)
	if len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// Prune removes dangling entries from each index. It never removes the entry
// of a live value.
func (s *Store) Prune(ctx context.Context, kind domain.Kind, indexes []keys.Index) (int, error) {
	prefix := kind.KeyPrefix() + ":"
	total, err := trackerPruneScript.Run(ctx, s.client, []string{keys.GroupTrackerKey(kind)}, prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", keys.GroupTrackerKey(kind), err)
	}
	for _, idx := range indexes {
		sorted := "0"
		if idx.Sorted() {
			sorted = "1"
		}
		n, err := pruneScript.Run(ctx, s.client, []string{idx.Key}, prefix, sorted).Int()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", idx.Key, err)
		}
		if n > 0 {
			s.logger.Debug("pruned dangling index entries", "kind", kind, "index", idx.Key, "removed", n)
		}
		total += n
	}
	return total, nil
}

// Trim keeps only the newest keep members of a sorted-set index.
func (s *Store) Trim(ctx context.Context, key string, keep int) (int, error) {
	n, err := s.client.ZRemRangeByRank(ctx, key, 0, int64(-keep-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", key, err)
	}
	return int(n), nil
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
