package cadence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbot/internal/workitem"
)

const DefaultKeyPrefix = "signalbot:cadence:"

// RedisStore keeps the ledger in Redis so consumers on different hosts
// share one cadence even when their item stores are separate.
// Values are unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(cat workitem.Category) string { return s.prefix + string(cat) }

func (s *RedisStore) LastPublished(ctx context.Context, cat workitem.Category) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, s.key(cat)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger value %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *RedisStore) SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error {
	return setMaxScript.Run(ctx, s.client, []string{s.key(cat)}, at.UnixMilli()).Err()
}

func (s *RedisStore) ReservePublish(ctx context.Context, cat workitem.Category, at time.Time, window time.Duration) (time.Time, bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(cat)}, at.UnixMilli(), window.Milliseconds()).Slice()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(res) != 2 {
		return time.Time{}, false, fmt.Errorf("reserve %s: unexpected reply %v", cat, res)
	}
	won, _ := res[0].(int64)
	var prev time.Time
	if raw, _ := res[1].(string); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("ledger value %q: %w", raw, err)
		}
		prev = time.UnixMilli(ms).UTC()
	}
	return prev, won == 1, nil
}

func (s *RedisStore) ReleasePublish(ctx context.Context, cat workitem.Category, at, prev time.Time) error {
	restore := ""
	if !prev.IsZero() {
		restore = strconv.FormatInt(prev.UnixMilli(), 10)
	}
	return releaseScript.Run(ctx, s.client, []string{s.key(cat)}, strconv.FormatInt(at.UnixMilli(), 10), restore).Err()
}

func (s *RedisStore) ListLedger(ctx context.Context) ([]workitem.LedgerEntry, error) {
	var (
		out    []workitem.LedgerEntry
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			cat := workitem.Category(strings.TrimPrefix(k, s.prefix))
			at, ok, err := s.LastPublished(ctx, cat)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, workitem.LedgerEntry{Category: cat, LastPublished: at})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// setMaxScript writes ARGV[1] only if it is newer than the stored value.
var setMaxScript = redis.NewScript(`
local key = KEYS[1]
local at = tonumber(ARGV[1])
local cur = tonumber(redis.call('GET', key))
if cur ~= nil and cur >= at then
  return 0
end
redis.call('SET', key, ARGV[1])
return 1
`)

// reserveScript takes the slot when the key is absent or ARGV[2] ms have
// passed since its value. Reply: {won, previous value or ""}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local at = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local cur = redis.call('GET', key)
if cur then
  if at - tonumber(cur) < win then
    return {0, cur}
  end
  redis.call('SET', key, ARGV[1])
  return {1, cur}
end
redis.call('SET', key, ARGV[1])
return {1, ''}
`)

// releaseScript restores ARGV[2] (or deletes the key when it is empty) only
// while the key still holds the reservation ARGV[1].
var releaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) ~= ARGV[1] then
  return 0
end
if ARGV[2] == '' then
  redis.call('DEL', key)
else
  redis.call('SET', key, ARGV[2])
end
return 1
`)
