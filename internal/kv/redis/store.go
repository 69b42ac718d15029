package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"docproc/internal/kv"
)

var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
end
return 1
`)

// A counter that somehow lost its TTL gets one again, so no window lives forever.
var incrScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if c == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

type Store struct {
	client *redis.Client
}

var _ kv.Store = (*Store)(nil)

func New(opts *redis.Options) *Store {
	return &Store{client: redis.NewClient(opts)}
}

func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{key}, old, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return res == 1, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if ttl < 0 {
		return -1, nil
	}
	return ttl, nil
}

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if ttl <= 0 {
		return 0, 0, fmt.Errorf("incr %s: ttl must be positive", key)
	}
	res, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, unavailable(err)
	}
	if len(res) != 2 {
		return 0, 0, unavailable(fmt.Errorf("unexpected incr reply %v", res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, max float64) ([]kv.ScoredMember, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]kv.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		out = append(out, kv.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, unavailable(err)
	}
	// BLPOP replies [key, value].
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
