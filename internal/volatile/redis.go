package volatile

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the Store with a redis instance. All compound operations run
// server-side (GETDEL, SET NX, Lua) so concurrent gateway processes see
// consistent state.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

// casScript swaps the value only when the current value matches ARGV[1].
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

func (r *Redis) CompareAndSet(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, r.rdb, []string{key}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.Expire(ctx, key, ttl).Result()
}

func (r *Redis) ScoreAdd(ctx context.Context, key, member string, score int64) error {
	return r.rdb.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err()
}

func (r *Redis) ScoreMembers(ctx context.Context, key string, min int64) ([]string, error) {
	// Prune expired members first, then read the live range.
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(min, 10)).Err(); err != nil {
		return nil, err
	}
	return r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: "+inf",
	}).Result()
}

// bucketScript is the lazy-refill token bucket:
// tokens = min(burst, tokens + rate * elapsedMs / 1000), then take one.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "last")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = burst
  last = now
end
local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(burst, tokens + rate * elapsed / 1000)
  last = now
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tokens, "last", last)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / math.max(rate, 0.001) * 1000) + 60000)
return allowed
`)

func (r *Redis) TakeToken(ctx context.Context, key string, ratePerSec, burst float64, now time.Time) (bool, error) {
	n, err := bucketScript.Run(ctx, r.rdb, []string{key},
		ratePerSec, burst, now.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
