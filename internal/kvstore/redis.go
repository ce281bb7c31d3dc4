package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript performs increment-and-compare setup in one round trip so
// concurrent checks for the same subject can never race.
var incrWindowScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {c, ttl}
`)

// RedisOpts configures the shared Redis store.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Redis implements Store on a Redis instance shared by all gateway
// processes.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects a Redis-backed store.
func NewRedis(o RedisOpts) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})}
}

// NewRedisFromClient wraps an existing client (shared with the device
// registry).
func NewRedisFromClient(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// Client exposes the underlying connection for collaborators that share it.
func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindowScript.Run(ctx, r.rdb, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	if ttlMs < 0 {
		ttlMs = 0
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	stored, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if stored {
		return true, nil, nil
	}
	existing, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Marker expired between SETNX and GET; treat the event as first.
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
