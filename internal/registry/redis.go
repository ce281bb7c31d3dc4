package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fabkury/makapix-sub009/internal/model"
)

// RedisOpts configures the Redis-backed identity lookup.
type RedisOpts struct {
	Addr, Password, Namespace, InvalidateChannel string

	DB        int
	UsePubSub bool
	Timeout   time.Duration
}

type redisRegistry struct {
	rdb       *redis.Client
	nsPrefix  string
	subject   string
	usePubSub bool
	memCache  sync.Map
}

// NewRedis builds a Registry over the device records the provisioning service
// maintains in Redis. Lookups are cached in memory; the provisioning service
// publishes invalidations (a device key, or "ALL") on the configured channel.
func NewRedis(o RedisOpts) Registry {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	return newWithClient(rdb, o)
}

// NewRedisFromClient shares an existing connection (the kvstore's).
func NewRedisFromClient(rdb *redis.Client, o RedisOpts) Registry {
	return newWithClient(rdb, o)
}

func newWithClient(rdb *redis.Client, o RedisOpts) Registry {
	rr := &redisRegistry{
		rdb:       rdb,
		nsPrefix:  firstNonEmpty(o.Namespace, "device"),
		subject:   firstNonEmpty(o.InvalidateChannel, "devices:invalidate"),
		usePubSub: o.UsePubSub,
	}
	if rr.usePubSub {
		go rr.listenInvalidations(context.Background())
	}
	return rr
}

func (r *redisRegistry) key(deviceKey string) string {
	return r.nsPrefix + ":" + deviceKey
}

func (r *redisRegistry) Lookup(ctx context.Context, deviceKey string) (*model.DeviceIdentity, error) {
	k := r.key(deviceKey)
	if v, ok := r.memCache.Load(k); ok {
		return v.(*model.DeviceIdentity), nil
	}

	val, err := r.rdb.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("device lookup (%s): %w", k, err)
	}

	var id model.DeviceIdentity
	if err := json.Unmarshal(val, &id); err != nil {
		return nil, fmt.Errorf("device record corrupt (%s): %w", k, err)
	}
	id.DeviceKey = deviceKey
	r.memCache.Store(k, &id)
	return &id, nil
}

func (r *redisRegistry) listenInvalidations(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, r.subject)
	for msg := range pubsub.Channel() {
		payload := strings.TrimSpace(msg.Payload)
		if payload == "ALL" || payload == "" {
			r.memCache.Range(func(k, _ any) bool {
				r.memCache.Delete(k)
				return true
			})
			continue
		}
		r.memCache.Delete(r.key(payload))
	}
}

func firstNonEmpty(s, def string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return def
}
