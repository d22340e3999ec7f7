// Package kv wraps the shared Redis pool. It carries everything the
// pipeline keeps outside Postgres: job progress, rate limit buckets,
// circuit breakers, short dedup windows and leased mutexes.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcapay/recoup/build"
)

var log = build.AddSubLogger("KVST")

// Config has the values we need to connect to Redis
type Config struct {
	Addr     string
	Password string
	DB       int
}

// KV is the shared key-value store
type KV struct {
	client *redis.Client
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, conf Config) (*KV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "cannot connect to redis at %s", conf.Addr)
	}
	log.WithField("addr", conf.Addr).Info("Opened connection to Redis")
	return &KV{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *KV {
	return &KV{client: client}
}

// Ping verifies the connection is alive.
func (k *KV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (k *KV) Close() error {
	return k.client.Close()
}

// Set stores a string value under the given key with a TTL.
func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrapf(k.client.Set(ctx, key, value, ttl).Err(),
		"could not set key %s", key)
}

// Get returns the value under the given key. The second return value is
// false when the key does not exist.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := k.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "could not get key %s", key)
	}
	return value, true, nil
}

// Delete removes the given key.
func (k *KV) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(k.client.Del(ctx, key).Err(),
		"could not delete key %s", key)
}

// Incr atomically increments a counter, setting the TTL when the counter is
// created. Returns the new value.
func (k *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := k.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "could not increment key %s", key)
	}
	return incr.Val(), nil
}

// GetInt reads a counter, returning 0 for a missing key.
func (k *KV) GetInt(ctx context.Context, key string) (int64, error) {
	value, found, err := k.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "key %s does not hold an int", key)
	}
	return parsed, nil
}

// Once sets the given key if it doesn't exist yet and reports whether we
// were first. Used for webhook dedup windows and job identity keys.
func (k *KV) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := k.client.SetNX(ctx, key, "1", ttl).Result()
	return ok, errors.Wrapf(err, "could not set-nx key %s", key)
}

// releaseLock compares the fencing token before deleting, so an expired
// holder can't release a lock someone else now owns.
var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Lock is a leased mutex held in Redis.
type Lock struct {
	key   string
	token string
	kv    *KV
}

// AcquireLock tries to take the leased mutex `{key}_lock` for the given
// TTL. The second return value is false when someone else holds it.
func (k *KV) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewV4().String()
	lockKey := key + "_lock"
	ok, err := k.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "could not acquire lock %s", lockKey)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{key: lockKey, token: token, kv: k}, true, nil
}

// BlockingLock retries AcquireLock until it succeeds or the context is
// done, sleeping briefly between attempts.
func (k *KV) BlockingLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	for {
		lock, ok, err := k.AcquireLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release gives the lock back. Best effort: an expired lease is not an
// error.
func (l *Lock) Release(ctx context.Context) error {
	err := releaseLock.Run(ctx, l.kv.client, []string{l.key}, l.token).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrapf(err, "could not release lock %s", l.key)
	}
	return nil
}

// TakeToken consumes one token from the per-second bucket for the given
// name. Returns false when the bucket for the current second is exhausted.
// Bucket keys live for two seconds.
func (k *KV) TakeToken(ctx context.Context, name string, perSecond int) (bool, error) {
	key := fmt.Sprintf("%s:%d", name, time.Now().Unix())
	count, err := k.Incr(ctx, key, 2*time.Second)
	if err != nil {
		return false, err
	}
	return count <= int64(perSecond), nil
}

// WaitToken blocks until a token is available or the context is done,
// sleeping 100ms between attempts.
func (k *KV) WaitToken(ctx context.Context, name string, perSecond int) error {
	for {
		ok, err := k.TakeToken(ctx, name, perSecond)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
