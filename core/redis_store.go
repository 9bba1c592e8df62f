// Package core provides the Redis-backed coordination store.
// This file implements the CoordinationStore interface over go-redis with
// key namespacing and connection management.
//
// All keys are automatically prefixed with the configured namespace
// (e.g. "que:lock:*", "que:usertasks:*") to prevent collisions when the
// Redis instance is shared with other subsystems.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// compareAndDeleteScript deletes a key only while it still holds the
// expected value. Running it server-side keeps the read and the delete
// in one atomic step.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements CoordinationStore over a shared Redis instance.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis coordination store.
type RedisStoreOptions struct {
	// RedisURL is the connection URL, e.g. "redis://localhost:6379/0".
	RedisURL string

	// Namespace is prepended to every key. Default: "que".
	Namespace string

	// Logger is an optional logger for store operations.
	Logger Logger
}

// NewRedisStore connects to Redis and returns a namespaced coordination store.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if opts.Namespace == "" {
		opts.Namespace = "que"
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	rs := &RedisStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	if rs.logger != nil {
		rs.logger.Info("Redis coordination store connected", map[string]interface{}{
			"namespace": opts.Namespace,
		})
	}

	return rs, nil
}

// NewRedisStoreFromClient wraps an existing client. The client is not
// closed by Close; its lifecycle belongs to the caller.
func NewRedisStoreFromClient(client *redis.Client, namespace string, logger Logger) *RedisStore {
	if namespace == "" {
		namespace = "que"
	}
	return &RedisStore{client: client, namespace: namespace, logger: logger}
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Client exposes the underlying client for components that need raw access
// (queue transport, pub/sub probes).
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// formatKey formats a key with the namespace
func (r *RedisStore) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.formatKey(key), value, ttl).Result()
}

func (r *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.formatKey(key)}, expected).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

func (r *RedisStore) Persist(ctx context.Context, key string) error {
	return r.client.Persist(ctx, r.formatKey(key)).Err()
}

// --- Hash operations ---

func (r *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, r.formatKey(key), field, value).Err()
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := r.client.HGet(ctx, r.formatKey(key), field).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return r.client.HDel(ctx, r.formatKey(key), fields...).Result()
}

func (r *RedisStore) HKeys(ctx context.Context, key string) ([]string, error) {
	return r.client.HKeys(ctx, r.formatKey(key)).Result()
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.formatKey(key)).Result()
}

// --- Set operations ---

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, r.formatKey(key), stringsToInterfaces(members)...).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return r.client.SRem(ctx, r.formatKey(key), stringsToInterfaces(members)...).Result()
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, r.formatKey(key), member).Result()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.formatKey(key)).Result()
}

// --- List operations ---

func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return r.client.LPush(ctx, r.formatKey(key), stringsToInterfaces(values)...).Err()
}

func (r *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, r.formatKey(key), start, stop).Err()
}

func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, r.formatKey(key), start, stop).Result()
}

// --- Health check ---

// HealthCheck verifies Redis connectivity.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func stringsToInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
