// Package dedup guards against processing the same stored email twice when
// the storage notification is delivered more than once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces claim keys in a shared Redis.
const keyPrefix = "email-monitor:claim:"

// pendingTTL bounds an uncommitted claim. It covers the longest Lambda
// invocation, so a process killed mid-dispatch frees the key for the retry.
const pendingTTL = 15 * time.Minute

// Guard records which emails have been claimed for processing.
type Guard interface {
	// Claim marks key as being processed. It returns false when key was
	// already claimed and the claim has not expired. A claim that is never
	// committed expires on its own.
	Claim(ctx context.Context, key string) (bool, error)

	// Commit extends a claim to the full retention period once processing
	// reached an outcome a redelivery would only repeat.
	Commit(ctx context.Context, key string) error

	// Release drops a claim so a later delivery can retry.
	Release(ctx context.Context, key string) error
}

// Redis is a Guard backed by SETNX. Claims start with a short TTL and are
// extended to ttl on Commit.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials addr and verifies the connection with PING.
func Connect(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return NewRedis(client, ttl), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Claim implements Guard.
func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), min(pendingTTL, r.ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %q: %w", key, err)
	}
	return ok, nil
}

// Commit implements Guard.
func (r *Redis) Commit(ctx context.Context, key string) error {
	if err := r.client.Expire(ctx, keyPrefix+key, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to commit %q: %w", key, err)
	}
	return nil
}

// Release implements Guard.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
