// Package redisstore implements the idempotency reservation store on Redis so
// dispatch deduplication holds across processes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
)

const (
	statePending = "pending"
	doneMarker   = "done:"
)

// IdempotencyStore coordinates payment dispatch reservations through Redis.
// A key holds "pending" while a dispatch is in flight and "done:<ref>" once
// the external reference is recorded.
type IdempotencyStore struct {
	client     *redis.Client
	keyPrefix  string
	pendingTTL time.Duration
}

var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)

// New creates a store on the given client. pendingTTL bounds how long a
// crashed dispatch keeps its reservation; zero defaults to five minutes.
func New(client *redis.Client, keyPrefix string, pendingTTL time.Duration) *IdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = "escrow:idem:"
	}
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	return &IdempotencyStore{client: client, keyPrefix: keyPrefix, pendingTTL: pendingTTL}
}

func (s *IdempotencyStore) key(k string) string {
	return s.keyPrefix + k
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), statePending, s.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, externalRef string) error {
	// Completed records never expire; they are what makes retries converge on
	// the original external reference.
	if err := s.client.Set(ctx, s.key(key), doneMarker+externalRef, 0).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect idempotency key: %w", err)
	}
	if val != statePending {
		// Never drop a completed record.
		return nil
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if len(val) > len(doneMarker) && val[:len(doneMarker)] == doneMarker {
		return val[len(doneMarker):], true, nil
	}
	return "", false, nil
}
