// Package idempotency deduplicates execution creation.
//
// A Guard maps an idempotency key to the execution that first reserved it,
// for as long as the dedup window lasts. The memory guard serves a single
// process. The store guard keeps reservations in the execution database and
// the Redis guard in Redis, so both are shared by every process using them.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// ErrEmptyKey is returned when reserving an empty key.
var ErrEmptyKey = errors.New("idempotency key is empty")

// Guard reserves idempotency keys.
type Guard interface {
	// Reserve records executionID under key for window. If the key is
	// already held, the ID that holds it is returned with reserved=false.
	Reserve(ctx context.Context, key, executionID string, window time.Duration) (owner string, reserved bool, err error)
	// Release drops a reservation, e.g. when creating the execution failed.
	Release(ctx context.Context, key string) error
}

// DeriveKey returns a stable key for a workflow and its trigger data: the
// hex SHA-256 of the workflow ID and the canonical JSON of the data. Map
// keys are encoded in sorted order, so equal data always yields equal keys.
func DeriveKey(workflowID string, triggerData map[string]any) (string, error) {
	data, err := json.Marshal(triggerData)
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type reservation struct {
	owner   string
	expires time.Time
}

// MemoryGuard is an in-process Guard.
type MemoryGuard struct {
	mu    sync.Mutex
	keys  map[string]reservation
	clock func() time.Time
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard returns an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]reservation), clock: time.Now}
}

// WithClock replaces the guard's time source.
func (g *MemoryGuard) WithClock(clock func() time.Time) *MemoryGuard {
	g.clock = clock
	return g
}

func (g *MemoryGuard) Reserve(_ context.Context, key, executionID string, window time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if r, ok := g.keys[key]; ok && now.Before(r.expires) {
		return r.owner, false, nil
	}
	g.keys[key] = reservation{owner: executionID, expires: now.Add(window)}

	// Drop expired entries while we hold the lock.
	for k, r := range g.keys {
		if !now.Before(r.expires) {
			delete(g.keys, k)
		}
	}
	return executionID, true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

// KeyStore persists reservations. The SQL and in-memory execution stores
// implement it.
type KeyStore interface {
	ReserveKey(ctx context.Context, key, executionID string, now time.Time, window time.Duration) (owner string, reserved bool, err error)
	ReleaseKey(ctx context.Context, key string) error
}

// StoreGuard reserves keys in a KeyStore.
type StoreGuard struct {
	store KeyStore
	clock func() time.Time
}

var _ Guard = (*StoreGuard)(nil)

// NewStoreGuard returns a guard backed by store. A nil clock uses time.Now.
func NewStoreGuard(store KeyStore, clock func() time.Time) *StoreGuard {
	if clock == nil {
		clock = time.Now
	}
	return &StoreGuard{store: store, clock: clock}
}

func (g *StoreGuard) Reserve(ctx context.Context, key, executionID string, window time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	return g.store.ReserveKey(ctx, key, executionID, g.clock(), window)
}

func (g *StoreGuard) Release(ctx context.Context, key string) error {
	return g.store.ReleaseKey(ctx, key)
}

// RedisGuard stores reservations as Redis keys written with SET NX PX.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard returns a guard storing keys under prefix. An empty prefix
// defaults to "fluxgraph:idem:".
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "fluxgraph:idem:"
	}
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) Reserve(ctx context.Context, key, executionID string, window time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	ok, err := g.client.SetNX(ctx, g.prefix+key, executionID, window).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis reserve %q: %w", key, err)
	}
	if ok {
		return executionID, true, nil
	}

	owner, err := g.client.Get(ctx, g.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = g.client.SetNX(ctx, g.prefix+key, executionID, window).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis reserve %q: %w", key, err)
		}
		if ok {
			return executionID, true, nil
		}
		owner, err = g.client.Get(ctx, g.prefix+key).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("redis lookup %q: %w", key, err)
	}
	return owner, false, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}
