package dvm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is the journal's default entry lifetime.
const DefaultIdempotencyTTL = time.Hour

// IdempotencyKey scopes a cache entry as "<caller>:<provider>:<user-key>" so
// two callers (or two providers) reusing the same user-supplied key never
// collide.
func IdempotencyKey(caller, provider, userKey string) string {
	return fmt.Sprintf("%s:%s:%s", caller, provider, userKey)
}

// IdempotencyJournal is a keyed cache with per-entry TTL. A hit on Get
// returns the previously cached response bytes so a repeated submission
// short-circuits before touching the budget or the backend again.
type IdempotencyJournal interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type journalEntry struct {
	value     []byte
	expiresAt time.Time
}

// InProcessIdempotencyJournal is the default backend: an in-memory map with
// a background sweep, following internal/escrow/jit_entitlements.go's
// cleanup-ticker idiom for expiring stale entries.
type InProcessIdempotencyJournal struct {
	mu      sync.Mutex
	entries map[string]journalEntry

	stopOnce sync.Once
	stop     chan struct{}
}

func NewInProcessIdempotencyJournal() *InProcessIdempotencyJournal {
	j := &InProcessIdempotencyJournal{
		entries: make(map[string]journalEntry),
		stop:    make(chan struct{}),
	}
	go j.sweepLoop()
	return j
}

func (j *InProcessIdempotencyJournal) Get(_ context.Context, key string) ([]byte, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (j *InProcessIdempotencyJournal) PutWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[key] = journalEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (j *InProcessIdempotencyJournal) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			now := time.Now()
			j.mu.Lock()
			for k, e := range j.entries {
				if now.After(e.expiresAt) {
					delete(j.entries, k)
				}
			}
			j.mu.Unlock()
		}
	}
}

// Close stops the background sweep.
func (j *InProcessIdempotencyJournal) Close() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// RedisIdempotencyJournal persists entries in Redis so the cache survives a
// process restart and is shared across DvmService instances, per
// SPEC_FULL.md's domain-stack wiring for github.com/redis/go-redis/v9.
type RedisIdempotencyJournal struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyJournal(client *redis.Client) *RedisIdempotencyJournal {
	return &RedisIdempotencyJournal{client: client, prefix: "dvm:idempotency:"}
}

func (j *RedisIdempotencyJournal) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := j.client.Get(ctx, j.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dvm: redis idempotency get: %w", err)
	}
	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(val, &wrapped); err != nil {
		return nil, false, fmt.Errorf("dvm: redis idempotency decode: %w", err)
	}
	return wrapped.Value, true, nil
}

func (j *RedisIdempotencyJournal) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	encoded, err := json.Marshal(struct {
		Value json.RawMessage `json:"value"`
	}{Value: value})
	if err != nil {
		return err
	}
	if err := j.client.Set(ctx, j.prefix+key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("dvm: redis idempotency set: %w", err)
	}
	return nil
}
