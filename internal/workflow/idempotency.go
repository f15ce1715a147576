package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/skillflow/model"
)

// IdempotencyStore deduplicates run starts.
// The key format is "idem:run:{workflowId}:{key}".
type IdempotencyStore interface {
	// Check looks up a previous run by key. If the key exists and the input
	// hash matches, it returns the execution ID. If the key exists but the
	// hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (executionID string, found bool, err error)

	// Store records the execution started for key with a TTL.
	Store(ctx context.Context, key string, inputHash string, executionID string, ttl time.Duration) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash   string `json:"input_hash"`
	ExecutionID string `json:"execution_id"`
}

func keyConflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded run. Returns a conflict error if the input hash differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (string, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}

	if entry.data.InputHash != inputHash {
		return "", true, keyConflict(key)
	}
	return entry.data.ExecutionID, true, nil
}

// Store saves an execution ID with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, executionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data: idempotencyEntry{
			InputHash:   inputHash,
			ExecutionID: executionID,
		},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a recorded run in Redis. Returns a conflict error if the input hash differs.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return "", true, keyConflict(key)
	}
	return entry.ExecutionID, true, nil
}

// Store saves an execution ID in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, executionID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{
		InputHash:   inputHash,
		ExecutionID: executionID,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(workflowID, key string) string {
	return fmt.Sprintf("idem:run:%s:%s", workflowID, key)
}

// HashInputs returns a stable digest of a run request. Map keys are encoded
// in sorted order, so the digest does not depend on insertion order.
func HashInputs(workflowID string, inputs map[string]string, opts model.RunOptions) string {
	payload, _ := json.Marshal(struct {
		WorkflowID string            `json:"w"`
		Inputs     map[string]string `json:"i"`
		Options    model.RunOptions  `json:"o"`
	}{workflowID, inputs, opts})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
