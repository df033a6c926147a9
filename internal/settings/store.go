// Package settings holds the one pending setting frame per device that the
// control API queues and the local responder delivers. The slot is
// single-occupancy: pushing again overwrites, delivery leaves the slot in
// place until the BOX's confirming ACK completes it, so a crashed delivery
// is retried on the next opportunity.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSetting is returned by Complete when no setting is pending.
var ErrNoSetting = errors.New("settings: no pending setting")

// Setting is one queued configuration push.
type Setting struct {
	// Device is the BOX the setting is addressed to.
	Device string `json:"device"`

	// Table is the table name of the pushed frame, for observability.
	Table string `json:"table"`

	// Frame is the complete wire frame to send to the BOX.
	Frame []byte `json:"frame"`

	// QueuedAt is when the control API accepted the push.
	QueuedAt time.Time `json:"queued_at"`
}

// Store is the slot the responder and the control API share.
type Store interface {
	// Push queues s, overwriting any pending setting for the device.
	Push(ctx context.Context, s Setting) error

	// Peek returns the pending setting for a device without consuming it.
	Peek(ctx context.Context, device string) (Setting, bool, error)

	// Complete clears the slot after the BOX confirmed delivery.
	Complete(ctx context.Context, device string) error
}

// =============================================================================
// In-memory Store
// =============================================================================

// MemoryStore is the default backend; pending settings do not survive a
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]Setting
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]Setting)}
}

// Push queues s.
func (m *MemoryStore) Push(_ context.Context, s Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[s.Device] = s
	return nil
}

// Peek returns the pending setting, if any.
func (m *MemoryStore) Peek(_ context.Context, device string) (Setting, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pending[device]
	return s, ok, nil
}

// Complete clears the slot.
func (m *MemoryStore) Complete(_ context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[device]; !ok {
		return ErrNoSetting
	}
	delete(m.pending, device)
	return nil
}

// =============================================================================
// Redis Store
// =============================================================================

// RedisStore persists the slot so a pushed setting survives a proxy
// restart. One key per device.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Addr is "host:port" of the Redis server.
	Addr string

	// Password, if the server requires one.
	Password string

	// DB selects the database number.
	DB int

	// KeyPrefix prefixes every slot key. Defaults to "solargate:setting:".
	KeyPrefix string
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "solargate:setting:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("settings: redis ping: %w", err)
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *RedisStore) key(device string) string {
	return r.prefix + device
}

// Push queues s.
func (r *RedisStore) Push(ctx context.Context, s Setting) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.Device), data, 0).Err(); err != nil {
		return fmt.Errorf("settings: redis set: %w", err)
	}
	return nil
}

// Peek returns the pending setting, if any.
func (r *RedisStore) Peek(ctx context.Context, device string) (Setting, bool, error) {
	data, err := r.client.Get(ctx, r.key(device)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Setting{}, false, nil
	}
	if err != nil {
		return Setting{}, false, fmt.Errorf("settings: redis get: %w", err)
	}
	var s Setting
	if err := json.Unmarshal(data, &s); err != nil {
		return Setting{}, false, fmt.Errorf("settings: unmarshal: %w", err)
	}
	return s, true, nil
}

// Complete clears the slot.
func (r *RedisStore) Complete(ctx context.Context, device string) error {
	n, err := r.client.Del(ctx, r.key(device)).Result()
	if err != nil {
		return fmt.Errorf("settings: redis del: %w", err)
	}
	if n == 0 {
		return ErrNoSetting
	}
	return nil
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
