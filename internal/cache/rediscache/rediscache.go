// Package rediscache is a cache.Backend on Redis, for sharing memoized
// results between processes.
//
// Layout under the configured prefix:
//
//	<prefix>entry:<key>  CBOR-encoded entry (string)
//	<prefix>keys         set of live entry keys
//
// Entry metadata is CBOR (Core Deterministic Encoding). The cached result
// itself is embedded as canonical JSON bytes so numbers keep their JSON
// type across the round trip.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

// DefaultPrefix namespaces keys when none is configured.
const DefaultPrefix = "tracereplay:cache:"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rediscache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("rediscache: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireEntry is the stored form of model.CacheEntry.
type wireEntry struct {
	Key            string `cbor:"key"`
	Result         []byte `cbor:"result"`
	CreatedAt      int64  `cbor:"created_at"`
	LastAccessAt   int64  `cbor:"last_access_at"`
	AccessCount    int64  `cbor:"access_count"`
	Operation      string `cbor:"operation"`
	ConversationID string `cbor:"conversation_id,omitempty"`
	CorrelationID  string `cbor:"correlation_id,omitempty"`
}

// Backend stores cache entries in Redis.
type Backend struct {
	client *redis.Client
	prefix string
}

var _ cache.Backend = (*Backend)(nil)

// New connects to addr and verifies the connection.
func New(ctx context.Context, addr, prefix string) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Name identifies the backend in stats.
func (b *Backend) Name() string { return "redis" }

func (b *Backend) entryKey(key string) string { return b.prefix + "entry:" + key }
func (b *Backend) setKey() string             { return b.prefix + "keys" }

// Get returns the entry stored under key.
func (b *Backend) Get(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	data, err := b.client.Get(ctx, b.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	entry, err := decode(data)
	if err != nil {
		return model.CacheEntry{}, false, err
	}
	return entry, true, nil
}

// Put stores entry and indexes its key.
func (b *Backend) Put(ctx context.Context, entry model.CacheEntry) error {
	data, err := encode(entry)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.entryKey(entry.Key), data, 0)
		pipe.SAdd(ctx, b.setKey(), entry.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete removes keys and their index members.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	entryKeys := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		entryKeys[i] = b.entryKey(k)
		members[i] = k
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.SRem(ctx, b.setKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// List returns every indexed entry. Index members whose entry vanished are
// skipped.
func (b *Backend) List(ctx context.Context) ([]model.CacheEntry, error) {
	keys, err := b.client.SMembers(ctx, b.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	entries := make([]model.CacheEntry, 0, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	entryKeys := make([]string, len(keys))
	for i, k := range keys {
		entryKeys[i] = b.entryKey(k)
	}
	values, err := b.client.MGet(ctx, entryKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		entry, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the number of indexed entries.
func (b *Backend) Len(ctx context.Context) (int, error) {
	n, err := b.client.SCard(ctx, b.setKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return int(n), nil
}

// Clear removes every entry under the prefix.
func (b *Backend) Clear(ctx context.Context) error {
	keys, err := b.client.SMembers(ctx, b.setKey()).Result()
	if err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	if err := b.Delete(ctx, keys...); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.setKey()).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

func encode(e model.CacheEntry) ([]byte, error) {
	result, err := canonical.Marshal(e.Result)
	if err != nil {
		return nil, fmt.Errorf("encode cache result: %w", err)
	}
	data, err := encMode.Marshal(wireEntry{
		Key:            e.Key,
		Result:         result,
		CreatedAt:      e.CreatedAt.UnixNano(),
		LastAccessAt:   e.LastAccessAt.UnixNano(),
		AccessCount:    e.AccessCount,
		Operation:      e.Metadata.Operation,
		ConversationID: e.Metadata.ConversationID,
		CorrelationID:  e.Metadata.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decode(data []byte) (model.CacheEntry, error) {
	var w wireEntry
	if err := decMode.Unmarshal(data, &w); err != nil {
		return model.CacheEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	result, err := canonical.Decode(w.Result)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("decode cache result: %w", err)
	}
	return model.CacheEntry{
		Key:          w.Key,
		Result:       result,
		CreatedAt:    time.Unix(0, w.CreatedAt).UTC(),
		LastAccessAt: time.Unix(0, w.LastAccessAt).UTC(),
		AccessCount:  w.AccessCount,
		Metadata: model.CacheMetadata{
			Operation:      w.Operation,
			ConversationID: w.ConversationID,
			CorrelationID:  w.CorrelationID,
		},
	}, nil
}
