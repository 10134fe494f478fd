// Package cache implements the idempotent compute cache: named operations
// memoized by the canonical hash of their inputs.
//
// Entries expire TTL after creation (default 24h). When an insert finds the
// cache at capacity (default 10,000), the least recently accessed 20% are
// evicted first. The bound is best effort under concurrent inserts: two
// writers can both pass the capacity check before either evicts.
//
// Executor errors are returned wrapped in model.ErrComputationFailed and are
// never cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

const (
	DefaultMaxSize = 10000
	DefaultTTL     = 24 * time.Hour

	// evictFraction of entries is dropped when an insert hits capacity.
	evictFraction = 0.2
)

// keyRules extends the canonical skip list with per-request identifiers that
// must never split cache keys.
var keyRules = canonical.DefaultRules.With("traceId", "requestId")

// Operation is a pure computation the cache can memoize.
type Operation func(ctx context.Context, inputs any) (any, error)

// Scope attributes a computation to a conversation and correlation id.
// It is stored as entry metadata and never affects the key.
type Scope struct {
	ConversationID string
	CorrelationID  string
}

// Result is returned by Compute.
type Result struct {
	Value           any   `json:"result"`
	Cached          bool  `json:"cached"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// EntrySummary describes one entry in Stats without its payload.
type EntrySummary struct {
	Key            string    `json:"key"`
	Operation      string    `json:"operation"`
	ConversationID string    `json:"conversationId,omitempty"`
	AccessCount    int64     `json:"accessCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessAt   time.Time `json:"lastAccessAt"`
}

// Stats reports cache occupancy. HitRate is
// (sum(accessCount) - entryCount) / sum(accessCount), 0 when empty.
type Stats struct {
	Size    int            `json:"size"`
	MaxSize int            `json:"maxSize"`
	HitRate float64        `json:"hitRate"`
	Backend string         `json:"backend"`
	Entries []EntrySummary `json:"entries"`
}

// Cache memoizes registered operations over a Backend.
type Cache struct {
	backend Backend
	clock   model.Clock
	logger  *slog.Logger
	maxSize int
	ttl     time.Duration

	mu  sync.RWMutex
	ops map[string]Operation
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend replaces the default in-memory backend.
func WithBackend(b Backend) Option {
	return func(c *Cache) {
		c.backend = b
	}
}

// WithClock injects the wall clock used for TTL and access times.
func WithClock(clock model.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithMaxSize sets the capacity. Values < 1 keep the default.
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithTTL sets the entry lifetime. Values <= 0 keep the default.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// New creates a Cache with no registered operations.
func New(opts ...Option) *Cache {
	c := &Cache{
		backend: NewMemoryBackend(),
		clock:   model.SystemClock{},
		logger:  slog.Default(),
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
		ops:     make(map[string]Operation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register makes op available under name, replacing any previous binding.
func (c *Cache) Register(name string, op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops[name] = op
}

// Operations returns the registered operation names.
func (c *Cache) Operations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key computes the cache key for (operation, inputs).
func Key(operation string, inputs any) (string, error) {
	return canonical.HashWith(map[string]any{
		"operation": operation,
		"inputs":    inputs,
	}, keyRules)
}

// Compute returns the memoized result of operation over inputs, running the
// operation on a miss. Returned values are deep copies; mutating them never
// affects the cache.
func (c *Cache) Compute(ctx context.Context, operation string, inputs any, scope Scope) (Result, error) {
	ctx, span := otel.Tracer("tracereplay/cache").Start(ctx, "cache.compute")
	defer span.End()
	span.SetAttributes(attribute.String("cache.operation", operation))

	start := c.clock.Now()

	c.mu.RLock()
	op, ok := c.ops[operation]
	c.mu.RUnlock()
	if !ok {
		err := model.NewError(model.CodeUnknownOperation, "operation %q is not registered", operation).
			With("operation", operation)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	key, err := Key(operation, inputs)
	if err != nil {
		return Result{}, model.WrapError(model.CodeValidation, err, "inputs for %q are not hashable", operation)
	}

	entry, hit, err := c.lookup(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if hit {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		c.logger.Debug("cache hit", "operation", operation, "key", key, "access_count", entry.AccessCount)
		value, err := canonical.Clone(entry.Result)
		if err != nil {
			return Result{}, fmt.Errorf("clone cached result: %w", err)
		}
		return Result{Value: value, Cached: true, ExecutionTimeMs: c.clock.Now().Sub(start).Milliseconds()}, nil
	}

	span.SetAttributes(attribute.Bool("cache.hit", false))
	value, err := op(ctx, inputs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, model.WrapError(model.CodeComputationFailed, err, "operation %q", operation).
			With("operation", operation)
	}

	stored, err := canonical.Clone(value)
	if err != nil {
		return Result{}, model.WrapError(model.CodeComputationFailed, err, "operation %q returned an uncacheable result", operation)
	}

	now := c.clock.Now()
	entry = model.CacheEntry{
		Key:          key,
		Result:       stored,
		CreatedAt:    now,
		LastAccessAt: now,
		AccessCount:  1,
		Metadata: model.CacheMetadata{
			Operation:      operation,
			ConversationID: scope.ConversationID,
			CorrelationID:  scope.CorrelationID,
		},
	}
	if err := c.insert(ctx, entry); err != nil {
		return Result{}, err
	}
	c.logger.Debug("cache miss", "operation", operation, "key", key)

	returned, err := canonical.Clone(stored)
	if err != nil {
		return Result{}, fmt.Errorf("clone result: %w", err)
	}
	return Result{Value: returned, Cached: false, ExecutionTimeMs: now.Sub(start).Milliseconds()}, nil
}

// lookup returns a live entry and records the access. Expired entries are
// removed and reported as absent.
func (c *Cache) lookup(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return entry, false, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return entry, false, nil
	}

	now := c.clock.Now()
	if c.expired(entry, now) {
		if err := c.backend.Delete(ctx, key); err != nil {
			return entry, false, fmt.Errorf("cache expire: %w", err)
		}
		return entry, false, nil
	}

	entry.AccessCount++
	entry.LastAccessAt = now
	if err := c.backend.Put(ctx, entry); err != nil {
		return entry, false, fmt.Errorf("cache touch: %w", err)
	}
	return entry, true, nil
}

// expired reports whether entry is older than the TTL. An entry exactly
// ttl old is still live.
func (c *Cache) expired(entry model.CacheEntry, now time.Time) bool {
	return now.Sub(entry.CreatedAt) > c.ttl
}

// insert evicts the least recently accessed 20% when at capacity, then
// stores entry.
func (c *Cache) insert(ctx context.Context, entry model.CacheEntry) error {
	size, err := c.backend.Len(ctx)
	if err != nil {
		return fmt.Errorf("cache size: %w", err)
	}
	if size >= c.maxSize {
		if err := c.evict(ctx); err != nil {
			return err
		}
	}
	if err := c.backend.Put(ctx, entry); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *Cache) evict(ctx context.Context) error {
	entries, err := c.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastAccessAt.Before(entries[j].LastAccessAt)
	})

	n := int(float64(len(entries)) * evictFraction)
	// Always free at least enough room for one insert.
	if excess := len(entries) - c.maxSize + 1; n < excess {
		n = excess
	}
	if n > len(entries) {
		n = len(entries)
	}

	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = entries[i].Key
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	c.logger.Info("cache evicted entries", "evicted", n, "max_size", c.maxSize)
	return nil
}

// Stats reports size, capacity, hit rate and a summary of every entry.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.backend.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	st := Stats{
		Size:    len(entries),
		MaxSize: c.maxSize,
		Backend: c.backend.Name(),
		Entries: make([]EntrySummary, 0, len(entries)),
	}
	var accesses int64
	for _, e := range entries {
		accesses += e.AccessCount
		st.Entries = append(st.Entries, EntrySummary{
			Key:            e.Key,
			Operation:      e.Metadata.Operation,
			ConversationID: e.Metadata.ConversationID,
			AccessCount:    e.AccessCount,
			CreatedAt:      e.CreatedAt,
			LastAccessAt:   e.LastAccessAt,
		})
	}
	if accesses > 0 {
		st.HitRate = float64(accesses-int64(len(entries))) / float64(accesses)
	}
	return st, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	c.logger.Info("cache cleared")
	return nil
}

// InvalidateConversation removes every entry whose metadata conversation id
// equals conversationID and returns how many were removed.
func (c *Cache) InvalidateConversation(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, model.Validationf("conversation id is required")
	}
	entries, err := c.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.Metadata.ConversationID == conversationID {
			keys = append(keys, e.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	c.logger.Info("cache invalidated conversation", "conversation_id", conversationID, "removed", len(keys))
	return len(keys), nil
}

// Ping checks the backend is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if _, err := c.backend.Len(ctx); err != nil {
		return errors.Join(errors.New("cache backend unavailable"), err)
	}
	return nil
}
