// Package archive exports finished recordings as compressed JSON bundles to
// an object store.
package archive

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by NoopStore. Callers treat it as "archive
// in place only".
var ErrNotConfigured = errors.New("archive store not configured")

// Store persists opaque objects by key.
type Store interface {
	Name() string
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// NoopStore is used when no object store is configured.
type NoopStore struct{}

var _ Store = NoopStore{}

func (NoopStore) Name() string { return "none" }

func (NoopStore) Put(context.Context, string, []byte) error { return ErrNotConfigured }

func (NoopStore) Get(context.Context, string) ([]byte, error) { return nil, ErrNotConfigured }

func (NoopStore) Close() error { return nil }
