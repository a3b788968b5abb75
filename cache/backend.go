package cache

import (
	"context"
	"errors"
)

// ErrMiss is returned by a Backend when key is not stored.
var ErrMiss = errors.New("cache: miss")

// Backend is the raw key/value storage behind a Store.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Incr atomically adds one to the decimal integer stored at key, treating
	// a missing key as 0, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Keys enumerates every stored key.
	Keys(ctx context.Context) ([]string, error)
}
