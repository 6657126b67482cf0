package providers

import (
	"context"
)

// CacheProvider defines the interface for shared key/value operations
type CacheProvider interface {
	// Get retrieves a value; a missing key is a NotFound AppError
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration
	Set(ctx context.Context, key string, value []byte, expirationSeconds int) error

	// SetIfAbsent stores value only when key does not exist and reports
	// whether it did
	SetIfAbsent(ctx context.Context, key string, value []byte, expirationSeconds int) (bool, error)

	// Delete removes a value from cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically adds one to an integer counter, creating it at 1
	Increment(ctx context.Context, key string) (int64, error)
}
