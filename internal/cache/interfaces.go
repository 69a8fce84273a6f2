package cache

import (
	"context"
	"time"
)

// KeyPrefix namespaces bucket snapshots in the cache.
const KeyPrefix = "github_data:"

// Cache is the keyed store fronting the content host. Implementations must
// make Get/Set/Forget atomic per key; nothing is promised across keys.
type Cache interface {
	// Get returns the value and true on a live hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Forget removes key; forgetting an absent key is not an error.
	Forget(ctx context.Context, key string) error
}

// Purger is implemented by caches that need expired entries swept out.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// BucketKey is the cache key for one entity bucket:
// github_data:{entityType} or github_data:{entityType}/{organizationID}.
func BucketKey(entityType, organizationID string) string {
	if organizationID == "" {
		return KeyPrefix + entityType
	}
	return KeyPrefix + entityType + "/" + organizationID
}
