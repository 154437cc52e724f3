// Package kvstore provides the cluster-shared key/value store behind the leader
// lease, the registry tiers and the initialization flag. Every conditional
// operation is atomic with respect to other instances sharing the backend.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store closed")
)

// Store is a namespaced key/value store with TTL and compare-and-set primitives.
// A ttl of zero means the key never expires. Expired keys behave as absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes the key only when it is absent or expired.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndExtend resets the TTL only when the current value equals expected.
	CompareAndExtend(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the key only when the current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

// Key joins parts with "/" to build a namespaced key.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
