package cache

import (
	"fmt"
	"time"
)

// ScoredMember is one sorted-set entry returned by range queries
type ScoredMember struct {
	Member string
	Score  int64
}

// Store is the hot keyed store contract. Single-field mutations are atomic;
// multi-field sequences are serialized by the caller.
type Store interface {
	// Hash operations
	GetField(key, field string) (string, bool, error)
	SetField(key, field, value string) error
	DeleteField(key, field string) error
	GetAll(key string) (map[string]string, error)
	SetAll(key string, fields map[string]string, ttl time.Duration) error
	IncrField(key, field string, delta int64) (int64, error)
	DeleteKey(key string) error
	Exists(key string) (bool, error)
	Keys(pattern string) ([]string, error)

	// Sorted-set operations (timed-task queues)
	ZAdd(key, member string, score int64) error
	ZScore(key, member string) (int64, bool, error)
	ZRem(key, member string) error
	ZRangeByScore(key string, min, max int64) ([]ScoredMember, error)
	ZCard(key string) (int, error)

	// Set operations (dirty tracking, dead letters)
	SAdd(key string, members ...string) error
	SMembers(key string) ([]string, error)
	SPopAll(key string) ([]string, error)
	SRem(key string, members ...string) error
	SCard(key string) (int, error)

	Close() error
}

// UserKey builds the per-user hash key for an entity class, e.g.
// "building:1001".
func UserKey(class string, userID int64) string {
	return fmt.Sprintf("%s:%d", class, userID)
}

// DirtyKey builds the pending-sync set key for a class
func DirtyKey(class string) string {
	return "sync_pending:" + class
}
