// Package ranking keeps available agents ordered by how long they have been idle.
//
// Every backend orders members ascending by idle-since timestamp (millisecond
// precision) and breaks ties on equal timestamps by the lexicographically
// smallest agent id, which is also how a redis sorted set orders equal scores.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the ranked agent store.
type Store interface {
	// Upsert inserts the agent or replaces its idle-since timestamp.
	Upsert(ctx context.Context, agentID string, idleSince time.Time) error
	// Remove deletes the agent. Removing a non-member is not an error.
	Remove(ctx context.Context, agentID string) error
	// LongestIdle returns the member with the smallest idle-since timestamp.
	LongestIdle(ctx context.Context) (string, bool, error)
	// PopLongestIdle atomically returns and removes the longest-idle member.
	PopLongestIdle(ctx context.Context) (string, bool, error)
	// ClaimLongestIdle atomically returns and removes the longest-idle member
	// whose id starts with prefix. Members outside prefix are left untouched.
	ClaimLongestIdle(ctx context.Context, prefix string) (string, bool, error)
	// IdleSince returns the stored timestamp for a member.
	IdleSince(ctx context.Context, agentID string) (time.Time, bool, error)
	// Len returns the number of members.
	Len(ctx context.Context) (int, error)
	Close() error
}

// ErrUnknownBackend is returned by Open for unsupported backend names.
var ErrUnknownBackend = errors.New("unknown store backend")

// Options selects and configures a Store backend.
type Options struct {
	Backend     string // memory, redis or sqlite
	RedisURL    string
	RedisKey    string
	DatabaseURL string
}

// Open constructs the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return DialRedisStore(ctx, opts.RedisURL, opts.RedisKey)
	case "sqlite":
		return NewSQLiteStore(opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}

func toScore(t time.Time) int64 {
	return t.UnixMilli()
}

func fromScore(ms int64) time.Time {
	return time.UnixMilli(ms)
}
