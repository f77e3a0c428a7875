package ranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding agent idle-since scores.
const DefaultRedisKey = "agents_set"

// RedisStore keeps agents in a redis sorted set scored by idle-since
// milliseconds. Redis orders equal scores lexicographically by member.
type RedisStore struct {
	client *redis.Client
	key    string
}

// DialRedisStore parses url, connects and verifies the server with PING.
func DialRedisStore(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStore(client, key), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Upsert(ctx context.Context, agentID string, idleSince time.Time) error {
	member := redis.Z{Score: float64(toScore(idleSince)), Member: agentID}
	if err := s.client.ZAdd(ctx, s.key, member).Err(); err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agentID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, agentID string) error {
	if err := s.client.ZRem(ctx, s.key, agentID).Err(); err != nil {
		return fmt.Errorf("failed to remove agent %s: %w", agentID, err)
	}
	return nil
}

func (s *RedisStore) LongestIdle(ctx context.Context) (string, bool, error) {
	members, err := s.client.ZRange(ctx, s.key, 0, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to read longest idle agent: %w", err)
	}
	if len(members) == 0 {
		return "", false, nil
	}
	return members[0], true, nil
}

func (s *RedisStore) PopLongestIdle(ctx context.Context) (string, bool, error) {
	popped, err := s.client.ZPopMin(ctx, s.key, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to pop longest idle agent: %w", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	agentID, ok := popped[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected member type %T", popped[0].Member)
	}
	return agentID, true, nil
}

// claimPageSize is how many members ClaimLongestIdle reads per round trip.
const claimPageSize = 64

// ClaimLongestIdle scans the set in score order and removes the first member
// under prefix. ZREM decides the race: if another client removed the member
// first the scan restarts.
func (s *RedisStore) ClaimLongestIdle(ctx context.Context, prefix string) (string, bool, error) {
	if prefix == "" {
		return s.PopLongestIdle(ctx)
	}

	for start := int64(0); ; {
		members, err := s.client.ZRange(ctx, s.key, start, start+claimPageSize-1).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to scan idle agents: %w", err)
		}
		if len(members) == 0 {
			return "", false, nil
		}

		lost := false
		for _, m := range members {
			if !strings.HasPrefix(m, prefix) {
				continue
			}
			removed, err := s.client.ZRem(ctx, s.key, m).Result()
			if err != nil {
				return "", false, fmt.Errorf("failed to claim agent %s: %w", m, err)
			}
			if removed == 1 {
				return m, true, nil
			}
			lost = true
			break
		}
		if lost {
			// Lost the race for that member; the set has moved, rescan.
			start = 0
			continue
		}
		start += claimPageSize
	}
}

func (s *RedisStore) IdleSince(ctx context.Context, agentID string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, s.key, agentID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read score for %s: %w", agentID, err)
	}
	return fromScore(int64(score)), true, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
