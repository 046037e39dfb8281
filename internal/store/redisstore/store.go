package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client, such as one pointed at miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func threadKey(userID, challengeID uint64) string {
	return fmt.Sprintf("thread_id_%d_%d", userID, challengeID)
}

// GetThreadID returns "" when no thread is cached for the pair.
func (s *Store) GetThreadID(ctx context.Context, userID, challengeID uint64) (string, error) {
	v, err := s.rdb.Get(ctx, threadKey(userID, challengeID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetThreadIDIfAbsent stores threadID with no expiry unless another caller got
// there first, and returns whichever id is now cached.
func (s *Store) SetThreadIDIfAbsent(ctx context.Context, userID, challengeID uint64, threadID string) (string, error) {
	key := threadKey(userID, challengeID)
	ok, err := s.rdb.SetNX(ctx, key, threadID, 0).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return threadID, nil
	}
	return s.rdb.Get(ctx, key).Result()
}

func revokedKey(jti string) string {
	return "revoked_jti:" + jti
}

// RevokeToken blocks jti until ttl passes, after which the token has expired anyway.
func (s *Store) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, revokedKey(jti), "1", ttl).Err()
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
