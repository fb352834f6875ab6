package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// verificationKeyPrefix は確認トークンのRedisキー接頭辞。
const verificationKeyPrefix = "letsgo:verify:"

// ConnectRedis はRedis接続URLからクライアントを生成する。
// "redis://" 形式以外は host:port として扱う。
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisVerificationStore はRedisを使用した確認トークンストア。
// トークンはTTL付きで保存し、GETDELで一度だけ消費できる。
type RedisVerificationStore struct {
	client *redis.Client
}

// NewRedisVerificationStore はRedisVerificationStoreを生成する。
func NewRedisVerificationStore(client *redis.Client) *RedisVerificationStore {
	return &RedisVerificationStore{client: client}
}

// Save はトークンとユーザーIDの対応をttlの間保存する。
func (s *RedisVerificationStore) Save(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, verificationKeyPrefix+token, userID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save verification token: %w", err)
	}
	return nil
}

// Consume はトークンに対応するユーザーIDを返し、トークンを削除する。
func (s *RedisVerificationStore) Consume(ctx context.Context, token string) (string, error) {
	userID, err := s.client.GetDel(ctx, verificationKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume verification token: %w", err)
	}
	return userID, nil
}

// compile-time interface check
var _ VerificationTokenStore = (*RedisVerificationStore)(nil)
