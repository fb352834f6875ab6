package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisVerificationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisVerificationStore(client), mr
}

func TestRedisVerificationStore_SaveAndConsume(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "token-1", "user-1", time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	userID, err := store.Consume(ctx, "token-1")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q, want %q", userID, "user-1")
	}
}

// トークンは一度しか使えないことを検証
func TestRedisVerificationStore_Consume_SingleUse(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "token-1", "user-1", time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := store.Consume(ctx, "token-1"); err != nil {
		t.Fatalf("first Consume() error = %v", err)
	}

	_, err := store.Consume(ctx, "token-1")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("second Consume() error = %v, want ErrTokenNotFound", err)
	}
}

func TestRedisVerificationStore_Consume_Expired(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "token-1", "user-1", time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, err := store.Consume(ctx, "token-1")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Consume() error = %v, want ErrTokenNotFound", err)
	}
}

func TestRedisVerificationStore_Save_UsesPrefixedKeyWithTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)

	if err := store.Save(context.Background(), "abc", "user-1", 24*time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := mr.Get(verificationKeyPrefix + "abc")
	if err != nil {
		t.Fatalf("key not found: %v", err)
	}
	if got != "user-1" {
		t.Errorf("stored value = %q, want %q", got, "user-1")
	}
	if ttl := mr.TTL(verificationKeyPrefix + "abc"); ttl != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", ttl)
	}
}

func TestRedisVerificationStore_Save_ConnectionError(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	if err := store.Save(context.Background(), "token-1", "user-1", time.Hour); err == nil {
		t.Error("expected error when redis is unavailable")
	}
}

func TestConnectRedis(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantAddr string
		wantErr  bool
	}{
		{"redis URL", "redis://localhost:6379/0", "localhost:6379", false},
		{"host:port", "cache:6380", "cache:6380", false},
		{"invalid URL", "redis://localhost:6379/notanumber", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := ConnectRedis(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConnectRedis() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer client.Close()
			if got := client.Options().Addr; got != tt.wantAddr {
				t.Errorf("Addr = %q, want %q", got, tt.wantAddr)
			}
		})
	}
}
