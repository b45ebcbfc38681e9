// Package session stores viewer sessions for the HTTP host in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found or expired")

// Data is everything needed to rebuild a viewer's provider after a restart.
// ProviderToken is only ever written to Redis sealed.
type Data struct {
	Login         string    `json:"login"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	URL           string    `json:"url,omitempty"`
	Association   string    `json:"association,omitempty"`
	Provider      string    `json:"provider"`
	ProviderToken string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// record is the stored form of Data.
type record struct {
	Data
	SealedToken string `json:"sealed_token,omitempty"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
	sealer *sealer
}

// NewRedisStore connects to redisURL. tokenKey seals provider tokens at rest.
func NewRedisStore(redisURL, tokenKey string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	store, err := NewRedisStoreWithClient(client, tokenKey)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return store, nil
}

func NewRedisStoreWithClient(client *redis.Client, tokenKey string) (*RedisStore, error) {
	sealer, err := newSealer(tokenKey)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, prefix: "threadsync:session:", sealer: sealer}, nil
}

func (s *RedisStore) key(sessionHash string) string {
	return s.prefix + sessionHash
}

// Save stores data under sessionHash for ttl.
func (s *RedisStore) Save(ctx context.Context, sessionHash string, data Data, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("save session: ttl must be positive")
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}
	sealed, err := s.sealer.seal(data.ProviderToken)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	payload, err := json.Marshal(record{Data: data, SealedToken: sealed})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, sessionHash string) (Data, error) {
	payload, err := s.client.Get(ctx, s.key(sessionHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}, ErrNotFound
	}
	if err != nil {
		return Data{}, fmt.Errorf("lookup session: %w", err)
	}
	var stored record
	if err := json.Unmarshal(payload, &stored); err != nil {
		return Data{}, fmt.Errorf("unmarshal session: %w", err)
	}
	token, err := s.sealer.open(stored.SealedToken)
	if err != nil {
		// sealed under a previous key: the session cannot be resumed
		return Data{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data := stored.Data
	data.ProviderToken = token
	return data, nil
}

// Revoke deletes the session. Revoking an unknown session is not an error.
func (s *RedisStore) Revoke(ctx context.Context, sessionHash string) error {
	if err := s.client.Del(ctx, s.key(sessionHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
