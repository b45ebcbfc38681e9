package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+server.Addr(), "test-token-key")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("not a url", "test-token-key")
	assert.Error(t, err)
}

func TestSaveAndLookup(t *testing.T) {
	store, server := setupTestRedis(t)
	ctx := context.Background()

	data := Data{Login: "avery", Association: "MEMBER", Provider: "github", ProviderToken: "ghp_x"}
	require.NoError(t, store.Save(ctx, "hash-1", data, time.Hour))

	got, err := store.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "avery", got.Login)
	assert.Equal(t, "MEMBER", got.Association)
	assert.Equal(t, "ghp_x", got.ProviderToken)
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, server.Exists("threadsync:session:hash-1"))
}

func TestProviderTokenIsSealedAtRest(t *testing.T) {
	store, server := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "hash-1", Data{Login: "avery", ProviderToken: "ghp_secret_value"}, time.Hour))

	raw, err := server.Get("threadsync:session:hash-1")
	require.NoError(t, err)
	assert.NotContains(t, raw, "ghp_secret_value")
	assert.Contains(t, raw, "sealed_token")

	// same token, fresh nonce
	require.NoError(t, store.Save(ctx, "hash-2", Data{Login: "avery", ProviderToken: "ghp_secret_value"}, time.Hour))
	other, err := server.Get("threadsync:session:hash-2")
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestLookupWithRotatedKeyRejectsSession(t *testing.T) {
	store, server := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "hash-1", Data{Login: "avery", ProviderToken: "ghp_x"}, time.Hour))

	rotated, err := NewRedisStore("redis://"+server.Addr(), "another-key")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rotated.Close() })

	_, err = rotated.Lookup(ctx, "hash-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedisStoreRequiresTokenKey(t *testing.T) {
	server := miniredis.RunT(t)
	_, err := NewRedisStore("redis://"+server.Addr(), " ")
	assert.Error(t, err)
}

func TestLookupExpiredSession(t *testing.T) {
	store, server := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "short", Data{Login: "avery"}, time.Second))

	server.FastForward(2 * time.Second)

	_, err := store.Lookup(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupUnknownSession(t *testing.T) {
	store, _ := setupTestRedis(t)

	_, err := store.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsNonPositiveTTL(t *testing.T) {
	store, _ := setupTestRedis(t)

	assert.Error(t, store.Save(context.Background(), "x", Data{Login: "avery"}, 0))
}

func TestRevokeIsolatesSessions(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "one", Data{Login: "ann"}, time.Hour))
	require.NoError(t, store.Save(ctx, "two", Data{Login: "bob"}, time.Hour))

	require.NoError(t, store.Revoke(ctx, "one"))
	require.NoError(t, store.Revoke(ctx, "never-existed"))

	_, err := store.Lookup(ctx, "one")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := store.Lookup(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Login)
}
