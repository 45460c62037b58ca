package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AccountRoundTrip(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	acc := &redis.Account{Email: "a@example.com", Source: "oauth", Enabled: true}
	require.NoError(t, store.SetAccount(ctx, acc))

	got, err := store.GetAccount(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "oauth", got.Source)

	missing, err := store.GetAccount(ctx, "missing@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteAccount(ctx, "a@example.com"))
	all, err = store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 0)
}

func TestStore_RateLimitExpiry(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	info := &redis.RateLimitInfo{IsRateLimited: true, ResetTime: time.Now().Add(time.Hour).UnixMilli()}
	require.NoError(t, store.SetRateLimit(ctx, "a@example.com", "claude-3-5-sonnet", info))

	got, err := store.GetRateLimit(ctx, "a@example.com", "claude-3-5-sonnet")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsRateLimited)

	require.NoError(t, store.ClearRateLimit(ctx, "a@example.com", "claude-3-5-sonnet"))
	got, err = store.GetRateLimit(ctx, "a@example.com", "claude-3-5-sonnet")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_CachedTokenTTL(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCachedToken(ctx, "a@example.com", "tok-123", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	got, err := store.GetCachedToken(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, got, "expired token should be lazily evicted on read")
}

func TestStore_ProjectCache(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCachedProject(ctx, "a@example.com", "proj-1", time.Hour))
	got, err := store.GetCachedProject(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got)
}
