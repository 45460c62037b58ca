package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

func TestCredentials_GetAccessTokenUsesManualAPIKey(t *testing.T) {
	t.Parallel()
	c := NewCredentials(nil)

	token, err := c.GetAccessToken(context.Background(), &redis.Account{
		Email: "a@example.com", Source: "manual", APIKey: "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", token)
}

func TestCredentials_NeedsRefreshIsTrueUntilCached(t *testing.T) {
	t.Parallel()
	c := NewCredentials(nil)

	assert.True(t, c.NeedsRefresh("a@example.com", 5*time.Minute))

	c.cacheToken("a@example.com", "sk-test", time.Hour)
	assert.False(t, c.NeedsRefresh("a@example.com", 5*time.Minute))
	assert.True(t, c.NeedsRefresh("a@example.com", 2*time.Hour))
}

func TestCredentials_ForceRefreshAllSkipsFreshTokens(t *testing.T) {
	t.Parallel()
	c := NewCredentials(nil)
	c.cacheToken("a@example.com", "sk-fresh", time.Hour)

	accounts := []*redis.Account{{Email: "a@example.com", Source: "manual", APIKey: "sk-fresh"}}
	errs := c.ForceRefreshAll(context.Background(), accounts, 5*time.Minute)
	assert.Empty(t, errs)
}

func TestCredentials_ForceRefreshAllOnlyTouchesOAuthAccounts(t *testing.T) {
	t.Parallel()
	c := NewCredentials(nil)
	c.cacheToken("a@example.com", "sk-stale", time.Second)

	// Manual accounts carry a static API key and are never proactively
	// refreshed, even when their cached entry is about to expire.
	accounts := []*redis.Account{{Email: "a@example.com", Source: "manual", APIKey: "sk-manual"}}
	errs := c.ForceRefreshAll(context.Background(), accounts, time.Hour)
	require.Empty(t, errs)

	c.mu.RLock()
	_, stillCached := c.tokenCache["a@example.com"]
	c.mu.RUnlock()
	assert.True(t, stillCached, "manual account's cache entry should be untouched")
}
