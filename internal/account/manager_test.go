package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
	"github.com/poemonsense/antigravity-proxy-go/pkg/sqlitestore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{MaxAccounts: 10}
	return NewManagerWithStore(store, cfg)
}

func TestManager_InitializeLoadsPersistedAccounts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "a@example.com", Enabled: true}))
	require.NoError(t, m.Reload(ctx))

	assert.Equal(t, 1, m.GetAccountCount())
}

func TestManager_SelectAccountRequiresInitialize(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	_, err := m.SelectAccount(context.Background(), "claude-3-5-sonnet-20241022", SelectOptions{})
	require.Error(t, err)
	assert.IsType(t, &NotInitializedError{}, err)
}

func TestManager_SelectAccountRejectsWhenEmpty(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background(), strategies.StrategyRoundRobin))

	_, err := m.SelectAccount(context.Background(), "claude-3-5-sonnet-20241022", SelectOptions{})
	require.Error(t, err)
	assert.IsType(t, &NoAccountsError{}, err)
}

func TestManager_MarkRateLimitedExcludesAccountFromAvailability(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "a@example.com", Enabled: true}))
	require.NoError(t, m.Initialize(ctx, strategies.StrategyRoundRobin))

	require.NoError(t, m.MarkRateLimited(ctx, "a@example.com", 60_000, "claude-3-5-sonnet-20241022"))

	assert.True(t, m.IsAllRateLimited("claude-3-5-sonnet-20241022"))
	assert.Empty(t, m.GetAvailableAccounts("claude-3-5-sonnet-20241022"))
	assert.Greater(t, m.GetMinWaitTimeMs(ctx, "claude-3-5-sonnet-20241022"), int64(0))
}

func TestManager_MarkInvalidPersistsAndExcludesAccount(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "a@example.com", Enabled: true}))
	require.NoError(t, m.Initialize(ctx, strategies.StrategyRoundRobin))

	require.NoError(t, m.MarkInvalid(ctx, "a@example.com", "refresh token revoked"))

	invalid := m.GetInvalidAccounts()
	require.Len(t, invalid, 1)
	assert.Equal(t, "refresh token revoked", invalid[0].InvalidReason)
	assert.Empty(t, m.GetAvailableAccounts("claude-3-5-sonnet-20241022"))
}

func TestManager_AddOrUpdateAccountEnforcesMaxAccounts(t *testing.T) {
	t.Parallel()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := NewManagerWithStore(store, &config.Config{MaxAccounts: 1})
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "a@example.com"}))
	err = m.AddOrUpdateAccount(ctx, &redis.Account{Email: "b@example.com"})
	require.Error(t, err)
}

func TestManager_RemoveAccountDeletesFromStore(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "a@example.com"}))
	require.NoError(t, m.RemoveAccount(ctx, "a@example.com"))

	_, err := m.GetAccountByEmail(ctx, "a@example.com")
	require.Error(t, err)
}

func TestManager_ClearProjectCacheForClearsPersistedEntry(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.accountStore.SetCachedProject(ctx, "a@example.com", "proj-1", time.Hour))

	m.ClearProjectCacheFor("a@example.com")

	cached, err := m.accountStore.GetCachedProject(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestManager_ClearProjectCacheClearsEveryAccount(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "a@example.com"}))
	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "b@example.com"}))
	require.NoError(t, m.Initialize(ctx, strategies.StrategyRoundRobin))

	require.NoError(t, m.accountStore.SetCachedProject(ctx, "a@example.com", "proj-a", time.Hour))
	require.NoError(t, m.accountStore.SetCachedProject(ctx, "b@example.com", "proj-b", time.Hour))

	m.ClearProjectCache()

	cachedA, errA := m.accountStore.GetCachedProject(ctx, "a@example.com")
	cachedB, errB := m.accountStore.GetCachedProject(ctx, "b@example.com")
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Empty(t, cachedA)
	assert.Empty(t, cachedB)
}

func TestManager_ForceRefreshAllSkipsNonOAuthAccounts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrUpdateAccount(ctx, &redis.Account{Email: "manual@example.com", Source: "manual", APIKey: "sk-test"}))
	require.NoError(t, m.Initialize(ctx, strategies.StrategyRoundRobin))

	errs := m.ForceRefreshAll(ctx, time.Hour)
	assert.Empty(t, errs)
}
