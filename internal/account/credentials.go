// Package account provides account management with configurable selection strategies.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// CachedToken holds a cached access token
type CachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// Credentials manages OAuth tokens and API keys for accounts
type Credentials struct {
	mu           sync.RWMutex
	accountStore Store
	tokenCache   map[string]*CachedToken

	// refreshGroup ensures at most one in-flight refresh per account email,
	// so concurrent callers for the same account share a single upstream call.
	refreshGroup singleflight.Group

	// legacyExtractor is the best-effort fallback for accounts whose token
	// was sourced from the Antigravity app database rather than OAuth. It
	// is optional; ForceRefreshAll skips it when nil.
	legacyExtractor *auth.TokenExtractor
}

// NewCredentials creates a new credentials manager backed by the given store.
// A nil store disables the persistent cache layer; tokens are still cached
// in memory.
func NewCredentials(accountStore Store) *Credentials {
	return &Credentials{
		accountStore: accountStore,
		tokenCache:   make(map[string]*CachedToken),
	}
}

// GetAccessToken returns an access token for the given account
func (c *Credentials) GetAccessToken(ctx context.Context, acc *redis.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}

	// Check in-memory cache first
	c.mu.RLock()
	cached, ok := c.tokenCache[acc.Email]
	c.mu.RUnlock()

	if ok && cached.ExpiresAt.After(time.Now()) {
		return cached.Token, nil
	}

	// Check persistent cache
	if c.accountStore != nil && c.accountStore.IsAvailable() {
		cachedToken, err := c.accountStore.GetCachedToken(ctx, acc.Email)
		if err == nil && cachedToken != nil && cachedToken.AccessToken != "" {
			// Token is valid if extracted less than 5 minutes ago
			if time.Since(cachedToken.ExtractedAt) < 5*time.Minute {
				c.cacheToken(acc.Email, cachedToken.AccessToken, 5*time.Minute)
				return cachedToken.AccessToken, nil
			}
		}
	}

	// At most one in-flight refresh per account; concurrent callers share the result.
	tokenAny, err, _ := c.refreshGroup.Do(acc.Email, func() (interface{}, error) {
		token, err := c.getFreshToken(ctx, acc)
		if err != nil {
			return "", err
		}

		c.cacheToken(acc.Email, token, 5*time.Minute)
		if c.accountStore != nil && c.accountStore.IsAvailable() {
			_ = c.accountStore.SetCachedToken(ctx, acc.Email, token, 5*time.Minute)
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}

	return tokenAny.(string), nil
}

// getFreshToken obtains a fresh token from OAuth or uses the API key
func (c *Credentials) getFreshToken(ctx context.Context, acc *redis.Account) (string, error) {
	switch acc.Source {
	case "oauth":
		if acc.RefreshToken == "" {
			return "", fmt.Errorf("no refresh token for account %s", acc.Email)
		}
		// Use the package-level function from auth
		utils.Debug("[Credentials] Refreshing OAuth token for %s", acc.Email)
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			utils.Error("[Credentials] Failed to refresh token for %s: %v", acc.Email, err)
			return "", err
		}
		utils.Success("[Credentials] Refreshed OAuth token for %s", acc.Email)
		return result.AccessToken, nil

	case "manual":
		if acc.APIKey != "" {
			return acc.APIKey, nil
		}
		return "", fmt.Errorf("no API key for manual account %s", acc.Email)

	case "database":
		// For database accounts, try to extract from token-extractor
		// This is a legacy path for accounts imported from Anthropic Manager
		return "", fmt.Errorf("database token extraction not yet implemented")

	default:
		return "", fmt.Errorf("unknown account source: %s", acc.Source)
	}
}

// cacheToken stores a token in the in-memory cache
func (c *Credentials) cacheToken(email, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache[email] = &CachedToken{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
	}
}

// SetLegacyExtractor wires in the best-effort database/HTML token
// extractor used as a fallback source by ForceRefreshAll.
func (c *Credentials) SetLegacyExtractor(te *auth.TokenExtractor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.legacyExtractor = te
}

// NeedsRefresh reports whether the cached token for email will expire
// within window, or isn't cached at all.
func (c *Credentials) NeedsRefresh(email string, window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.tokenCache[email]
	if !ok {
		return true
	}
	return time.Until(cached.ExpiresAt) < window
}

// ForceRefresh clears any cached token for acc and fetches a fresh one
// immediately, regardless of its current expiry.
func (c *Credentials) ForceRefresh(ctx context.Context, acc *redis.Account) (string, error) {
	c.ClearCacheForAccount(ctx, acc.Email)
	return c.GetAccessToken(ctx, acc)
}

// ForceRefreshAll clears and re-fetches the token for every account whose
// cached token is within window of expiring, then makes a best-effort
// attempt to refresh the legacy extractor's token. It returns any
// per-account refresh errors keyed by email; a failed legacy refresh is
// logged but never returned, matching its "best-effort" contract.
func (c *Credentials) ForceRefreshAll(ctx context.Context, accounts []*redis.Account, window time.Duration) map[string]error {
	errs := make(map[string]error)
	for _, acc := range accounts {
		if acc.Source != "oauth" || !c.NeedsRefresh(acc.Email, window) {
			continue
		}
		if _, err := c.ForceRefresh(ctx, acc); err != nil {
			errs[acc.Email] = err
		}
	}

	c.mu.RLock()
	legacy := c.legacyExtractor
	c.mu.RUnlock()
	if legacy != nil {
		if _, err := legacy.ForceRefresh(ctx, ""); err != nil {
			utils.Debug("[Credentials] Legacy extractor refresh skipped: %v", err)
		}
	}

	return errs
}

// ClearCache clears the in-memory token cache
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache = make(map[string]*CachedToken)
}

// ClearCacheForAccount clears the cache for a specific account
func (c *Credentials) ClearCacheForAccount(ctx context.Context, email string) {
	c.mu.Lock()
	delete(c.tokenCache, email)
	c.mu.Unlock()

	if c.accountStore != nil && c.accountStore.IsAvailable() {
		_ = c.accountStore.ClearTokenCache(ctx, email)
	}
}
