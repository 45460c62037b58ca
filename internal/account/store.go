// Package account provides account management with configurable selection strategies.
package account

import (
	"context"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// Store is the persistence contract the account pool and credential cache
// depend on. pkg/redis.AccountStore and pkg/sqlitestore.Store both satisfy
// it, so the Manager can run against either backend interchangeably.
type Store interface {
	IsAvailable() bool

	GetAccount(ctx context.Context, email string) (*redis.Account, error)
	SetAccount(ctx context.Context, account *redis.Account) error
	DeleteAccount(ctx context.Context, email string) error
	ListAccounts(ctx context.Context) ([]*redis.Account, error)

	GetRateLimit(ctx context.Context, email, modelID string) (*redis.RateLimitInfo, error)
	SetRateLimit(ctx context.Context, email, modelID string, info *redis.RateLimitInfo) error
	ClearRateLimit(ctx context.Context, email, modelID string) error
	ClearRateLimits(ctx context.Context, email string) error

	GetQuotas(ctx context.Context, email string) (*redis.QuotaInfo, error)
	SetQuotas(ctx context.Context, email string, info *redis.QuotaInfo) error
	ClearQuotas(ctx context.Context, email string) error

	GetHealth(ctx context.Context, email string) (*redis.HealthScore, error)
	SetHealth(ctx context.Context, email string, score *redis.HealthScore) error
	ClearHealth(ctx context.Context, email string) error

	GetTokenBucket(ctx context.Context, email string) (*redis.TokenBucket, error)
	SetTokenBucket(ctx context.Context, email string, bucket *redis.TokenBucket) error
	ClearTokenBucket(ctx context.Context, email string) error

	GetCachedToken(ctx context.Context, email string) (*redis.CachedToken, error)
	SetCachedToken(ctx context.Context, email, token string, ttl time.Duration) error
	ClearTokenCache(ctx context.Context, email string) error

	GetCachedProject(ctx context.Context, email string) (string, error)
	SetCachedProject(ctx context.Context, email, projectID string, ttl time.Duration) error
	ClearProjectCache(ctx context.Context, email string) error
}
