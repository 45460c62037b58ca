// Package sqlitestore provides a SQLite-backed implementation of the
// account store contract, used as a local fallback when Redis is not
// configured or unreachable.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// Store persists accounts and their runtime state in a single SQLite file,
// mirroring the hash/string key layout pkg/redis.AccountStore uses so the
// two backends are interchangeable behind the account.Store interface.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			email TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS kv (
			collection TEXT NOT NULL,
			email TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (collection, email, field)
		);
	`)
	return err
}

// IsAvailable reports whether the store can be used.
func (s *Store) IsAvailable() bool {
	return s != nil && s.db != nil
}

// ============================================================
// Account CRUD
// ============================================================

// GetAccount retrieves an account by email.
func (s *Store) GetAccount(ctx context.Context, email string) (*redis.Account, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM accounts WHERE email = ?`, email).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var acc redis.Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// SetAccount stores an account.
func (s *Store) SetAccount(ctx context.Context, account *redis.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, data) VALUES (?, ?)
		ON CONFLICT(email) DO UPDATE SET data = excluded.data
	`, account.Email, string(data))
	return err
}

// DeleteAccount removes an account and its related state.
func (s *Store) DeleteAccount(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE email = ?`, email)
	return err
}

// ListAccounts returns every stored account.
func (s *Store) ListAccounts(ctx context.Context) ([]*redis.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*redis.Account, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var acc redis.Account
		if err := json.Unmarshal([]byte(data), &acc); err != nil {
			continue
		}
		accounts = append(accounts, &acc)
	}
	return accounts, rows.Err()
}

// ============================================================
// Generic kv helpers backing rate limits / quotas / health / etc
// ============================================================

func (s *Store) getKV(ctx context.Context, collection, email, field string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE collection = ? AND email = ? AND field = ?`,
		collection, email, field).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expiresAt.Valid && expiresAt.Int64 < time.Now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND email = ? AND field = ?`, collection, email, field)
		return "", false, nil
	}
	return value, true, nil
}

func (s *Store) setKV(ctx context.Context, collection, email, field, value string, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (collection, email, field, value, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, email, field) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, collection, email, field, value, expiresAt)
	return err
}

func (s *Store) clearKV(ctx context.Context, collection, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND email = ?`, collection, email)
	return err
}

func (s *Store) clearKVField(ctx context.Context, collection, email, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND email = ? AND field = ?`, collection, email, field)
	return err
}

// ============================================================
// Rate limits
// ============================================================

const collectionRateLimits = "rate_limits"

// GetRateLimit retrieves rate limit info for a model.
func (s *Store) GetRateLimit(ctx context.Context, email, modelID string) (*redis.RateLimitInfo, error) {
	value, ok, err := s.getKV(ctx, collectionRateLimits, email, modelID)
	if err != nil || !ok {
		return nil, err
	}
	var info redis.RateLimitInfo
	if err := json.Unmarshal([]byte(value), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetRateLimit stores rate limit info with auto-expiry.
func (s *Store) SetRateLimit(ctx context.Context, email, modelID string, info *redis.RateLimitInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if info.ResetTime > 0 {
		if d := time.Until(time.UnixMilli(info.ResetTime)); d > 0 {
			ttl = d + time.Minute
		}
	}
	return s.setKV(ctx, collectionRateLimits, email, modelID, string(data), ttl)
}

// ClearRateLimit clears rate limit state for a single model.
func (s *Store) ClearRateLimit(ctx context.Context, email, modelID string) error {
	return s.clearKVField(ctx, collectionRateLimits, email, modelID)
}

// ClearRateLimits clears all rate limit state for an account.
func (s *Store) ClearRateLimits(ctx context.Context, email string) error {
	return s.clearKV(ctx, collectionRateLimits, email)
}

// ============================================================
// Quotas
// ============================================================

const collectionQuotas = "quotas"

// GetQuotas retrieves quota info for all models.
func (s *Store) GetQuotas(ctx context.Context, email string) (*redis.QuotaInfo, error) {
	value, ok, err := s.getKV(ctx, collectionQuotas, email, "_")
	if err != nil || !ok {
		return nil, err
	}
	var info redis.QuotaInfo
	if err := json.Unmarshal([]byte(value), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetQuotas stores quota info with a 5-minute TTL.
func (s *Store) SetQuotas(ctx context.Context, email string, info *redis.QuotaInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.setKV(ctx, collectionQuotas, email, "_", string(data), 5*time.Minute)
}

// ClearQuotas clears the quota cache for an account.
func (s *Store) ClearQuotas(ctx context.Context, email string) error {
	return s.clearKV(ctx, collectionQuotas, email)
}

// ============================================================
// Health score
// ============================================================

const collectionHealth = "health"

// GetHealth retrieves the health score for an account.
func (s *Store) GetHealth(ctx context.Context, email string) (*redis.HealthScore, error) {
	value, ok, err := s.getKV(ctx, collectionHealth, email, "_")
	if err != nil || !ok {
		return nil, err
	}
	var score redis.HealthScore
	if err := json.Unmarshal([]byte(value), &score); err != nil {
		return nil, err
	}
	return &score, nil
}

// SetHealth stores the health score for an account.
func (s *Store) SetHealth(ctx context.Context, email string, score *redis.HealthScore) error {
	data, err := json.Marshal(score)
	if err != nil {
		return err
	}
	return s.setKV(ctx, collectionHealth, email, "_", string(data), 0)
}

// ClearHealth clears the health score for an account.
func (s *Store) ClearHealth(ctx context.Context, email string) error {
	return s.clearKV(ctx, collectionHealth, email)
}

// ============================================================
// Token bucket
// ============================================================

const collectionTokenBucket = "token_bucket"

// GetTokenBucket retrieves token bucket state.
func (s *Store) GetTokenBucket(ctx context.Context, email string) (*redis.TokenBucket, error) {
	value, ok, err := s.getKV(ctx, collectionTokenBucket, email, "_")
	if err != nil || !ok {
		return nil, err
	}
	var bucket redis.TokenBucket
	if err := json.Unmarshal([]byte(value), &bucket); err != nil {
		return nil, err
	}
	return &bucket, nil
}

// SetTokenBucket stores token bucket state.
func (s *Store) SetTokenBucket(ctx context.Context, email string, bucket *redis.TokenBucket) error {
	data, err := json.Marshal(bucket)
	if err != nil {
		return err
	}
	return s.setKV(ctx, collectionTokenBucket, email, "_", string(data), 0)
}

// ClearTokenBucket clears token bucket state for an account.
func (s *Store) ClearTokenBucket(ctx context.Context, email string) error {
	return s.clearKV(ctx, collectionTokenBucket, email)
}

// ============================================================
// Access token cache
// ============================================================

const collectionTokenCache = "token_cache"

// GetCachedToken retrieves a cached access token.
func (s *Store) GetCachedToken(ctx context.Context, email string) (*redis.CachedToken, error) {
	value, ok, err := s.getKV(ctx, collectionTokenCache, email, "_")
	if err != nil || !ok {
		return nil, err
	}
	var token redis.CachedToken
	if err := json.Unmarshal([]byte(value), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// SetCachedToken stores an access token with a TTL.
func (s *Store) SetCachedToken(ctx context.Context, email, token string, ttl time.Duration) error {
	data, err := json.Marshal(&redis.CachedToken{AccessToken: token, ExtractedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.setKV(ctx, collectionTokenCache, email, "_", string(data), ttl)
}

// ClearTokenCache clears the cached token for an account.
func (s *Store) ClearTokenCache(ctx context.Context, email string) error {
	return s.clearKV(ctx, collectionTokenCache, email)
}

// ============================================================
// Project ID cache
// ============================================================

const collectionProjectCache = "project_cache"

// GetCachedProject retrieves a cached project ID.
func (s *Store) GetCachedProject(ctx context.Context, email string) (string, error) {
	value, ok, err := s.getKV(ctx, collectionProjectCache, email, "_")
	if err != nil || !ok {
		return "", err
	}
	return value, nil
}

// SetCachedProject stores a project ID with a TTL.
func (s *Store) SetCachedProject(ctx context.Context, email, projectID string, ttl time.Duration) error {
	return s.setKV(ctx, collectionProjectCache, email, "_", projectID, ttl)
}

// ClearProjectCache clears the cached project ID for an account.
func (s *Store) ClearProjectCache(ctx context.Context, email string) error {
	return s.clearKV(ctx, collectionProjectCache, email)
}
