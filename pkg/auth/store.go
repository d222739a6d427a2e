// Package auth owns persistent API-key records: creation, revocation, and
// the per-key fixed-window rate limit consulted on every admission.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ccbridge/ccbridge/pkg/cache"
	"github.com/jmoiron/sqlx"
)

// KeyPrefix marks gateway-issued API keys.
const KeyPrefix = "cc_"

// Sentinel errors for key validation.
var (
	// ErrKeyNotFound indicates the key does not exist.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyRevoked indicates the key exists but has been revoked.
	ErrKeyRevoked = errors.New("api key revoked")
)

// RateLimitError reports that a key exhausted its per-minute window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Key is a persistent API-key record. Revoked keys are kept in place,
// never deleted.
type Key struct {
	Key                  string     `db:"key" json:"key"`
	ProjectID            string     `db:"project_id" json:"project_id"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	RevokedAt            *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RateLimitPerMin      int        `db:"rate_limit_per_min" json:"rate_limit_per_min"`
	LastWindowStart      *time.Time `db:"last_window_start" json:"-"`
	RequestCountInWindow int        `db:"request_count_in_window" json:"-"`
	RequestsTotal        int64      `db:"requests_total" json:"requests_total"`
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return k.RevokedAt != nil
}

// Store is the SQLite-backed API-key store. The optional cache holds
// read-only key snapshots; revocation deletes the snapshot before
// returning so a revoked key can never be admitted from cache.
type Store struct {
	db    *sqlx.DB
	cache *cache.Cache
	now   func() time.Time
}

// NewStore creates the store. kv may be nil (cache disabled).
func NewStore(db *sqlx.DB, kv *cache.Cache) *Store {
	return &Store{db: db, cache: kv, now: time.Now}
}

// CreateKey mints a new API key for a project.
func (s *Store) CreateKey(ctx context.Context, projectID string, rateLimitPerMin int) (*Key, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if rateLimitPerMin <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", rateLimitPerMin)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	key := &Key{
		Key:             KeyPrefix + hex.EncodeToString(raw),
		ProjectID:       projectID,
		CreatedAt:       s.now().UTC(),
		RateLimitPerMin: rateLimitPerMin,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key, project_id, created_at, rate_limit_per_min, request_count_in_window, requests_total)
		 VALUES (?, ?, ?, ?, 0, 0)`,
		key.Key, key.ProjectID, key.CreatedAt, key.RateLimitPerMin)
	if err != nil {
		return nil, fmt.Errorf("failed to insert api key: %w", err)
	}

	slog.InfoContext(ctx, "API key created", "project_id", projectID)
	return key, nil
}

// GetKey looks up a key record, consulting the cache first.
func (s *Store) GetKey(ctx context.Context, rawKey string) (*Key, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(rawKey)); err == nil {
		var k Key
		if err := json.Unmarshal(cached, &k); err == nil {
			return &k, nil
		}
	}

	var k Key
	err := s.db.GetContext(ctx, &k, `SELECT * FROM api_keys WHERE key = ?`, rawKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}

	if data, err := json.Marshal(&k); err == nil {
		if err := s.cache.Set(ctx, cacheKey(rawKey), data); err != nil {
			slog.WarnContext(ctx, "Failed to cache api key snapshot", "error", err)
		}
	}
	return &k, nil
}

// ListKeys returns all keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]Key, error) {
	var keys []Key
	if err := s.db.SelectContext(ctx, &keys, `SELECT * FROM api_keys ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// Revoke marks the key revoked in place. The cache entry is deleted before
// returning: once Revoke returns, the key fails admission everywhere.
func (s *Store) Revoke(ctx context.Context, rawKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE key = ? AND revoked_at IS NULL`,
		s.now().UTC(), rawKey)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if err := s.cache.Delete(ctx, cacheKey(rawKey)); err != nil {
		return fmt.Errorf("failed to invalidate key cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either unknown or already revoked; distinguish for the caller.
		if _, err := s.GetKey(ctx, rawKey); errors.Is(err, ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return ErrKeyRevoked
	}
	slog.InfoContext(ctx, "API key revoked")
	return nil
}

// Admit validates the key and consumes one request from its per-minute
// window in a single transaction. Returns the key record on success, a
// *RateLimitError when the window is exhausted, ErrKeyNotFound or
// ErrKeyRevoked otherwise. The window update is atomic with respect to
// concurrent admissions on the same key.
func (s *Store) Admit(ctx context.Context, rawKey string) (*Key, error) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrKeyNotFound
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start admission transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var k Key
	err = tx.GetContext(ctx, &k, `SELECT * FROM api_keys WHERE key = ?`, rawKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}
	if k.Revoked() {
		return nil, ErrKeyRevoked
	}

	now := s.now().UTC()
	windowStart := now.Truncate(time.Minute)

	count := k.RequestCountInWindow
	if k.LastWindowStart == nil || !k.LastWindowStart.Equal(windowStart) {
		count = 0
	}
	if count >= k.RateLimitPerMin {
		return nil, &RateLimitError{RetryAfter: windowStart.Add(time.Minute).Sub(now)}
	}
	count++

	_, err = tx.ExecContext(ctx,
		`UPDATE api_keys
		 SET last_window_start = ?, request_count_in_window = ?, requests_total = requests_total + 1
		 WHERE key = ?`,
		windowStart, count, rawKey)
	if err != nil {
		return nil, fmt.Errorf("failed to update rate window: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit admission: %w", err)
	}

	k.LastWindowStart = &windowStart
	k.RequestCountInWindow = count
	k.RequestsTotal++
	return &k, nil
}

func cacheKey(rawKey string) string {
	return "auth:key:" + rawKey
}
