package permission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ccbridge/ccbridge/pkg/cache"
	"github.com/jmoiron/sqlx"
)

// ErrProfileNotFound indicates no profile row exists for the key.
var ErrProfileNotFound = errors.New("permission profile not found")

// Store persists per-key profiles. Profiles are read on every admission, so
// the optional cache holds snapshots; writes invalidate before returning.
type Store struct {
	db    *sqlx.DB
	cache *cache.Cache
}

// NewStore creates the store. kv may be nil (cache disabled).
func NewStore(db *sqlx.DB, kv *cache.Cache) *Store {
	return &Store{db: db, cache: kv}
}

// profileRow is the flattened SQL shape; the string sets are JSON columns.
type profileRow struct {
	Key                 string  `db:"key"`
	AllowedTools        string  `db:"allowed_tools"`
	BlockedTools        string  `db:"blocked_tools"`
	AllowedAgents       string  `db:"allowed_agents"`
	AllowedSkills       string  `db:"allowed_skills"`
	MaxConcurrentTasks  int     `db:"max_concurrent_tasks"`
	MaxExecutionSeconds int     `db:"max_execution_seconds"`
	MaxCostPerTask      float64 `db:"max_cost_per_task"`
	MaxMemoryMB         int     `db:"max_memory_mb"`
	FilesystemAccess    string  `db:"filesystem_access"`
	NetworkAccess       bool    `db:"network_access"`
}

// Set writes (or overwrites) the profile for a key. The profile is
// validated first; allowed/blocked overlap is rejected here so check time
// can assume disjoint sets.
func (s *Store) Set(ctx context.Context, key string, p *Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	row, err := toRow(key, p)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO api_key_permissions
		   (key, allowed_tools, blocked_tools, allowed_agents, allowed_skills,
		    max_concurrent_tasks, max_execution_seconds, max_cost_per_task,
		    max_memory_mb, filesystem_access, network_access)
		 VALUES
		   (:key, :allowed_tools, :blocked_tools, :allowed_agents, :allowed_skills,
		    :max_concurrent_tasks, :max_execution_seconds, :max_cost_per_task,
		    :max_memory_mb, :filesystem_access, :network_access)
		 ON CONFLICT(key) DO UPDATE SET
		   allowed_tools=excluded.allowed_tools,
		   blocked_tools=excluded.blocked_tools,
		   allowed_agents=excluded.allowed_agents,
		   allowed_skills=excluded.allowed_skills,
		   max_concurrent_tasks=excluded.max_concurrent_tasks,
		   max_execution_seconds=excluded.max_execution_seconds,
		   max_cost_per_task=excluded.max_cost_per_task,
		   max_memory_mb=excluded.max_memory_mb,
		   filesystem_access=excluded.filesystem_access,
		   network_access=excluded.network_access`,
		row)
	if err != nil {
		return fmt.Errorf("failed to write permission profile: %w", err)
	}

	if err := s.cache.Delete(ctx, cacheKey(key)); err != nil {
		return fmt.Errorf("failed to invalidate profile cache: %w", err)
	}
	return nil
}

// SeedPreset assigns a canonical preset profile to a key.
func (s *Store) SeedPreset(ctx context.Context, key, preset string) error {
	p := Preset(preset)
	if p == nil {
		return fmt.Errorf("unknown permission preset %q", preset)
	}
	return s.Set(ctx, key, p)
}

// Get returns the profile for a key, consulting the cache first.
func (s *Store) Get(ctx context.Context, key string) (*Profile, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(key)); err == nil {
		var p Profile
		if err := json.Unmarshal(cached, &p); err == nil {
			return &p, nil
		}
	}

	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM api_key_permissions WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query permission profile: %w", err)
	}

	p, err := fromRow(&row)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := s.cache.Set(ctx, cacheKey(key), data); err != nil {
			slog.WarnContext(ctx, "Failed to cache permission profile", "error", err)
		}
	}
	return p, nil
}

// Invalidate drops the cached snapshot for a key, used when the key itself
// is revoked.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, cacheKey(key))
}

func toRow(key string, p *Profile) (*profileRow, error) {
	encode := func(items []string) (string, error) {
		if items == nil {
			items = []string{}
		}
		data, err := json.Marshal(items)
		if err != nil {
			return "", fmt.Errorf("failed to encode set: %w", err)
		}
		return string(data), nil
	}

	tools, err := encode(p.AllowedTools)
	if err != nil {
		return nil, err
	}
	blocked, err := encode(p.BlockedTools)
	if err != nil {
		return nil, err
	}
	agents, err := encode(p.AllowedAgents)
	if err != nil {
		return nil, err
	}
	skills, err := encode(p.AllowedSkills)
	if err != nil {
		return nil, err
	}

	return &profileRow{
		Key:                 key,
		AllowedTools:        tools,
		BlockedTools:        blocked,
		AllowedAgents:       agents,
		AllowedSkills:       skills,
		MaxConcurrentTasks:  p.MaxConcurrentTasks,
		MaxExecutionSeconds: p.MaxExecutionSeconds,
		MaxCostPerTask:      p.MaxCostPerTask,
		MaxMemoryMB:         p.MaxMemoryMB,
		FilesystemAccess:    string(p.FilesystemAccess),
		NetworkAccess:       p.NetworkAccess,
	}, nil
}

func fromRow(row *profileRow) (*Profile, error) {
	decode := func(raw string) ([]string, error) {
		var items []string
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("failed to decode set: %w", err)
		}
		return items, nil
	}

	tools, err := decode(row.AllowedTools)
	if err != nil {
		return nil, err
	}
	blocked, err := decode(row.BlockedTools)
	if err != nil {
		return nil, err
	}
	agents, err := decode(row.AllowedAgents)
	if err != nil {
		return nil, err
	}
	skills, err := decode(row.AllowedSkills)
	if err != nil {
		return nil, err
	}

	return &Profile{
		AllowedTools:        tools,
		BlockedTools:        blocked,
		AllowedAgents:       agents,
		AllowedSkills:       skills,
		MaxConcurrentTasks:  row.MaxConcurrentTasks,
		MaxExecutionSeconds: row.MaxExecutionSeconds,
		MaxCostPerTask:      row.MaxCostPerTask,
		MaxMemoryMB:         row.MaxMemoryMB,
		FilesystemAccess:    FilesystemAccess(row.FilesystemAccess),
		NetworkAccess:       row.NetworkAccess,
	}, nil
}

func cacheKey(key string) string {
	return "perm:profile:" + key
}
