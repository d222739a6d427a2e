package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientInMemory(t *testing.T) {
	client, err := NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	// Migrations must have created the core tables.
	for _, table := range []string{"api_keys", "api_key_permissions", "budgets", "usage_records", "audit_log"} {
		var count int
		err := client.Get(&count,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		require.NoError(t, err, "table %s", table)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}
}

func TestHealth(t *testing.T) {
	client, err := NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	status, err := Health(context.Background(), client.DB.DB)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
}
