package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ccbridge/ccbridge/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client.DB, nil)
}

func TestCreateKey(t *testing.T) {
	store := newTestStore(t)

	key, err := store.CreateKey(context.Background(), "proj-1", 60)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key.Key, KeyPrefix))
	assert.Equal(t, "proj-1", key.ProjectID)
	assert.False(t, key.Revoked())

	// Keys are unique.
	other, err := store.CreateKey(context.Background(), "proj-1", 60)
	require.NoError(t, err)
	assert.NotEqual(t, key.Key, other.Key)
}

func TestCreateKeyValidation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateKey(context.Background(), "", 60)
	assert.Error(t, err)

	_, err = store.CreateKey(context.Background(), "proj-1", 0)
	assert.Error(t, err)
}

func TestAdmitUnknownAndMalformedKeys(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Admit(context.Background(), "cc_does_not_exist")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Wrong prefix short-circuits before touching the database.
	_, err = store.Admit(context.Background(), "sk-something")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAdmitRevokedKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := store.CreateKey(ctx, "proj-1", 60)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, key.Key))

	_, err = store.Admit(ctx, key.Key)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestRevokeTwice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := store.CreateKey(ctx, "proj-1", 60)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, key.Key))

	assert.ErrorIs(t, store.Revoke(ctx, key.Key), ErrKeyRevoked)
	assert.ErrorIs(t, store.Revoke(ctx, "cc_missing"), ErrKeyNotFound)
}

func TestAdmitRateLimitWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	store.now = func() time.Time { return now }

	key, err := store.CreateKey(ctx, "proj-1", 2)
	require.NoError(t, err)

	// Two requests fit in the window.
	_, err = store.Admit(ctx, key.Key)
	require.NoError(t, err)
	_, err = store.Admit(ctx, key.Key)
	require.NoError(t, err)

	// Third is limited, with retry_after pointing at the next window.
	_, err = store.Admit(ctx, key.Key)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 30*time.Second, rle.RetryAfter)

	// A new minute resets the window.
	now = now.Add(time.Minute)
	_, err = store.Admit(ctx, key.Key)
	assert.NoError(t, err)
}

func TestAdmitCountsRequestsTotal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := store.CreateKey(ctx, "proj-1", 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = store.Admit(ctx, key.Key)
		require.NoError(t, err)
	}

	got, err := store.GetKey(ctx, key.Key)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.RequestsTotal)
}
