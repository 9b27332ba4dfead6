package issues

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issue-hub/issue-hub/internal/storage/sqldb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqldb.Open(sqldb.DriverSQLite, filepath.Join(t.TempDir(), "issues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCreateIsIdempotentOnKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	in := NewIssue{
		IdempotencyKey: "local-1",
		OwnerID:        "owner-1",
		Payload:        json.RawMessage(`{"title":"broken light"}`),
		AttachmentRef:  "photos/1.jpg",
	}

	first, created, err := store.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "photos/1.jpg", first.AttachmentRef)

	second, created, err := store.Create(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"broken light"}`, string(got.Payload))
}

func TestCreateConcurrentRetriesYieldOneIssue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issue, _, err := store.Create(ctx, NewIssue{IdempotencyKey: "same", Payload: json.RawMessage(`{"n":1}`)})
			assert.NoError(t, err)
			ids[i] = issue.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateValidatesInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Create(ctx, NewIssue{Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrMissingKey)

	for _, payload := range []string{``, `[1,2]`, `"text"`, `null`, `{bad`} {
		_, _, err = store.Create(ctx, NewIssue{IdempotencyKey: "k", Payload: json.RawMessage(payload)})
		require.ErrorIs(t, err, ErrInvalidPayload, payload)
	}

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
