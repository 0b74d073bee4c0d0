// ABOUTME: Tests for conversation store operations
// ABOUTME: Covers create, append, history, pruning, rollback, delete, and error cases

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/fault"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return setupTestStoreMax(t, 0)
}

// setupTestStoreMax creates a store with a session ceiling.
func setupTestStoreMax(t *testing.T, maxSessions int) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath, maxSessions)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestStore_CreateSeedsSystemMessage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "You are helpful")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, RoleSystem, history[0].Role)
	assert.Equal(t, "You are helpful", history[0].Content)
}

func TestStore_CreateWithoutSystemPrompt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_CreateDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "sess-1", "")
	require.NoError(t, err)

	_, err = store.Create(ctx, "sess-1", "")
	assert.ErrorIs(t, err, ErrExists)
}

func TestStore_CreateCeiling(t *testing.T) {
	store := setupTestStoreMax(t, 2)
	ctx := context.Background()

	_, err := store.Create(ctx, "", "")
	require.NoError(t, err)
	_, err = store.Create(ctx, "", "")
	require.NoError(t, err)

	_, err = store.Create(ctx, "", "")
	require.Error(t, err)
	assert.True(t, fault.IsExhausted(err), "expected resource_exhausted, got %v", err)

	// Deleting frees a slot.
	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, ids[0]))

	_, err = store.Create(ctx, "", "")
	assert.NoError(t, err)
}

func TestStore_Ensure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Fresh id creates.
	id, created, err := store.Ensure(ctx, "sess-1", "sys")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "sess-1", id)

	// Same id resolves without a second create or another system message.
	id, created, err = store.Ensure(ctx, "sess-1", "sys")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "sess-1", id)

	history, err := store.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Empty id always creates with a generated id.
	id2, created, err := store.Ensure(ctx, "", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, "sess-1", id2)
}

func TestStore_AppendUnknownSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Append(ctx, "nope", Message{Role: RoleUser, Content: "hi"})
	assert.True(t, fault.IsNotFound(err), "expected not_found, got %v", err)
}

func TestStore_HistoryLengthAfterAppends(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "seeded system")
	require.NoError(t, err)

	const n = 7
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		err := store.Append(ctx, id, Message{Role: role, Content: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, n+1, "N appends plus the seeded system message")

	// Order is append order.
	assert.Equal(t, "msg 0", history[1].Content)
	assert.Equal(t, fmt.Sprintf("msg %d", n-1), history[n].Content)
}

func TestStore_HistoryUnknownSession(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.History(context.Background(), "nope")
	assert.True(t, fault.IsNotFound(err))
}

func TestStore_PrunedContext(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "You are helpful")
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}))
	}

	pruned, err := store.PrunedContext(ctx, id, 20)
	require.NoError(t, err)
	require.Len(t, pruned, 21, "system message plus last 20")

	assert.Equal(t, RoleSystem, pruned[0].Role, "system message survives any prune limit")
	assert.Equal(t, "m10", pruned[1].Content)
	assert.Equal(t, "m29", pruned[20].Content)

	// A tighter limit still keeps the system message.
	pruned, err = store.PrunedContext(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, pruned, 2)
	assert.Equal(t, RoleSystem, pruned[0].Role)
	assert.Equal(t, "m29", pruned[1].Content)
}

func TestStore_PrunedContextNoSystemMessage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "a"}))
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleAssistant, Content: "b"}))

	pruned, err := store.PrunedContext(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, "b", pruned[0].Content)
}

func TestStore_PrunedContextLimitLargerThanHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "sys")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "only"}))

	pruned, err := store.PrunedContext(ctx, id, 20)
	require.NoError(t, err)
	assert.Len(t, pruned, 2)
}

func TestStore_PrunedContextDoesNotMutateHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "sys")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}))
	}

	_, err = store.PrunedContext(ctx, id, 2)
	require.NoError(t, err)

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 6, "pruning is a read-only projection")
}

func TestStore_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "You are helpful")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "q1"}))
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleAssistant, Content: "a1"}))
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "q2"}))

	require.NoError(t, store.Rollback(ctx, id, 2))

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2, "rollback by k removes exactly k")
	assert.Equal(t, RoleSystem, history[0].Role)
	assert.Equal(t, "q1", history[1].Content)
}

func TestStore_RollbackNeverRemovesSystemMessage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "You are helpful")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "q1"}))
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleAssistant, Content: "a1"}))

	// Rolling back everything that can be rolled back leaves the system message.
	require.NoError(t, store.Rollback(ctx, id, 2))

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, RoleSystem, history[0].Role)
}

func TestStore_RollbackCountTooLarge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "You are helpful")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "q1"}))

	// 2 > 1 available non-system message; the system message never counts.
	err = store.Rollback(ctx, id, 2)
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err), "expected validation error, got %v", err)

	// Nothing was removed.
	history, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStore_RollbackUnknownSession(t *testing.T) {
	store := setupTestStore(t)

	err := store.Rollback(context.Background(), "nope", 1)
	assert.True(t, fault.IsNotFound(err))
}

func TestStore_DeleteIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "sys")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, Message{Role: RoleUser, Content: "hi"}))

	require.NoError(t, store.Delete(ctx, id))

	// Repeat delete reports NotFound with no side effects.
	err = store.Delete(ctx, id)
	assert.True(t, fault.IsNotFound(err))

	_, err = store.History(ctx, id)
	assert.True(t, fault.IsNotFound(err))
}

func TestStore_ListIDs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	assert.Empty(t, mustListIDs(t, store))

	_, err := store.Create(ctx, "a", "")
	require.NoError(t, err)
	_, err = store.Create(ctx, "b", "")
	require.NoError(t, err)

	ids := mustListIDs(t, store)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func mustListIDs(t *testing.T, s *SQLiteStore) []string {
	t.Helper()
	ids, err := s.ListIDs(context.Background())
	require.NoError(t, err)
	return ids
}

func TestStore_GetSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "", "")
	require.NoError(t, err)

	sess, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.False(t, sess.CreatedAt.IsZero())

	_, err = store.GetSession(ctx, "nope")
	assert.True(t, fault.IsNotFound(err))
}

func TestStore_Count(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = store.Create(ctx, "", "")
	require.NoError(t, err)

	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
