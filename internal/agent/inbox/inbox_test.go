package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentdb "github.com/termrelay/termrelay/internal/agent/db"
)

func newTestInbox(t *testing.T) *Inbox {
	t.Helper()
	sqlDB, err := agentdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, agentdb.Migrate(sqlDB))
	return New(sqlDB)
}

func TestInsertIsIdempotent(t *testing.T) {
	ib := newTestInbox(t)
	ctx := context.Background()

	inserted, err := ib.Insert(ctx, "c1", `{"command":"ls"}`)
	require.NoError(t, err)
	require.True(t, inserted)

	// Second delivery of the same command id: row kept, no new insert.
	inserted, err = ib.Insert(ctx, "c1", `{"command":"ls"}`)
	require.NoError(t, err)
	require.False(t, inserted)

	pending, err := ib.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "c1", pending[0].CommandID)
}

func TestMarkDoneRemovesFromPending(t *testing.T) {
	ib := newTestInbox(t)
	ctx := context.Background()

	_, err := ib.Insert(ctx, "c1", `{}`)
	require.NoError(t, err)
	_, err = ib.Insert(ctx, "c2", `{}`)
	require.NoError(t, err)

	require.NoError(t, ib.MarkDone(ctx, "c1"))

	pending, err := ib.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "c2", pending[0].CommandID)

	e, err := ib.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, e.Status)
}

func TestMarkDoneUnknown(t *testing.T) {
	ib := newTestInbox(t)
	require.Error(t, ib.MarkDone(context.Background(), "nope"))
}

func TestPendingPreservesInsertionOrder(t *testing.T) {
	ib := newTestInbox(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := ib.Insert(ctx, id, `{}`)
		require.NoError(t, err)
	}

	pending, err := ib.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "a", pending[0].CommandID)
	require.Equal(t, "b", pending[1].CommandID)
	require.Equal(t, "c", pending[2].CommandID)
}

func TestPruneKeepsRecentAndUnfinished(t *testing.T) {
	ib := newTestInbox(t)
	ctx := context.Background()

	base := time.Now()
	ib.SetNowFunc(func() time.Time { return base.Add(-2 * time.Hour) })

	_, err := ib.Insert(ctx, "old-done", `{}`)
	require.NoError(t, err)
	require.NoError(t, ib.MarkDone(ctx, "old-done"))
	_, err = ib.Insert(ctx, "old-received", `{}`)
	require.NoError(t, err)

	ib.SetNowFunc(func() time.Time { return base })
	_, err = ib.Insert(ctx, "new-done", `{}`)
	require.NoError(t, err)
	require.NoError(t, ib.MarkDone(ctx, "new-done"))

	n, err := ib.Prune(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The unfinished entry survives regardless of age: it must replay.
	pending, err := ib.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "old-received", pending[0].CommandID)

	_, err = ib.Get(ctx, "new-done")
	require.NoError(t, err)
}
