package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqlDB, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(sqlDB))
	return NewStore(sqlDB)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertSession(ctx, "s1", "m1", "refactor", now))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "m1", sess.MachineID)
	require.Equal(t, "refactor", sess.Label)

	// Upsert moves the session to a new machine but keeps created_at.
	require.NoError(t, s.UpsertSession(ctx, "s1", "m2", "", now.Add(time.Minute)))
	sess2, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "m2", sess2.MachineID)
	require.Equal(t, sess.CreatedAt.Unix(), sess2.CreatedAt.Unix())

	require.ErrorIs(t, s.TouchSession(ctx, "ghost", now), ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageTokenScopedByChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertMessage(ctx, 42, 100, "s1", "tok-a", now))

	tok, err := s.GetMessageToken(ctx, 42, 100)
	require.NoError(t, err)
	require.Equal(t, "tok-a", tok)

	// Same message id, different chat: no hit.
	_, err = s.GetMessageToken(ctx, 43, 100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueueFIFOAndRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.EnqueueCommand(ctx, QueueEntry{
			ID: id, MachineID: "m1", SessionID: "s1",
			CommandText: id, ChatID: 42, CreatedAt: now,
		}))
	}

	queued, err := s.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, queued, 3)
	require.Equal(t, "c1", queued[0].ID)
	require.Equal(t, "c3", queued[2].ID)

	// Sent entries leave the queued list but still count as pending.
	require.NoError(t, s.MarkCommandSent(ctx, "c1", now))
	queued, err = s.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	pending, err := s.CountPending(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 3, pending)

	// A stale sent entry is requeued at its original position.
	n, err := s.RequeueStaleSent(ctx, "m1", now.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	queued, err = s.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "c1", queued[0].ID)

	require.NoError(t, s.DeleteCommand(ctx, "c2"))
	require.ErrorIs(t, s.DeleteCommand(ctx, "c2"), ErrNotFound)
}

func TestDeadLetterOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.EnqueueCommand(ctx, QueueEntry{
		ID: "old", MachineID: "m1", SessionID: "s1",
		CommandText: "x", ChatID: 42, CreatedAt: now.Add(-25 * time.Hour),
	}))
	require.NoError(t, s.EnqueueCommand(ctx, QueueEntry{
		ID: "new", MachineID: "m1", SessionID: "s1",
		CommandText: "y", ChatID: 42, CreatedAt: now,
	}))

	n, err := s.DeadLetterOld(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	queued, err := s.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "new", queued[0].ID)
}

func TestMarkUpdateSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first, err := s.MarkUpdateSeen(ctx, 1001, now)
	require.NoError(t, err)
	require.True(t, first)

	first, err = s.MarkUpdateSeen(ctx, 1001, now)
	require.NoError(t, err)
	require.False(t, first)

	n, err := s.PruneSeenUpdates(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestReplyTokenExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertReplyToken(ctx, ReplyToken{
		Token: "tok-a", SessionID: "s1", ChatID: 42,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	tok, err := s.GetReplyToken(ctx, "tok-a")
	require.NoError(t, err)
	require.Equal(t, "s1", tok.SessionID)

	n, err := s.DeleteExpiredTokens(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetReplyToken(ctx, "tok-a")
	require.ErrorIs(t, err, ErrNotFound)
}
