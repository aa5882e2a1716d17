package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndValidateToken(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tok, err := r.MintToken(ctx, "s1", 42, "stop", "finished the refactor")
	require.NoError(t, err)
	require.Len(t, tok.Token, 22)

	got, err := r.ValidateToken(ctx, tok.Token, 42)
	require.NoError(t, err)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, "stop", got.Event)
}

func TestValidateTokenFailures(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.ValidateToken(ctx, "no-such-token", 42)
	require.ErrorIs(t, err, ErrTokenNotFound)

	tok, err := r.MintToken(ctx, "s1", 42, "", "")
	require.NoError(t, err)

	// Bound to chat 42, presented from chat 43.
	_, err = r.ValidateToken(ctx, tok.Token, 43)
	require.ErrorIs(t, err, ErrChatMismatch)

	r.SetNowFunc(func() time.Time { return time.Now().Add(25 * time.Hour) })
	_, err = r.ValidateToken(ctx, tok.Token, 42)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeToken(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tok, err := r.MintToken(ctx, "s1", 42, "", "")
	require.NoError(t, err)
	require.NoError(t, r.RevokeToken(ctx, tok.Token))

	_, err = r.ValidateToken(ctx, tok.Token, 42)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCleanupExpiredTokens(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Now()
	r.SetNowFunc(func() time.Time { return base.Add(-25 * time.Hour) })
	_, err := r.MintToken(ctx, "s1", 42, "", "")
	require.NoError(t, err)

	r.SetNowFunc(func() time.Time { return base })
	fresh, err := r.MintToken(ctx, "s1", 42, "", "")
	require.NoError(t, err)

	n, err := r.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = r.ValidateToken(ctx, fresh.Token, 42)
	require.NoError(t, err)
}

func TestReplyKeys(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.PutReplyKey(ctx, 42, 1001, "tok-a"))

	// Same message id in another chat does not resolve.
	_, err := r.TakeReplyKey(ctx, 43, 1001)
	require.ErrorIs(t, err, ErrTokenNotFound)

	got, err := r.TakeReplyKey(ctx, 42, 1001)
	require.NoError(t, err)
	require.Equal(t, "tok-a", got)

	// Consumed on lookup; a second reply to the same message is refused.
	_, err = r.TakeReplyKey(ctx, 42, 1001)
	require.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, r.PutReplyKey(ctx, 42, 1002, "tok-b"))
	r.SetNowFunc(func() time.Time { return time.Now().Add(25 * time.Hour) })
	_, err = r.TakeReplyKey(ctx, 42, 1002)
	require.ErrorIs(t, err, ErrTokenExpired)
}
