package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/termrelay/termrelay/internal/id"
)

// Token validation failures. Callers collapse all three into one
// user-visible reply so a probing sender learns nothing.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrChatMismatch  = errors.New("token bound to another chat")
)

// ReplyToken authorizes one chat to steer one session until expiry.
type ReplyToken struct {
	Token     string
	SessionID string
	ChatID    int64
	Event     string
	Summary   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MintToken creates a fresh reply token bound to (session, chat).
func (r *Registry) MintToken(ctx context.Context, sessionID string, chatID int64, event, summary string) (ReplyToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rt := ReplyToken{
		Token:     id.NewReplyToken(),
		SessionID: sessionID,
		ChatID:    chatID,
		Event:     event,
		Summary:   summary,
		CreatedAt: now,
		ExpiresAt: now.Add(r.tokenTTL),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reply_tokens (token, session_id, chat_id, event, summary, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rt.Token, rt.SessionID, rt.ChatID, rt.Event, rt.Summary,
		rt.CreatedAt.Unix(), rt.ExpiresAt.Unix())
	if err != nil {
		return ReplyToken{}, fmt.Errorf("store token: %w", err)
	}
	return rt, nil
}

// ValidateToken checks existence, expiry, then chat binding, in that
// order, and returns the token's session id on success.
func (r *Registry) ValidateToken(ctx context.Context, token string, chatID int64) (ReplyToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT token, session_id, chat_id, event, summary, created_at, expires_at
		FROM reply_tokens WHERE token = ?`, token)
	rt, err := scanToken(row)
	if err != nil {
		return ReplyToken{}, err
	}
	if !r.now().Before(rt.ExpiresAt) {
		return ReplyToken{}, ErrTokenExpired
	}
	if rt.ChatID != chatID {
		return ReplyToken{}, ErrChatMismatch
	}
	return rt, nil
}

// RevokeToken deletes a single token.
func (r *Registry) RevokeToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM reply_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// CleanupExpiredTokens removes tokens past expiry.
func (r *Registry) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reply_tokens WHERE expires_at <= ?`, r.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PutReplyKey records that a sent chat message maps to a token, so a
// later reply to that message can be resolved without quoting the
// token. Used in direct mode; the router keeps its own copy in
// router mode.
func (r *Registry) PutReplyKey(ctx context.Context, chatID int64, replyKey int64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reply_keys (chat_id, reply_key, token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		chatID, replyKey, token, now.Unix(), now.Add(r.tokenTTL).Unix())
	if err != nil {
		return fmt.Errorf("store reply key: %w", err)
	}
	return nil
}

// TakeReplyKey resolves (chat, message) to a token and consumes the
// mapping, so each sent message authorizes at most one reply. Lookups
// are scoped by chat id so a message id from another chat never
// resolves.
func (r *Registry) TakeReplyKey(ctx context.Context, chatID int64, replyKey int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT token, expires_at FROM reply_keys
		WHERE chat_id = ? AND reply_key = ?`, chatID, replyKey)
	var (
		token     string
		expiresAt int64
	)
	err := row.Scan(&token, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("scan reply key: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM reply_keys WHERE chat_id = ? AND reply_key = ?`,
		chatID, replyKey); err != nil {
		return "", fmt.Errorf("consume reply key: %w", err)
	}
	if r.now().Unix() >= expiresAt {
		return "", ErrTokenExpired
	}
	return token, nil
}

// CleanupExpiredReplyKeys removes reply-key rows past expiry.
func (r *Registry) CleanupExpiredReplyKeys(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reply_keys WHERE expires_at <= ?`, r.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup reply keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanToken(row interface{ Scan(...any) error }) (ReplyToken, error) {
	var (
		rt                   ReplyToken
		createdAt, expiresAt int64
	)
	err := row.Scan(&rt.Token, &rt.SessionID, &rt.ChatID, &rt.Event, &rt.Summary,
		&createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplyToken{}, ErrTokenNotFound
	}
	if err != nil {
		return ReplyToken{}, fmt.Errorf("scan token: %w", err)
	}
	rt.CreatedAt = time.Unix(createdAt, 0)
	rt.ExpiresAt = time.Unix(expiresAt, 0)
	return rt, nil
}
