package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Command queue entry states.
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
)

// Session is a router-side session row: which machine owns a session.
type Session struct {
	SessionID string
	MachineID string
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReplyToken binds a token to a session and the chat it was minted for.
type ReplyToken struct {
	Token     string
	SessionID string
	ChatID    int64
	Event     string
	Summary   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// QueueEntry is one durable command awaiting delivery to a machine.
type QueueEntry struct {
	ID          string
	MachineID   string
	SessionID   string
	CommandText string
	ChatID      int64
	CreatedAt   time.Time
	Status      string
	SentAt      time.Time // zero when never sent
}

// Store is the hand-written query layer over the router's tables.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- sessions ---

// UpsertSession inserts or updates a session row, bumping updated_at.
func (s *Store) UpsertSession(ctx context.Context, sessionID, machineID, label string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, machine_id, label, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			machine_id = excluded.machine_id,
			label      = excluded.label,
			updated_at = excluded.updated_at`,
		sessionID, machineID, label, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, machine_id, label, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// SessionExists reports whether a session row exists.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return true, nil
}

// CountSessions returns the total number of session rows.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, machine_id, label, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchSession bumps a session's updated_at. ErrNotFound when absent.
func (s *Store) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteStaleSessions removes sessions not updated since the cutoff.
func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		sess                 Session
		createdAt, updatedAt int64
	)
	err := r.Scan(&sess.SessionID, &sess.MachineID, &sess.Label, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return sess, nil
}

// --- messages ---

// InsertMessage records which token a chat message resolves to, so a
// later reply-to can be routed. The (chat_id, message_id) key scopes
// lookups to the chat the notification was sent to.
func (s *Store) InsertMessage(ctx context.Context, chatID int64, messageID int, sessionID, token string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (chat_id, message_id, session_id, token, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		chatID, messageID, sessionID, token, now.Unix())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessageToken resolves a (chat, message) pair to the token minted
// for it. Lookups from a different chat fail with ErrNotFound.
func (s *Store) GetMessageToken(ctx context.Context, chatID int64, messageID int) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM messages WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get message token: %w", err)
	}
	return token, nil
}

// DeleteOldMessages prunes message rows older than the cutoff.
func (s *Store) DeleteOldMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- reply tokens ---

// InsertReplyToken stores a token binding reported by an agent.
func (s *Store) InsertReplyToken(ctx context.Context, t ReplyToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reply_tokens (token, session_id, chat_id, event, summary, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Token, t.SessionID, t.ChatID, t.Event, t.Summary, t.CreatedAt.Unix(), t.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("insert reply token: %w", err)
	}
	return nil
}

// GetReplyToken returns a token row, or ErrNotFound.
func (s *Store) GetReplyToken(ctx context.Context, token string) (ReplyToken, error) {
	var (
		t                    ReplyToken
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, session_id, chat_id, event, summary, created_at, expires_at
		FROM reply_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.SessionID, &t.ChatID, &t.Event, &t.Summary, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplyToken{}, ErrNotFound
	}
	if err != nil {
		return ReplyToken{}, fmt.Errorf("get reply token: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.ExpiresAt = time.Unix(expiresAt, 0)
	return t, nil
}

// DeleteTokensForSession removes every token bound to a session.
func (s *Store) DeleteTokensForSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM reply_tokens WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete tokens for session: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes tokens whose TTL has passed.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reply_tokens WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- command queue ---

// EnqueueCommand inserts a new queued entry.
func (s *Store) EnqueueCommand(ctx context.Context, e QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (id, machine_id, session_id, command_text, chat_id, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MachineID, e.SessionID, e.CommandText, e.ChatID, e.CreatedAt.Unix(), StatusQueued)
	if err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// CountPending returns the number of un-acked entries for a machine.
func (s *Store) CountPending(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_queue WHERE machine_id = ?`, machineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ListQueued returns a machine's queued entries in acceptance (FIFO)
// order. Insertion order is the rowid, which breaks created_at ties.
func (s *Store) ListQueued(ctx context.Context, machineID string) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, session_id, command_text, chat_id, created_at, status, sent_at
		FROM command_queue
		WHERE machine_id = ? AND status = ?
		ORDER BY rowid ASC`, machineID, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkCommandSent flips an entry to sent and records the send time.
func (s *Store) MarkCommandSent(ctx context.Context, id string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE command_queue SET status = ?, sent_at = ? WHERE id = ?`,
		StatusSent, now.Unix(), id); err != nil {
		return fmt.Errorf("mark command sent: %w", err)
	}
	return nil
}

// DeleteCommand removes an entry after the agent's durable ack.
// Returns ErrNotFound when no such entry exists (duplicate ack).
func (s *Store) DeleteCommand(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCommandsForSession drops pending entries targeting a session.
func (s *Store) DeleteCommandsForSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM command_queue WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete commands for session: %w", err)
	}
	return nil
}

// RequeueStaleSent rewrites sent entries back to queued when they have
// been outstanding since before the cutoff. Used by the retry sweep
// after a connection drop.
func (s *Store) RequeueStaleSent(ctx context.Context, machineID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = ?, sent_at = NULL
		WHERE machine_id = ? AND status = ? AND sent_at < ?`,
		StatusQueued, machineID, StatusSent, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("requeue stale sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListMachinesWithStaleSent returns machines holding sent entries
// older than the cutoff.
func (s *Store) ListMachinesWithStaleSent(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT machine_id FROM command_queue
		WHERE status = ? AND sent_at < ?`, StatusSent, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list machines with stale sent: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan machine id: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeadLetterOld permanently drops entries older than the cutoff,
// regardless of status. Returns the number dropped.
func (s *Store) DeadLetterOld(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_queue WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("dead-letter old commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanQueueEntry(r rowScanner) (QueueEntry, error) {
	var (
		e         QueueEntry
		createdAt int64
		sentAt    sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.MachineID, &e.SessionID, &e.CommandText, &e.ChatID, &createdAt, &e.Status, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("scan queue entry: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	if sentAt.Valid {
		e.SentAt = time.Unix(sentAt.Int64, 0)
	}
	return e, nil
}

// --- seen updates ---

// MarkUpdateSeen records a webhook update id. Returns false when the
// id was already present within the retention window (a platform
// retry), in which case the update must be dropped.
func (s *Store) MarkUpdateSeen(ctx context.Context, updateID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_updates (update_id, received_at) VALUES (?, ?)`,
		updateID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("mark update seen: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PruneSeenUpdates drops dedup rows older than the retention window.
func (s *Store) PruneSeenUpdates(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_updates WHERE received_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune seen updates: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
