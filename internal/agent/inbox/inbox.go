// Package inbox is the agent's durable command log. Its primary key
// on command_id is what turns the router's at-least-once delivery
// into at-most-once execution, across restarts included.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Entry states.
const (
	StatusReceived = "received"
	StatusDone     = "done"
)

// doneRetention is how long finished entries are kept before pruning.
const doneRetention = time.Hour

// Entry is one durably persisted command.
type Entry struct {
	CommandID   string
	ReceivedAt  time.Time
	PayloadJSON string
	Status      string
	UpdatedAt   time.Time
}

// Inbox wraps the inbox table. Mutations are serialized by a
// per-table lock; SQLite's single-writer mode does the same at the
// connection level, the lock keeps compound operations atomic.
type Inbox struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// New wraps an opened, migrated database.
func New(db *sql.DB) *Inbox {
	return &Inbox{db: db, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (i *Inbox) SetNowFunc(now func() time.Time) { i.now = now }

// Insert durably records a command with INSERT-IF-ABSENT semantics.
// Returns inserted=false when the command_id was already present, in
// which case the command must not be executed again. The caller may
// ack in either case: the row exists durably.
func (i *Inbox) Insert(ctx context.Context, commandID, payloadJSON string) (inserted bool, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now().Unix()
	res, err := i.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox (command_id, received_at, payload_json, status, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		commandID, now, payloadJSON, StatusReceived, now)
	if err != nil {
		return false, fmt.Errorf("insert inbox entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkDone flips an entry to done after the injector reported success.
func (i *Inbox) MarkDone(ctx context.Context, commandID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	res, err := i.db.ExecContext(ctx,
		`UPDATE inbox SET status = ?, updated_at = ? WHERE command_id = ?`,
		StatusDone, i.now().Unix(), commandID)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark done: no entry for %s", commandID)
	}
	return nil
}

// Get returns a single entry.
func (i *Inbox) Get(ctx context.Context, commandID string) (Entry, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT command_id, received_at, payload_json, status, updated_at
		FROM inbox WHERE command_id = ?`, commandID)
	return scanEntry(row)
}

// Pending returns all non-done entries in insertion order, for replay
// on startup and reconnect.
func (i *Inbox) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT command_id, received_at, payload_json, status, updated_at
		FROM inbox WHERE status != ? ORDER BY rowid ASC`, StatusDone)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes done entries older than the retention window.
func (i *Inbox) Prune(ctx context.Context) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	res, err := i.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE status = ? AND updated_at < ?`,
		StatusDone, i.now().Add(-doneRetention).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune inbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEntry(r interface{ Scan(...any) error }) (Entry, error) {
	var (
		e                     Entry
		receivedAt, updatedAt int64
	)
	err := r.Scan(&e.CommandID, &receivedAt, &e.PayloadJSON, &e.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("inbox entry: %w", sql.ErrNoRows)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan inbox entry: %w", err)
	}
	e.ReceivedAt = time.Unix(receivedAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return e, nil
}
