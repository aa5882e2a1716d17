// Package registry is the workstation's source of truth for live AI
// sessions and for the short-lived tokens that authorize remote
// replies.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
)

// Session states.
const (
	StateRunning = "running"
	StateStopped = "stopped"
)

// Transport kinds, in descending selection priority.
const (
	TransportEditorRPC   = "editor-rpc"
	TransportMultiplexer = "multiplexer"
	TransportPTY         = "pty"
	TransportUnknown     = "unknown"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Transport locates a session's terminal. Exactly one kind is set;
// an editor-rpc descriptor may carry a multiplexer fallback.
type Transport struct {
	Kind string `json:"kind"`

	// editor-rpc
	SocketPath string `json:"socket_path,omitempty"`
	BufferID   string `json:"buffer_id,omitempty"`

	// multiplexer
	PaneID      string `json:"pane_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`

	// pty
	DevicePath string `json:"device_path,omitempty"`

	Fallback *Transport `json:"fallback,omitempty"`
}

// Normalize recomputes the transport kind from whichever locator
// fields are present, by priority editor-rpc > multiplexer > pty. An
// editor-rpc descriptor gets a multiplexer fallback when pane fields
// are also present.
func (t Transport) Normalize() Transport {
	switch {
	case t.SocketPath != "" && t.BufferID != "":
		out := Transport{
			Kind:       TransportEditorRPC,
			SocketPath: t.SocketPath,
			BufferID:   t.BufferID,
		}
		if t.PaneID != "" || t.SessionName != "" {
			out.Fallback = &Transport{
				Kind:        TransportMultiplexer,
				PaneID:      t.PaneID,
				SessionName: t.SessionName,
			}
		} else if t.Fallback != nil {
			fb := t.Fallback.Normalize()
			out.Fallback = &fb
		}
		return out
	case t.PaneID != "" || t.SessionName != "":
		return Transport{
			Kind:        TransportMultiplexer,
			PaneID:      t.PaneID,
			SessionName: t.SessionName,
		}
	case t.DevicePath != "":
		return Transport{Kind: TransportPTY, DevicePath: t.DevicePath}
	default:
		return Transport{Kind: TransportUnknown}
	}
}

// Session is one live AI coding session on this machine.
type Session struct {
	ID        string
	PPID      int
	PID       int
	StartTime int64 // seconds epoch, liveness discriminator
	Cwd       string
	Label     string
	Notify    bool
	Transport Transport
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
	LastSeen  time.Time
	ExpiresAt time.Time
}

// Prober decides whether a (pid, start-time) pair still names a live
// process. Implementations live in the proc package.
type Prober interface {
	Alive(pid int, startTime time.Time) bool
}

// Registry wraps the sessions and token tables. Every mutation takes
// the per-table lock; OS probes in CleanupDead run outside it
// (snapshot, probe, mutate).
type Registry struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time

	sessionTTL time.Duration
	tokenTTL   time.Duration

	log *slog.Logger
}

// New wraps an opened, migrated database.
func New(db *sql.DB, sessionTTL, tokenTTL time.Duration) *Registry {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Registry{
		db:         db,
		now:        time.Now,
		sessionTTL: sessionTTL,
		tokenTTL:   tokenTTL,
		log:        logging.Component("registry"),
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

// Upsert merges the given fields into an existing session or creates
// one. Zero-valued fields of an existing session are preserved; the
// transport descriptor is recomputed by priority.
func (r *Registry) Upsert(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		return Session{}, fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, err := r.get(ctx, s.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	merged := s
	if err == nil {
		merged = existing
		if s.PPID != 0 {
			merged.PPID = s.PPID
		}
		if s.PID != 0 {
			merged.PID = s.PID
		}
		if s.StartTime != 0 {
			merged.StartTime = s.StartTime
		}
		if s.Cwd != "" {
			merged.Cwd = s.Cwd
		}
		if s.Label != "" {
			merged.Label = s.Label
		}
		if s.Notify {
			merged.Notify = true
		}
		if incoming := s.Transport.Normalize(); incoming.Kind != TransportUnknown {
			merged.Transport = incoming
		}
	} else {
		merged.Transport = s.Transport.Normalize()
		merged.CreatedAt = now
	}
	if merged.State == "" {
		merged.State = StateRunning
	}
	merged.UpdatedAt = now
	merged.LastSeen = now
	merged.ExpiresAt = now.Add(r.sessionTTL)

	if err := r.write(ctx, merged); err != nil {
		return Session{}, err
	}
	r.updateSessionGauge(ctx)
	return merged, nil
}

// Get returns a session by id.
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	return r.get(ctx, id)
}

// GetByParentPID returns the most recently seen session registered
// with the given parent pid. Used by legacy hooks that only know
// their ppid.
func (r *Registry) GetByParentPID(ctx context.Context, ppid int) (Session, error) {
	row := r.db.QueryRowContext(ctx, selectSession+`
		WHERE ppid = ? ORDER BY last_seen DESC LIMIT 1`, ppid)
	return scanSession(row)
}

// ListFilter narrows List results.
type ListFilter struct {
	ActiveOnly bool // state = running
	NotifyOnly bool // notify enabled
}

// List returns sessions sorted by descending last-seen.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Session, error) {
	q := selectSession + ` WHERE 1=1`
	var args []any
	if f.ActiveOnly {
		q += ` AND state = ?`
		args = append(args, StateRunning)
	}
	if f.NotifyOnly {
		q += ` AND notify = 1`
	}
	q += ` ORDER BY last_seen DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Touch bumps last-seen and the expiry.
func (r *Registry) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen = ?, updated_at = ?, expires_at = ?
		WHERE session_id = ?`,
		now.Unix(), now.Unix(), now.Add(r.sessionTTL).Unix(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnableNotify flips the notify flag — the user's opt-in step.
// Returns ErrNotFound for unknown ids: no accidental creation.
func (r *Registry) EnableNotify(ctx context.Context, id, label string, transport *Transport) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	existing.Notify = true
	if label != "" {
		existing.Label = label
	}
	if transport != nil {
		if t := transport.Normalize(); t.Kind != TransportUnknown {
			existing.Transport = t
		}
	}
	now := r.now()
	existing.UpdatedAt = now
	existing.LastSeen = now
	existing.ExpiresAt = now.Add(r.sessionTTL)
	if err := r.write(ctx, existing); err != nil {
		return Session{}, err
	}
	return existing, nil
}

// Stop marks a session stopped. The row survives until expiry so late
// hook events still resolve.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?`,
		StateStopped, r.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session and cascades to every token bound to it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(ctx, id)
}

func (r *Registry) deleteLocked(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM reply_tokens WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("cascade token delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	r.updateSessionGauge(ctx)
	return nil
}

// CleanupExpired removes sessions past their expiry, cascading their
// tokens.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE expires_at <= ?`, r.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("scan expired sessions: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.deleteLocked(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// CleanupDead removes notify-enabled sessions whose parent process is
// gone or was replaced by a new process under the same pid. OS probes
// are slow, so the snapshot is taken under the lock, the probes run
// outside it, and only the mutation re-acquires it.
func (r *Registry) CleanupDead(ctx context.Context, prober Prober) (int, error) {
	candidates, err := r.List(ctx, ListFilter{NotifyOnly: true})
	if err != nil {
		return 0, err
	}

	var dead []string
	for _, s := range candidates {
		if s.PPID <= 0 || s.StartTime <= 0 {
			continue
		}
		if !prober.Alive(s.PPID, time.Unix(s.StartTime, 0)) {
			dead = append(dead, s.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dead {
		r.log.Info("removing dead session", "session_id", id)
		if err := r.deleteLocked(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(dead), nil
}

// --- internals ---

const selectSession = `
	SELECT session_id, ppid, pid, start_time, cwd, label, notify,
	       transport_json, state, created_at, updated_at, last_seen, expires_at
	FROM sessions`

func (r *Registry) get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, selectSession+` WHERE session_id = ?`, id)
	return scanSession(row)
}

func (r *Registry) write(ctx context.Context, s Session) error {
	transportJSON, err := json.Marshal(s.Transport)
	if err != nil {
		return fmt.Errorf("marshal transport: %w", err)
	}
	notify := 0
	if s.Notify {
		notify = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, ppid, pid, start_time, cwd, label, notify,
			transport_json, state, created_at, updated_at, last_seen, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			ppid = excluded.ppid, pid = excluded.pid, start_time = excluded.start_time,
			cwd = excluded.cwd, label = excluded.label, notify = excluded.notify,
			transport_json = excluded.transport_json, state = excluded.state,
			updated_at = excluded.updated_at, last_seen = excluded.last_seen,
			expires_at = excluded.expires_at`,
		s.ID, s.PPID, s.PID, s.StartTime, s.Cwd, s.Label, notify,
		string(transportJSON), s.State,
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(), s.LastSeen.Unix(), s.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (r *Registry) updateSessionGauge(ctx context.Context) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s                                        Session
		notify                                   int
		transportJSON                            string
		createdAt, updatedAt, lastSeen, expireAt int64
	)
	err := row.Scan(&s.ID, &s.PPID, &s.PID, &s.StartTime, &s.Cwd, &s.Label, &notify,
		&transportJSON, &s.State, &createdAt, &updatedAt, &lastSeen, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	s.Notify = notify == 1
	if err := json.Unmarshal([]byte(transportJSON), &s.Transport); err != nil {
		s.Transport = Transport{Kind: TransportUnknown}
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	s.LastSeen = time.Unix(lastSeen, 0)
	s.ExpiresAt = time.Unix(expireAt, 0)
	return s, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
