// Package hooks is the agent's loopback HTTP surface. Shell hooks
// installed into the AI tool call it on session start, stop, and
// heartbeat; local CLIs use it to inspect and manage sessions. In
// direct mode it also terminates the chat platform's webhook.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/termrelay/termrelay/internal/agent/inject"
	"github.com/termrelay/termrelay/internal/agent/notify"
	"github.com/termrelay/termrelay/internal/agent/proc"
	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/agent/routerapi"
	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/router/telegram"
)

// Injector delivers text into a session terminal (direct mode only).
type Injector interface {
	Deliver(ctx context.Context, t registry.Transport, text string) inject.Result
}

// Options wires the server. Router and the webhook fields are
// mutually exclusive: a routed agent never exposes a webhook.
type Options struct {
	Registry  *registry.Registry
	Notifier  *notify.Notifier
	Router    *routerapi.Client // nil in direct mode
	MachineID string

	// Direct mode.
	Chat            telegram.Chat
	Injector        Injector
	WebhookSecret   string
	AllowedChatIDs  []int64
	AllowedUserIDs  []int64
	MaxCommandBytes int
}

// Server handles loopback requests.
type Server struct {
	opts Options
	log  *slog.Logger

	seen *seenUpdates
}

// New creates the hook server.
func New(opts Options) *Server {
	if opts.MaxCommandBytes <= 0 {
		opts.MaxCommandBytes = 10240
	}
	return &Server{
		opts: opts,
		log:  logging.Component("hooks"),
		seen: newSeenUpdates(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session-start", s.handleSessionStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /session-end", s.handleSessionEnd)
	mux.HandleFunc("POST /sessions/enable-notify", s.handleEnableNotify)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /tokens/validate", s.handleValidateToken)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Router == nil && s.opts.Chat != nil {
		mux.HandleFunc("POST /webhook", s.handleWebhook)
	}
	return logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))
}

// sessionPayload is the shared request shape for start and
// enable-notify hooks. Either session_id or ppid identifies the
// session; transport fields are optional.
type sessionPayload struct {
	SessionID string              `json:"session_id"`
	PPID      int                 `json:"ppid"`
	PID       int                 `json:"pid"`
	Cwd       string              `json:"cwd"`
	Label     string              `json:"label"`
	Event     string              `json:"event"`
	Summary   string              `json:"summary"`
	Transport *registry.Transport `json:"transport"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionPayload
	if !readJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	sess := registry.Session{
		ID:    req.SessionID,
		PPID:  req.PPID,
		PID:   req.PID,
		Cwd:   req.Cwd,
		Label: req.Label,
	}
	if req.Transport != nil {
		sess.Transport = *req.Transport
	}
	// The parent's start time is the liveness discriminator for the
	// dead-session sweep. Best effort: a failed probe leaves it zero
	// and the sweep skips the session.
	if req.PPID > 0 {
		if st, err := proc.StartTime(req.PPID); err == nil {
			sess.StartTime = st.Unix()
		}
	}

	out, err := s.opts.Registry.Upsert(r.Context(), sess)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": toInfo(out)})
}

// handleStop fires when a session finishes a turn and waits for
// input. The session stays registered; the response tells the hook
// whether a chat message actually went out.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req sessionPayload
	if !readJSON(w, r, &req) {
		return
	}
	sess, err := s.resolve(r.Context(), req.SessionID, req.PPID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notified": false})
		return
	}
	_ = s.opts.Registry.Touch(r.Context(), sess.ID)

	event := req.Event
	if event == "" {
		event = "stop"
	}
	notified, err := s.opts.Notifier.Notify(r.Context(), sess, event, req.Summary)
	if err != nil {
		s.log.Error("notify failed", "session_id", sess.ID, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "notified": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notified": notified})
}

// handleSessionEnd fires when the hooked process exits. The session is
// marked stopped but its row survives, so a late /stop notification or
// a queued command failure still resolves the session by id.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionPayload
	if !readJSON(w, r, &req) {
		return
	}
	sess, err := s.resolve(r.Context(), req.SessionID, req.PPID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": false})
		return
	}
	if err := s.opts.Registry.Stop(r.Context(), sess.ID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": true})
}

func (s *Server) handleEnableNotify(w http.ResponseWriter, r *http.Request) {
	var req sessionPayload
	if !readJSON(w, r, &req) {
		return
	}
	sess, err := s.resolve(r.Context(), req.SessionID, req.PPID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	out, err := s.opts.Registry.EnableNotify(r.Context(), sess.ID, req.Label, req.Transport)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// In router mode the router needs the session on file before it
	// can route commands at this machine.
	if s.opts.Router != nil {
		if err := s.opts.Router.RegisterSession(r.Context(), out.ID, out.Label); err != nil {
			s.log.Warn("router registration failed", "session_id", out.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": toInfo(out)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f := registry.ListFilter{
		ActiveOnly: r.URL.Query().Get("active") == "1",
		NotifyOnly: r.URL.Query().Get("notify") == "1",
	}
	sessions, err := s.opts.Registry.List(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toInfo(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Registry.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toInfo(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Registry.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if s.opts.Router != nil {
		if err := s.opts.Router.UnregisterSession(r.Context(), id); err != nil {
			s.log.Warn("router unregistration failed", "session_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Registry.Touch(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	rt, err := s.opts.Registry.ValidateToken(r.Context(), req.Token, req.ChatID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "session_id": rt.SessionID})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	expired, err := s.opts.Registry.CleanupExpired(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	dead, err := s.opts.Registry.CleanupDead(ctx, proc.SystemProber{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	tokens, _ := s.opts.Registry.CleanupExpiredTokens(ctx)
	keys, _ := s.opts.Registry.CleanupExpiredReplyKeys(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "expired": expired, "dead": dead,
		"tokens": tokens, "reply_keys": keys,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolve finds a session by id, or by parent pid for hooks that only
// know their ppid.
func (s *Server) resolve(ctx context.Context, id string, ppid int) (registry.Session, error) {
	if id != "" {
		return s.opts.Registry.Get(ctx, id)
	}
	if ppid > 0 {
		return s.opts.Registry.GetByParentPID(ctx, ppid)
	}
	return registry.Session{}, registry.ErrNotFound
}

type sessionInfo struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	State     string `json:"state"`
	Notify    bool   `json:"notify"`
	Transport string `json:"transport"`
	LastSeen  int64  `json:"last_seen"`
}

func toInfo(s registry.Session) sessionInfo {
	return sessionInfo{
		SessionID: s.ID,
		Label:     s.Label,
		Cwd:       s.Cwd,
		State:     s.State,
		Notify:    s.Notify,
		Transport: s.Transport.Kind,
		LastSeen:  s.LastSeen.Unix(),
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
