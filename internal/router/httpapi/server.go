// Package httpapi exposes the router's HTTP surface: the agent-facing
// JSON API, the chat-platform webhook, and the duplex WebSocket
// upgrade endpoint.
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/router/machinemgr"
	"github.com/termrelay/termrelay/internal/router/relay"
	"github.com/termrelay/termrelay/internal/router/telegram"
	"github.com/termrelay/termrelay/internal/wire"
)

// secretHeader is the platform-side validation header Telegram echoes
// back on every webhook delivery.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// API wires the relay into HTTP handlers.
type API struct {
	relay    *relay.Relay
	machines *machinemgr.Manager

	apiKey        string
	webhookSecret string
	webhookPath   string

	log *slog.Logger
}

// New creates the HTTP API.
func New(rl *relay.Relay, machines *machinemgr.Manager, apiKey, webhookSecret, webhookPath string) *API {
	return &API{
		relay:         rl,
		machines:      machines,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		webhookPath:   webhookPath,
		log:           logging.Component("httpapi"),
	}
}

// Handler builds the router's full handler chain.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions/register", a.auth(a.handleRegister))
	mux.HandleFunc("POST /api/sessions/unregister", a.auth(a.handleUnregister))
	mux.HandleFunc("GET /api/sessions", a.auth(a.handleListSessions))
	mux.HandleFunc("POST /api/notify", a.auth(a.handleNotify))
	mux.HandleFunc("POST /api/cleanup", a.auth(a.handleCleanup))

	mux.HandleFunc("POST "+a.webhookPath, a.handleWebhook)
	mux.HandleFunc("GET /ws", a.handleDuplex)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "machines": a.machines.Count()})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))
}

// --- auth ---

// auth enforces the shared bearer key on agent-facing endpoints.
func (a *API) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !equalConstantTime(token, a.apiKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// equalConstantTime compares secrets without leaking length or prefix
// timing. Both sides are hashed first so inputs of different lengths
// still take the same time.
func equalConstantTime(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// --- agent-facing JSON API ---

type registerRequest struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	Label     string `json:"label,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !readJSON(w, r, &req) {
		return
	}
	err := a.relay.RegisterSession(r.Context(), req.SessionID, req.MachineID, req.Label)
	switch {
	case errors.Is(err, relay.ErrSessionLimit):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "session-limit-reached"})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := a.relay.UnregisterSession(r.Context(), req.SessionID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sessionInfo struct {
	SessionID string    `json:"session_id"`
	MachineID string    `json:"machine_id"`
	Label     string    `json:"label,omitempty"`
	Online    bool      `json:"online"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.relay.ListSessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo{
			SessionID: s.SessionID,
			MachineID: s.MachineID,
			Label:     s.Label,
			Online:    a.machines.IsOnline(s.MachineID),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// notifyRequest mirrors relay.NotifyRequest on the wire.
type notifyRequest struct {
	SessionID       string `json:"session_id"`
	ChatID          int64  `json:"chat_id"`
	Text            string `json:"text"`
	Token           string `json:"reply_token,omitempty"`
	TokenTTLSeconds int64  `json:"token_ttl_seconds,omitempty"`
	Event           string `json:"event,omitempty"`
	Summary         string `json:"summary,omitempty"`
	Buttons         [][]struct {
		Text string `json:"text"`
		Data string `json:"data"`
	} `json:"buttons,omitempty"`
}

func (a *API) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !readJSON(w, r, &req) {
		return
	}

	var buttons [][]telegram.Button
	for _, row := range req.Buttons {
		var out []telegram.Button
		for _, b := range row {
			out = append(out, telegram.Button{Text: b.Text, Data: b.Data})
		}
		buttons = append(buttons, out)
	}

	msgID, err := a.relay.SendNotification(r.Context(), relay.NotifyRequest{
		SessionID: req.SessionID,
		ChatID:    req.ChatID,
		Text:      req.Text,
		Buttons:   buttons,
		Token:     req.Token,
		TokenTTL:  time.Duration(req.TokenTTLSeconds) * time.Second,
		Event:     req.Event,
		Summary:   req.Summary,
	})
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session-not-found"})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message_id": msgID})
	}
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	a.relay.Cleanup(r.Context())
	a.relay.RetrySweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- webhook ---

// handleWebhook validates the platform secret and routes the update.
// After the secret check it always answers 2xx, so the platform never
// retries an update the relay chose to drop.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if a.webhookSecret != "" && !equalConstantTime(r.Header.Get(secretHeader), a.webhookSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		a.log.Warn("undecodable webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	a.relay.HandleUpdate(r.Context(), &update)
	w.WriteHeader(http.StatusOK)
}

// --- duplex channel ---

// handleDuplex upgrades a machine agent's WebSocket. The shared key
// travels either in an Authorization header or, where the dialing
// transport cannot set headers, as a subprotocol offer of the form
// "termrelay.auth.<key>". Auth is decided before the upgrade is
// accepted.
func (a *API) handleDuplex(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		http.Error(w, "machine_id is required", http.StatusBadRequest)
		return
	}

	if !a.duplexAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wire.Subprotocol},
	})
	if err != nil {
		a.log.Debug("duplex accept failed", "machine_id", machineID, "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	conn := &machinemgr.Conn{MachineID: machineID, WS: ws}
	a.machines.Register(conn)
	defer func() {
		if a.machines.Unregister(machineID, conn) {
			a.log.Info("machine disconnected", "machine_id", machineID)
		}
	}()

	a.log.Info("machine connected", "machine_id", machineID)

	ctx := r.Context()
	a.relay.MachineConnected(ctx, conn)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			a.log.Warn("undecodable frame", "machine_id", machineID, "error", err)
			continue
		}
		switch frame.Type {
		case wire.TypePing:
			if err := conn.Send(ctx, wire.Pong()); err != nil {
				return
			}
		case wire.TypeAck:
			a.relay.HandleAck(ctx, machineID, frame.CommandID)
		case wire.TypeCommandResult:
			a.relay.HandleCommandResult(ctx, machineID, frame)
		case wire.TypeAuth, "":
			// Credential already checked during the handshake; empty
			// frames are zero-value binary payloads.
		default:
			a.log.Debug("unrecognized frame type", "machine_id", machineID, "type", frame.Type)
		}
	}
}

func (a *API) duplexAuthorized(r *http.Request) bool {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return equalConstantTime(token, a.apiKey)
	}
	for _, line := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, offer := range strings.Split(line, ",") {
			if cred, ok := strings.CutPrefix(strings.TrimSpace(offer), wire.CredentialPrefix); ok {
				return equalConstantTime(cred, a.apiKey)
			}
		}
	}
	return false
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Shutdown gracefully stops an http.Server with a bounded deadline.
func Shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
