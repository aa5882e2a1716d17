// Package relay is the router's orchestrator: it owns the
// session→machine map, the durable per-machine command queue, and the
// routing of chat replies back into terminal sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/termrelay/termrelay/internal/id"
	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/router/db"
	"github.com/termrelay/termrelay/internal/router/machinemgr"
	"github.com/termrelay/termrelay/internal/router/telegram"
	"github.com/termrelay/termrelay/internal/wire"
)

// Errors surfaced to the HTTP layer.
var (
	ErrSessionLimit    = errors.New("session limit reached")
	ErrSessionNotFound = errors.New("session not found")
)

// User-visible chat replies. Deliberately concise, and identical for
// "token does not exist" and "token bound to another chat" so a token
// holder in the wrong chat learns nothing.
const (
	replyBadToken     = "Unknown or expired token."
	replyUnknownReply = "I can't route this reply anymore. Use /cmd TOKEN instead."
	replySessionGone  = "That session is no longer registered."
	replyQueueFull    = "Command queue for that machine is full. Try again later."
	helpText          = "Reply to a notification, or send /cmd TOKEN <text> to inject a command."
)

// sentRetryThreshold is how long a sent entry may stay un-acked after
// its connection dropped before the retry sweep requeues it.
const sentRetryThreshold = 10 * time.Minute

// deadLetterAge is the maximum lifetime of a queue entry.
const deadLetterAge = 24 * time.Hour

// Options carries the relay's tunables; defaults are applied by the
// config package.
type Options struct {
	AllowedChatIDs []int64
	AllowedUserIDs []int64

	MaxCommandBytes    int
	MaxQueuePerMachine int
	MaxTotalSessions   int

	SessionTTL          time.Duration
	SeenUpdateRetention time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Relay routes between the chat provider and the connected machines.
type Relay struct {
	store    *db.Store
	machines *machinemgr.Manager
	chat     telegram.Chat
	opts     Options
	log      *slog.Logger
}

// New creates a Relay.
func New(store *db.Store, machines *machinemgr.Manager, chat telegram.Chat, opts Options) *Relay {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		store:    store,
		machines: machines,
		chat:     chat,
		opts:     opts,
		log:      logging.Component("relay"),
	}
}

// --- session map ---

// RegisterSession upserts a session→machine mapping. A soft cap on
// the total number of sessions applies to new ids only.
func (r *Relay) RegisterSession(ctx context.Context, sessionID, machineID, label string) error {
	if sessionID == "" || machineID == "" {
		return fmt.Errorf("session_id and machine_id are required")
	}
	exists, err := r.store.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		n, err := r.store.CountSessions(ctx)
		if err != nil {
			return err
		}
		if n >= r.opts.MaxTotalSessions {
			return ErrSessionLimit
		}
	}
	return r.store.UpsertSession(ctx, sessionID, machineID, label, r.opts.Now())
}

// UnregisterSession removes a session, its pending queue entries and
// any tokens bound to it.
func (r *Relay) UnregisterSession(ctx context.Context, sessionID string) error {
	if err := r.store.DeleteCommandsForSession(ctx, sessionID); err != nil {
		return err
	}
	if err := r.store.DeleteTokensForSession(ctx, sessionID); err != nil {
		return err
	}
	return r.store.DeleteSession(ctx, sessionID)
}

// ListSessions returns a snapshot of the session map.
func (r *Relay) ListSessions(ctx context.Context) ([]db.Session, error) {
	return r.store.ListSessions(ctx)
}

// --- outbound notification ---

// NotifyRequest is a notification forwarded by a machine agent.
type NotifyRequest struct {
	SessionID string
	ChatID    int64
	Text      string
	Buttons   [][]telegram.Button

	// Token binding minted by the agent; empty when the notification
	// is not replyable.
	Token    string
	TokenTTL time.Duration
	Event    string
	Summary  string
}

// SendNotification touches the session, posts the text to the chat
// platform and records the message→token binding for reply routing.
func (r *Relay) SendNotification(ctx context.Context, req NotifyRequest) (int, error) {
	now := r.opts.Now()
	if err := r.store.TouchSession(ctx, req.SessionID, now); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return 0, ErrSessionNotFound
		}
		return 0, err
	}

	buttons := req.Buttons
	if !r.chat.Capabilities().CanButtons {
		buttons = nil
	}
	msgID, err := r.chat.SendText(ctx, req.ChatID, req.Text, buttons)
	if err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("send notification: %w", err)
	}
	metrics.NotificationsSentTotal.WithLabelValues("ok").Inc()

	if req.Token != "" {
		ttl := req.TokenTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		err := r.store.InsertReplyToken(ctx, db.ReplyToken{
			Token:     req.Token,
			SessionID: req.SessionID,
			ChatID:    req.ChatID,
			Event:     req.Event,
			Summary:   req.Summary,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
		if err != nil {
			return msgID, err
		}
		if err := r.store.InsertMessage(ctx, req.ChatID, msgID, req.SessionID, req.Token, now); err != nil {
			return msgID, err
		}
	}
	return msgID, nil
}

// --- inbound webhook ---

// HandleUpdate runs the reply-path routing algorithm. It never
// returns an error to the webhook: failures are logged or surfaced as
// concise chat replies, and the platform always gets a 2xx so it does
// not retry.
func (r *Relay) HandleUpdate(ctx context.Context, u *tgbotapi.Update) {
	now := r.opts.Now()

	first, err := r.store.MarkUpdateSeen(ctx, int64(u.UpdateID), now)
	if err != nil {
		r.log.Error("webhook dedup failed", "update_id", u.UpdateID, "error", err)
		return
	}
	if !first {
		metrics.WebhookUpdatesTotal.WithLabelValues("duplicate").Inc()
		return
	}

	in := telegram.Classify(u)
	if in.Kind == telegram.KindIgnored {
		metrics.WebhookUpdatesTotal.WithLabelValues("ignored").Inc()
		return
	}

	if !allowed(r.opts.AllowedChatIDs, in.ChatID) || !allowed(r.opts.AllowedUserIDs, in.UserID) {
		metrics.WebhookUpdatesTotal.WithLabelValues("disallowed").Inc()
		r.log.Warn("update from disallowed sender", "chat_id", in.ChatID, "user_id", in.UserID)
		return
	}

	switch in.Kind {
	case telegram.KindCallback:
		r.handleCallback(ctx, in)
	case telegram.KindTokenCommand, telegram.KindReply:
		r.handleCommand(ctx, in)
	}
}

func (r *Relay) handleCallback(ctx context.Context, in telegram.Inbound) {
	if in.Text == "help" {
		r.answerCallback(ctx, in.CallbackID, "")
		r.replyToChat(ctx, in.ChatID, helpText)
		metrics.WebhookUpdatesTotal.WithLabelValues("help").Inc()
		return
	}

	ok := r.routeCommand(ctx, in.ChatID, in.Token, in.Text)
	if !ok {
		r.answerCallback(ctx, in.CallbackID, "Failed")
		return
	}
	r.answerCallback(ctx, in.CallbackID, "Sent")

	// Edit-in-place so the chat shows which button was taken.
	if in.MessageID != 0 && r.chat.Capabilities().CanEdit {
		// Best-effort: the original text is not kept, so append-only
		// edits are not possible; rewrite with a short status.
		if err := r.chat.EditText(ctx, in.ChatID, in.MessageID, "→ "+in.Text+" sent"); err != nil {
			r.log.Debug("edit after callback failed", "error", err)
		}
	}
}

func (r *Relay) handleCommand(ctx context.Context, in telegram.Inbound) {
	token := in.Token
	if in.Kind == telegram.KindReply {
		var err error
		token, err = r.store.GetMessageToken(ctx, in.ChatID, in.ReplyToMessageID)
		if err != nil {
			// Unknown message, or a reply replayed from another chat:
			// the chat_id scope in the lookup is the security boundary.
			metrics.WebhookUpdatesTotal.WithLabelValues("unroutable").Inc()
			r.replyToChat(ctx, in.ChatID, replyUnknownReply)
			return
		}
	}
	r.routeCommand(ctx, in.ChatID, token, in.Text)
}

// routeCommand validates the token and enqueues the command for the
// owning machine. Returns true when the command was accepted.
func (r *Relay) routeCommand(ctx context.Context, chatID int64, token, text string) bool {
	now := r.opts.Now()

	tok, err := r.store.GetReplyToken(ctx, token)
	if err != nil || !now.Before(tok.ExpiresAt) || tok.ChatID != chatID {
		// One message for all three failures: existence must not be
		// revealed to a different chat.
		metrics.WebhookUpdatesTotal.WithLabelValues("bad_token").Inc()
		r.replyToChat(ctx, chatID, replyBadToken)
		return false
	}

	if len(text) > r.opts.MaxCommandBytes {
		metrics.WebhookUpdatesTotal.WithLabelValues("too_long").Inc()
		r.replyToChat(ctx, chatID, fmt.Sprintf("Command too long (max %d bytes).", r.opts.MaxCommandBytes))
		return false
	}

	sess, err := r.store.GetSession(ctx, tok.SessionID)
	if err != nil {
		metrics.WebhookUpdatesTotal.WithLabelValues("session_gone").Inc()
		r.replyToChat(ctx, chatID, replySessionGone)
		return false
	}

	pending, err := r.store.CountPending(ctx, sess.MachineID)
	if err != nil {
		r.log.Error("count pending failed", "machine_id", sess.MachineID, "error", err)
		return false
	}
	if pending >= r.opts.MaxQueuePerMachine {
		metrics.WebhookUpdatesTotal.WithLabelValues("queue_full").Inc()
		r.replyToChat(ctx, chatID, replyQueueFull)
		return false
	}

	entry := db.QueueEntry{
		ID:          id.New(),
		MachineID:   sess.MachineID,
		SessionID:   sess.SessionID,
		CommandText: text,
		ChatID:      chatID,
		CreatedAt:   now,
	}
	if err := r.store.EnqueueCommand(ctx, entry); err != nil {
		r.log.Error("enqueue failed", "machine_id", sess.MachineID, "error", err)
		return false
	}
	metrics.CommandsQueuedTotal.Inc()
	metrics.WebhookUpdatesTotal.WithLabelValues("routed").Inc()

	conn := r.machines.Get(sess.MachineID)
	if conn == nil {
		r.replyToChat(ctx, chatID, "Machine is offline; command queued.")
		return true
	}
	if err := conn.Send(ctx, wire.Command(entry.ID, entry.SessionID, entry.CommandText, entry.ChatID)); err != nil {
		// Leave the entry queued: the next connect will flush it.
		r.log.Warn("immediate send failed, left queued", "machine_id", sess.MachineID, "error", err)
		return true
	}
	if err := r.store.MarkCommandSent(ctx, entry.ID, now); err != nil {
		r.log.Error("mark sent failed", "command_id", entry.ID, "error", err)
	}
	return true
}

// --- duplex events ---

// MachineConnected flushes all queued entries for the machine in FIFO
// order. A transmit failure stops the flush; later entries stay
// queued for the next connect.
func (r *Relay) MachineConnected(ctx context.Context, conn *machinemgr.Conn) {
	entries, err := r.store.ListQueued(ctx, conn.MachineID)
	if err != nil {
		r.log.Error("list queued failed", "machine_id", conn.MachineID, "error", err)
		return
	}
	for _, e := range entries {
		if err := conn.Send(ctx, wire.Command(e.ID, e.SessionID, e.CommandText, e.ChatID)); err != nil {
			r.log.Warn("flush interrupted", "machine_id", conn.MachineID, "command_id", e.ID, "error", err)
			return
		}
		if err := r.store.MarkCommandSent(ctx, e.ID, r.opts.Now()); err != nil {
			r.log.Error("mark sent failed", "command_id", e.ID, "error", err)
			return
		}
	}
	if len(entries) > 0 {
		r.log.Info("flushed queued commands", "machine_id", conn.MachineID, "count", len(entries))
	}
}

// HandleAck deletes the queue entry once the agent has durably
// persisted the command. Duplicate acks are harmless.
func (r *Relay) HandleAck(ctx context.Context, machineID, commandID string) {
	err := r.store.DeleteCommand(ctx, commandID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		r.log.Debug("ack for unknown command", "machine_id", machineID, "command_id", commandID)
	case err != nil:
		r.log.Error("delete on ack failed", "command_id", commandID, "error", err)
	default:
		metrics.CommandsAckedTotal.Inc()
	}
}

// HandleCommandResult surfaces execution failures to the originating
// chat. Successes are silent: the session's next notification is the
// signal the user cares about.
func (r *Relay) HandleCommandResult(ctx context.Context, machineID string, f wire.Frame) {
	if f.Success {
		r.log.Debug("command executed", "machine_id", machineID, "command_id", f.CommandID)
		return
	}
	r.log.Warn("command failed on machine", "machine_id", machineID, "command_id", f.CommandID, "error", f.Error)
	if f.ChatID != 0 {
		msg := "Command failed on the machine."
		if f.Error != "" {
			msg = "Command failed: " + f.Error
		}
		r.replyToChat(ctx, f.ChatID, msg)
	}
}

// --- periodic maintenance ---

// RetrySweep requeues sent-but-unacked entries for offline machines
// and dead-letters entries past their maximum lifetime. Run hourly.
func (r *Relay) RetrySweep(ctx context.Context) {
	now := r.opts.Now()

	dropped, err := r.store.DeadLetterOld(ctx, now.Add(-deadLetterAge))
	if err != nil {
		r.log.Error("dead-letter sweep failed", "error", err)
	} else if dropped > 0 {
		metrics.CommandsDeadLetteredTotal.Add(float64(dropped))
		r.log.Warn("dead-lettered stale commands", "count", dropped)
	}

	stale, err := r.store.ListMachinesWithStaleSent(ctx, now.Add(-sentRetryThreshold))
	if err != nil {
		r.log.Error("stale-sent scan failed", "error", err)
		return
	}
	for _, machineID := range stale {
		if r.machines.IsOnline(machineID) {
			continue
		}
		n, err := r.store.RequeueStaleSent(ctx, machineID, now.Add(-sentRetryThreshold))
		if err != nil {
			r.log.Error("requeue failed", "machine_id", machineID, "error", err)
			continue
		}
		if n > 0 {
			r.log.Info("requeued unacked commands", "machine_id", machineID, "count", n)
		}
	}
}

// Cleanup runs the scheduled GC over all durable tables.
func (r *Relay) Cleanup(ctx context.Context) {
	now := r.opts.Now()

	if n, err := r.store.DeleteStaleSessions(ctx, now.Add(-r.opts.SessionTTL)); err != nil {
		r.log.Error("stale session cleanup failed", "error", err)
	} else if n > 0 {
		r.log.Info("removed stale sessions", "count", n)
	}

	if _, err := r.store.DeleteExpiredTokens(ctx, now); err != nil {
		r.log.Error("token cleanup failed", "error", err)
	}
	if _, err := r.store.DeleteOldMessages(ctx, now.Add(-r.opts.SessionTTL)); err != nil {
		r.log.Error("message cleanup failed", "error", err)
	}
	if _, err := r.store.PruneSeenUpdates(ctx, now.Add(-r.opts.SeenUpdateRetention)); err != nil {
		r.log.Error("seen-update prune failed", "error", err)
	}
}

// --- helpers ---

func (r *Relay) replyToChat(ctx context.Context, chatID int64, text string) {
	if _, err := r.chat.SendText(ctx, chatID, text, nil); err != nil {
		r.log.Warn("chat reply failed", "chat_id", chatID, "error", err)
	}
}

func (r *Relay) answerCallback(ctx context.Context, callbackID, text string) {
	if err := r.chat.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Debug("answer callback failed", "error", err)
	}
}

// allowed is fail-closed: an empty allowlist admits nobody.
func allowed(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
