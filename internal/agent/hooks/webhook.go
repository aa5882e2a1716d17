package hooks

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/router/telegram"
)

// Direct-mode chat replies. Identical for every token failure so a
// token holder in the wrong chat learns nothing.
const (
	replyBadToken     = "Unknown or expired token."
	replyUnknownReply = "I can't route this reply anymore. Use /cmd TOKEN instead."
	replyTooLong      = "Command too long."
	helpText          = "Reply to a notification, or send /cmd TOKEN <text> to inject a command."
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// handleWebhook terminates the chat platform's webhook when the agent
// runs without a router. After the secret check it always answers
// 2xx, so the platform never retries an update the agent dropped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebhookSecret != "" && !equalConstantTime(r.Header.Get(secretHeader), s.opts.WebhookSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.log.Warn("undecodable webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.routeUpdate(r.Context(), &update)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) routeUpdate(ctx context.Context, u *tgbotapi.Update) {
	if !s.seen.first(int64(u.UpdateID)) {
		metrics.WebhookUpdatesTotal.WithLabelValues("duplicate").Inc()
		return
	}

	in := telegram.Classify(u)
	if in.Kind == telegram.KindIgnored {
		metrics.WebhookUpdatesTotal.WithLabelValues("ignored").Inc()
		return
	}
	if !allowed(s.opts.AllowedChatIDs, in.ChatID) || !allowed(s.opts.AllowedUserIDs, in.UserID) {
		metrics.WebhookUpdatesTotal.WithLabelValues("disallowed").Inc()
		s.log.Warn("update from disallowed sender", "chat_id", in.ChatID, "user_id", in.UserID)
		return
	}

	switch in.Kind {
	case telegram.KindCallback:
		if in.Text == "help" {
			s.answerCallback(ctx, in.CallbackID, "")
			s.replyToChat(ctx, in.ChatID, helpText)
			return
		}
		if s.injectLocal(ctx, in.ChatID, in.Token, in.Text) {
			s.answerCallback(ctx, in.CallbackID, "Sent")
			if in.MessageID != 0 && s.opts.Chat.Capabilities().CanEdit {
				_ = s.opts.Chat.EditText(ctx, in.ChatID, in.MessageID, "→ "+in.Text+" sent")
			}
		} else {
			s.answerCallback(ctx, in.CallbackID, "Failed")
		}

	case telegram.KindTokenCommand:
		s.injectLocal(ctx, in.ChatID, in.Token, in.Text)

	case telegram.KindReply:
		token, err := s.opts.Registry.TakeReplyKey(ctx, in.ChatID, int64(in.ReplyToMessageID))
		if err != nil {
			metrics.WebhookUpdatesTotal.WithLabelValues("unroutable").Inc()
			s.replyToChat(ctx, in.ChatID, replyUnknownReply)
			return
		}
		s.injectLocal(ctx, in.ChatID, token, in.Text)
	}
}

// injectLocal validates the token and delivers the command straight
// into the terminal, with no durable queue in between: in direct mode
// the sender is watching the chat and simply retries.
func (s *Server) injectLocal(ctx context.Context, chatID int64, token, text string) bool {
	rt, err := s.opts.Registry.ValidateToken(ctx, token, chatID)
	if err != nil {
		metrics.WebhookUpdatesTotal.WithLabelValues("bad_token").Inc()
		s.replyToChat(ctx, chatID, replyBadToken)
		return false
	}
	if len(text) > s.opts.MaxCommandBytes {
		s.replyToChat(ctx, chatID, replyTooLong)
		return false
	}

	sess, err := s.opts.Registry.Get(ctx, rt.SessionID)
	if err != nil {
		s.replyToChat(ctx, chatID, replyBadToken)
		return false
	}
	res := s.opts.Injector.Deliver(ctx, sess.Transport, text)
	if !res.OK {
		s.log.Warn("local injection failed", "session_id", sess.ID, "error", res.Err)
		s.replyToChat(ctx, chatID, "Delivery failed: "+res.Err.Error())
		return false
	}
	metrics.WebhookUpdatesTotal.WithLabelValues("routed").Inc()
	_ = s.opts.Registry.Touch(ctx, sess.ID)
	return true
}

func (s *Server) replyToChat(ctx context.Context, chatID int64, text string) {
	if _, err := s.opts.Chat.SendText(ctx, chatID, text, nil); err != nil {
		s.log.Warn("chat reply failed", "chat_id", chatID, "error", err)
	}
}

func (s *Server) answerCallback(ctx context.Context, callbackID, text string) {
	if err := s.opts.Chat.AnswerCallback(ctx, callbackID, text); err != nil {
		s.log.Debug("answer callback failed", "error", err)
	}
}

// allowed implements the fail-closed allowlist: an empty list permits
// nothing.
func allowed(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func equalConstantTime(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// seenUpdates is a small in-memory dedup window for webhook update
// ids. Direct mode has no durable queue to protect, so memory-only is
// enough: a restart at worst re-runs one update.
type seenUpdates struct {
	mu     sync.Mutex
	ids    map[int64]time.Time
	maxAge time.Duration
	lastGC time.Time
}

func newSeenUpdates() *seenUpdates {
	return &seenUpdates{
		ids:    make(map[int64]time.Time),
		maxAge: time.Hour,
	}
}

func (s *seenUpdates) first(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastGC) > s.maxAge {
		for k, t := range s.ids {
			if now.Sub(t) > s.maxAge {
				delete(s.ids, k)
			}
		}
		s.lastGC = now
	}
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = now
	return true
}
