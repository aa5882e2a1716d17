// Package notify builds and sends the chat notification for a session
// event, minting the reply token that makes the message answerable.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/agent/routerapi"
	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/router/telegram"
)

// maxSummaryRunes caps how much session output ends up in a chat
// message.
const maxSummaryRunes = 500

// Notifier sends notifications either through the router or straight
// to the chat platform in direct mode. Exactly one of router/chat is
// set.
type Notifier struct {
	reg      *registry.Registry
	router   *routerapi.Client
	chat     telegram.Chat
	chatID   int64
	tokenTTL time.Duration
	policy   *bluemonday.Policy
	log      *slog.Logger
}

// NewRouted sends through the router, which owns the chat credentials.
func NewRouted(reg *registry.Registry, router *routerapi.Client, chatID int64, tokenTTL time.Duration) *Notifier {
	return &Notifier{
		reg:      reg,
		router:   router,
		chatID:   chatID,
		tokenTTL: tokenTTL,
		policy:   bluemonday.StrictPolicy(),
		log:      logging.Component("notify"),
	}
}

// NewDirect sends straight to the chat platform and records the
// reply-key binding locally.
func NewDirect(reg *registry.Registry, chat telegram.Chat, chatID int64, tokenTTL time.Duration) *Notifier {
	return &Notifier{
		reg:      reg,
		chat:     chat,
		chatID:   chatID,
		tokenTTL: tokenTTL,
		policy:   bluemonday.StrictPolicy(),
		log:      logging.Component("notify"),
	}
}

// Notify sends one notification for the session. Returns whether a
// message actually went out: sessions without notify enabled, or an
// agent with no destination chat, produce (false, nil).
func (n *Notifier) Notify(ctx context.Context, sess registry.Session, event, summary string) (bool, error) {
	if !sess.Notify {
		return false, nil
	}
	if n.chatID == 0 {
		n.log.Warn("notify requested but no destination chat configured", "session_id", sess.ID)
		return false, nil
	}

	tok, err := n.reg.MintToken(ctx, sess.ID, n.chatID, event, summary)
	if err != nil {
		return false, err
	}

	clean := n.sanitize(summary)
	text := buildText(sess, event, clean, tok.Token)
	buttons := keyboard(tok.Token)

	if n.router != nil {
		err = n.sendRouted(ctx, sess, event, clean, text, tok, buttons)
	} else {
		err = n.sendDirect(ctx, text, tok, buttons)
	}
	if err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("error").Inc()
		return false, err
	}
	metrics.NotificationsSentTotal.WithLabelValues("ok").Inc()
	n.log.Info("notification sent", "session_id", sess.ID, "event", event)
	return true, nil
}

func (n *Notifier) sendRouted(ctx context.Context, sess registry.Session, event, summary, text string, tok registry.ReplyToken, buttons [][]telegram.Button) error {
	var wireButtons [][]routerapi.Button
	for _, row := range buttons {
		var out []routerapi.Button
		for _, b := range row {
			out = append(out, routerapi.Button{Text: b.Text, Data: b.Data})
		}
		wireButtons = append(wireButtons, out)
	}
	_, err := n.router.Notify(ctx, routerapi.NotifyRequest{
		SessionID:       sess.ID,
		ChatID:          n.chatID,
		Text:            text,
		Token:           tok.Token,
		TokenTTLSeconds: int64(n.tokenTTL / time.Second),
		Event:           event,
		Summary:         summary,
		Buttons:         wireButtons,
	})
	return err
}

func (n *Notifier) sendDirect(ctx context.Context, text string, tok registry.ReplyToken, buttons [][]telegram.Button) error {
	msgID, err := n.chat.SendText(ctx, n.chatID, text, buttons)
	if err != nil {
		return err
	}
	// Replies to this message resolve to the token without quoting it.
	return n.reg.PutReplyKey(ctx, n.chatID, int64(msgID), tok.Token)
}

// sanitize strips any markup from session output and caps its length.
// Output from a terminal can contain arbitrary text; it is sent as
// plain text, never as platform markup.
func (n *Notifier) sanitize(s string) string {
	s = html.UnescapeString(n.policy.Sanitize(s))
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxSummaryRunes {
		s = string(runes[:maxSummaryRunes]) + "…"
	}
	return s
}

func buildText(sess registry.Session, event, summary, token string) string {
	name := sess.Label
	if name == "" {
		name = sess.ID
	}

	var b strings.Builder
	switch event {
	case "stop":
		fmt.Fprintf(&b, "✅ %s finished", name)
	case "permission":
		fmt.Fprintf(&b, "⏸ %s is waiting for permission", name)
	default:
		fmt.Fprintf(&b, "🔔 %s needs attention", name)
	}
	if sess.Cwd != "" {
		fmt.Fprintf(&b, "\n%s", sess.Cwd)
	}
	if summary != "" {
		fmt.Fprintf(&b, "\n\n%s", summary)
	}
	fmt.Fprintf(&b, "\n\nReply to this message to send a command, or use /cmd %s <text>.", token)
	return b.String()
}

func keyboard(token string) [][]telegram.Button {
	return [][]telegram.Button{
		{
			{Text: "Continue", Data: "cmd:" + token + ":continue"},
			{Text: "Stop", Data: "cmd:" + token + ":stop"},
		},
		{
			{Text: "Help", Data: "personal:" + token},
		},
	}
}
