package telegram

import (
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind classifies an inbound update.
type Kind int

const (
	// KindIgnored covers updates the relay has no use for (joins,
	// edits, stickers, messages with no routable shape).
	KindIgnored Kind = iota
	// KindCallback is an inline-keyboard press: "cmd:<TOKEN>:<action>"
	// or "personal:<TOKEN>".
	KindCallback
	// KindTokenCommand is "/cmd <TOKEN> <text>" or the bare
	// "<TOKEN> <text>" form.
	KindTokenCommand
	// KindReply is a reply to a prior bot message with any text.
	KindReply
)

// tokenRe matches reply tokens: 8-30 URL-safe characters.
var tokenRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,30}$`)

// Inbound is a classified webhook update.
type Inbound struct {
	Kind     Kind
	UpdateID int64
	ChatID   int64
	UserID   int64

	// KindTokenCommand, KindCallback.
	Token string
	// Command body (KindTokenCommand, KindReply) or callback action
	// (KindCallback).
	Text string

	// KindReply: the bot message being replied to.
	ReplyToMessageID int

	// KindCallback.
	CallbackID string
	// MessageID of the message carrying the pressed keyboard, for
	// edit-in-place. Zero when the platform omits it.
	MessageID int
}

// Classify maps a raw Telegram update onto one of the supported
// command shapes. It performs no validation beyond shape: token
// existence, expiry and chat binding are the relay's concern.
func Classify(u *tgbotapi.Update) Inbound {
	in := Inbound{Kind: KindIgnored, UpdateID: int64(u.UpdateID)}

	if cb := u.CallbackQuery; cb != nil {
		in.CallbackID = cb.ID
		if cb.From != nil {
			in.UserID = cb.From.ID
		}
		if cb.Message != nil {
			in.ChatID = cb.Message.Chat.ID
			in.MessageID = cb.Message.MessageID
		}
		tok, action, ok := parseCallbackData(cb.Data)
		if !ok {
			return in
		}
		in.Kind = KindCallback
		in.Token = tok
		in.Text = action
		return in
	}

	msg := u.Message
	if msg == nil || msg.From == nil {
		return in
	}
	in.ChatID = msg.Chat.ID
	in.UserID = msg.From.ID

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return in
	}

	// Explicit "/cmd TOKEN text" beats everything else, including the
	// reply-to context the message may also carry.
	if rest, ok := strings.CutPrefix(text, "/cmd "); ok {
		tok, body, ok := splitToken(rest)
		if !ok {
			return in
		}
		in.Kind = KindTokenCommand
		in.Token = tok
		in.Text = body
		return in
	}

	if msg.ReplyToMessage != nil {
		in.Kind = KindReply
		in.ReplyToMessageID = msg.ReplyToMessage.MessageID
		in.Text = text
		return in
	}

	// Bare "<TOKEN> text" form: only outside a reply context, so
	// ordinary reply words are never mistaken for tokens.
	if tok, body, ok := splitToken(text); ok && body != "" {
		in.Kind = KindTokenCommand
		in.Token = tok
		in.Text = body
		return in
	}

	return in
}

// parseCallbackData understands "cmd:<TOKEN>:<action>" and
// "personal:<TOKEN>" payloads.
func parseCallbackData(data string) (token, action string, ok bool) {
	switch {
	case strings.HasPrefix(data, "cmd:"):
		parts := strings.SplitN(data, ":", 3)
		if len(parts) != 3 || !tokenRe.MatchString(parts[1]) || parts[2] == "" {
			return "", "", false
		}
		return parts[1], parts[2], true
	case strings.HasPrefix(data, "personal:"):
		tok := strings.TrimPrefix(data, "personal:")
		if !tokenRe.MatchString(tok) {
			return "", "", false
		}
		return tok, "help", true
	default:
		return "", "", false
	}
}

// splitToken splits "TOKEN rest..." when the first word looks like a
// reply token.
func splitToken(s string) (token, rest string, ok bool) {
	s = strings.TrimSpace(s)
	tok, body, _ := strings.Cut(s, " ")
	if !tokenRe.MatchString(tok) {
		return "", "", false
	}
	return tok, strings.TrimSpace(body), true
}
