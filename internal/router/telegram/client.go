// Package telegram implements the chat-provider capability on top of
// the Telegram Bot API, and classifies inbound webhook updates into
// the command shapes the relay understands.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Button is one inline-keyboard button attached to a notification.
type Button struct {
	Text string
	Data string // callback payload, e.g. "cmd:<token>:continue"
}

// Capabilities declares what a chat provider can do, so callers can
// degrade gracefully on platforms without edits or keyboards.
type Capabilities struct {
	CanEdit    bool
	CanButtons bool
}

// Chat is the provider capability the relay talks to. Implementations
// must bound every call with their own deadline; ctx is honoured where
// the underlying client allows it.
type Chat interface {
	Capabilities() Capabilities

	// SendText posts plain text (no markup parse mode, so arbitrary
	// content is safe) and returns the platform message id.
	SendText(ctx context.Context, chatID int64, text string, buttons [][]Button) (int, error)

	// EditText replaces the text of a previously sent message.
	EditText(ctx context.Context, chatID int64, messageID int, text string) error

	// AnswerCallback acknowledges an inline-keyboard press so the
	// client stops its spinner.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Client is the production Chat implementation.
type Client struct {
	bot *tgbotapi.BotAPI
}

// New creates a Telegram client. The constructor performs a getMe
// round trip, so it fails fast on a bad token.
func New(token string) (*Client, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint)
}

// NewWithEndpoint creates a client against a custom API endpoint
// (used by tests to point at a local fake).
func NewWithEndpoint(token, endpoint string) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{bot: bot}, nil
}

// Capabilities implements Chat.
func (c *Client) Capabilities() Capabilities {
	return Capabilities{CanEdit: true, CanButtons: true}
}

// SendText implements Chat. Deliberately no ParseMode: summaries and
// command output contain arbitrary bytes that would break Markdown.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, buttons [][]Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup, ok := keyboard(buttons); ok {
		msg.ReplyMarkup = markup
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return sent.MessageID, nil
}

// EditText implements Chat.
func (c *Client) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := c.bot.Request(edit); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// AnswerCallback implements Chat.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := c.bot.Request(cb); err != nil {
		return fmt.Errorf("telegram answer callback: %w", err)
	}
	return nil
}

func keyboard(buttons [][]Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		r := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			r = append(r, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, r)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
