package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgUpdate(chatID, userID int64, text string) *tgbotapi.Update {
	return &tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: chatID},
			From: &tgbotapi.User{ID: userID},
			Text: text,
		},
	}
}

func TestClassifyCmdToken(t *testing.T) {
	in := Classify(msgUpdate(10, 20, "/cmd abcdef_12345 git status"))
	require.Equal(t, KindTokenCommand, in.Kind)
	assert.Equal(t, "abcdef_12345", in.Token)
	assert.Equal(t, "git status", in.Text)
	assert.Equal(t, int64(10), in.ChatID)
	assert.Equal(t, int64(20), in.UserID)
}

func TestClassifyBareToken(t *testing.T) {
	in := Classify(msgUpdate(10, 20, "abcdef_12345 continue please"))
	require.Equal(t, KindTokenCommand, in.Kind)
	assert.Equal(t, "abcdef_12345", in.Token)
	assert.Equal(t, "continue please", in.Text)
}

func TestClassifyBareTokenNeedsBody(t *testing.T) {
	// A lone token-shaped word with no command text is not routable.
	in := Classify(msgUpdate(10, 20, "abcdef_12345"))
	assert.Equal(t, KindIgnored, in.Kind)
}

func TestClassifyReply(t *testing.T) {
	u := msgUpdate(10, 20, "continue")
	u.Message.ReplyToMessage = &tgbotapi.Message{MessageID: 77}
	in := Classify(u)
	require.Equal(t, KindReply, in.Kind)
	assert.Equal(t, 77, in.ReplyToMessageID)
	assert.Equal(t, "continue", in.Text)
}

func TestClassifyReplyWordsNotTokens(t *testing.T) {
	// Reply text that happens to look like "TOKEN rest" must stay a
	// reply, not a bare-token command.
	u := msgUpdate(10, 20, "considering the logs look fine")
	u.Message.ReplyToMessage = &tgbotapi.Message{MessageID: 5}
	in := Classify(u)
	assert.Equal(t, KindReply, in.Kind)
}

func TestClassifyCmdBeatsReplyContext(t *testing.T) {
	u := msgUpdate(10, 20, "/cmd tok_12345678 run tests")
	u.Message.ReplyToMessage = &tgbotapi.Message{MessageID: 5}
	in := Classify(u)
	require.Equal(t, KindTokenCommand, in.Kind)
	assert.Equal(t, "tok_12345678", in.Token)
}

func TestClassifyCallback(t *testing.T) {
	u := &tgbotapi.Update{
		UpdateID: 2,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb1",
			From: &tgbotapi.User{ID: 20},
			Message: &tgbotapi.Message{
				MessageID: 33,
				Chat:      &tgbotapi.Chat{ID: 10},
			},
			Data: "cmd:tok_12345678:continue",
		},
	}
	in := Classify(u)
	require.Equal(t, KindCallback, in.Kind)
	assert.Equal(t, "tok_12345678", in.Token)
	assert.Equal(t, "continue", in.Text)
	assert.Equal(t, "cb1", in.CallbackID)
	assert.Equal(t, 33, in.MessageID)
}

func TestClassifyPersonalCallback(t *testing.T) {
	u := &tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb2",
			From:    &tgbotapi.User{ID: 20},
			Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 10}},
			Data:    "personal:tok_12345678",
		},
	}
	in := Classify(u)
	require.Equal(t, KindCallback, in.Kind)
	assert.Equal(t, "help", in.Text)
}

func TestClassifyGarbageCallback(t *testing.T) {
	u := &tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb3",
			From:    &tgbotapi.User{ID: 20},
			Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 10}},
			Data:    "cmd:short:x",
		},
	}
	assert.Equal(t, KindIgnored, Classify(u).Kind)
}

func TestClassifyTokenLengthBounds(t *testing.T) {
	// 7 chars: too short. 30 chars: accepted. 31: too long.
	assert.Equal(t, KindIgnored, Classify(msgUpdate(1, 1, "abc_123 x")).Kind)

	tok30 := "a23456789012345678901234567890"
	in := Classify(msgUpdate(1, 1, tok30+" x"))
	require.Equal(t, KindTokenCommand, in.Kind)

	assert.Equal(t, KindIgnored, Classify(msgUpdate(1, 1, tok30+"1 x")).Kind)
}

func TestClassifyIgnored(t *testing.T) {
	assert.Equal(t, KindIgnored, Classify(&tgbotapi.Update{UpdateID: 3}).Kind)
	assert.Equal(t, KindIgnored, Classify(msgUpdate(1, 1, "hello there")).Kind)
}
