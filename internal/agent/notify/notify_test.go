package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentdb "github.com/termrelay/termrelay/internal/agent/db"
	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/agent/routerapi"
	"github.com/termrelay/termrelay/internal/router/telegram"
)

type fakeChat struct {
	sent    []string
	buttons [][][]telegram.Button
	nextID  int
}

func (f *fakeChat) Capabilities() telegram.Capabilities {
	return telegram.Capabilities{CanEdit: true, CanButtons: true}
}

func (f *fakeChat) SendText(_ context.Context, _ int64, text string, buttons [][]telegram.Button) (int, error) {
	f.sent = append(f.sent, text)
	f.buttons = append(f.buttons, buttons)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeChat) EditText(context.Context, int64, int, string) error { return nil }
func (f *fakeChat) AnswerCallback(context.Context, string, string) error {
	return nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	sqlDB, err := agentdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, agentdb.Migrate(sqlDB))
	return registry.New(sqlDB, 24*time.Hour, 24*time.Hour)
}

func TestDirectNotifyBindsReplyKey(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Upsert(ctx, registry.Session{ID: "s1", Label: "refactor", Notify: true})
	require.NoError(t, err)

	chat := &fakeChat{}
	n := NewDirect(reg, chat, 42, 24*time.Hour)

	notified, err := n.Notify(ctx, sess, "stop", "All tests pass.")
	require.NoError(t, err)
	require.True(t, notified)
	require.Len(t, chat.sent, 1)
	require.Contains(t, chat.sent[0], "refactor")
	require.Contains(t, chat.sent[0], "All tests pass.")

	// The keyboard carries the token in its callback payloads.
	require.Len(t, chat.buttons[0], 2)
	data := chat.buttons[0][0][0].Data
	require.True(t, strings.HasPrefix(data, "cmd:"))
	token := strings.Split(data, ":")[1]

	// Replying to the sent message resolves to the same token.
	got, err := reg.TakeReplyKey(ctx, 42, int64(chat.nextID))
	require.NoError(t, err)
	require.Equal(t, token, got)

	rt, err := reg.ValidateToken(ctx, token, 42)
	require.NoError(t, err)
	require.Equal(t, "s1", rt.SessionID)
}

func TestNotifySkipsOptedOutSession(t *testing.T) {
	reg := newTestRegistry(t)
	chat := &fakeChat{}
	n := NewDirect(reg, chat, 42, 24*time.Hour)

	notified, err := n.Notify(context.Background(), registry.Session{ID: "s1"}, "stop", "")
	require.NoError(t, err)
	require.False(t, notified)
	require.Empty(t, chat.sent)
}

func TestRoutedNotifyPostsBinding(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var got routerapi.NotifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/notify", r.URL.Path)
		require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "message_id": 77})
	}))
	defer srv.Close()

	sess, err := reg.Upsert(ctx, registry.Session{ID: "s1", Notify: true})
	require.NoError(t, err)

	n := NewRouted(reg, routerapi.New(srv.URL, "key-1", "mach-1"), 42, time.Hour)
	notified, err := n.Notify(ctx, sess, "stop", "done")
	require.NoError(t, err)
	require.True(t, notified)

	require.Equal(t, "s1", got.SessionID)
	require.EqualValues(t, 42, got.ChatID)
	require.NotEmpty(t, got.Token)
	require.EqualValues(t, 3600, got.TokenTTLSeconds)
	require.Equal(t, "stop", got.Event)
	require.NotEmpty(t, got.Buttons)
}

func TestSanitizeStripsMarkupAndTruncates(t *testing.T) {
	n := NewDirect(newTestRegistry(t), &fakeChat{}, 42, time.Hour)

	require.Equal(t, "hello world", n.sanitize("<b>hello</b> <script>x()</script>world"))

	long := strings.Repeat("a", 600)
	out := n.sanitize(long)
	require.Equal(t, 501, len([]rune(out)))
	require.True(t, strings.HasSuffix(out, "…"))
}
