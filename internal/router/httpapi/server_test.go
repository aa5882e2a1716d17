package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/termrelay/termrelay/internal/router/db"
	"github.com/termrelay/termrelay/internal/router/machinemgr"
	"github.com/termrelay/termrelay/internal/router/relay"
	"github.com/termrelay/termrelay/internal/router/telegram"
	"github.com/termrelay/termrelay/internal/util/testutil"
	"github.com/termrelay/termrelay/internal/wire"
)

type fakeChat struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChat) Capabilities() telegram.Capabilities {
	return telegram.Capabilities{CanEdit: true, CanButtons: true}
}

func (f *fakeChat) SendText(_ context.Context, _ int64, text string, _ [][]telegram.Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return len(f.sent), nil
}

func (f *fakeChat) EditText(context.Context, int64, int, string) error   { return nil }
func (f *fakeChat) AnswerCallback(context.Context, string, string) error { return nil }

type fixture struct {
	srv      *httptest.Server
	machines *machinemgr.Manager
	chat     *fakeChat
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	machines := machinemgr.New()
	chat := &fakeChat{}
	rl := relay.New(db.NewStore(sqlDB), machines, chat, relay.Options{
		AllowedChatIDs:      []int64{42},
		AllowedUserIDs:      []int64{7},
		MaxCommandBytes:     10240,
		MaxQueuePerMachine:  100,
		MaxTotalSessions:    1000,
		SessionTTL:          24 * time.Hour,
		SeenUpdateRetention: time.Hour,
	})

	api := New(rl, machines, "key-1", "hook-secret", "/webhook")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, machines: machines, chat: chat}
}

func (f *fixture) request(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIRequiresBearerKey(t *testing.T) {
	f := newFixture(t)

	body := map[string]string{"session_id": "s1", "machine_id": "m1"}
	resp := f.request(t, http.MethodPost, "/api/sessions/register", "", body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/sessions/register", "wrong", body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/sessions/register", "key-1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookSecretEnforced(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"update_id": 1}`)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(secretHeader, "hook-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDuplexRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	wsURL := strings.Replace(f.srv.URL, "http://", "ws://", 1) + "/ws?machine_id=m1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wire.Subprotocol, wire.CredentialPrefix + "wrong"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDuplexPingPongAndDelivery(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A session on m1 with a queued command, enqueued while offline.
	f.request(t, http.MethodPost, "/api/sessions/register", "key-1",
		map[string]string{"session_id": "s1", "machine_id": "m1"})
	resp := f.request(t, http.MethodPost, "/api/notify", "key-1", map[string]any{
		"session_id": "s1", "chat_id": 42, "text": "waiting",
		"reply_token": "tok_aaaaaaaa", "token_ttl_seconds": 3600,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var notifyResp struct {
		MessageID int `json:"message_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notifyResp))

	hook := map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id":       901,
			"from":             map[string]any{"id": 7},
			"chat":             map[string]any{"id": 42},
			"text":             "continue",
			"reply_to_message": map[string]any{"message_id": notifyResp.MessageID},
		},
	}
	payload, err := json.Marshal(hook)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(secretHeader, "hook-secret")
	hookResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	hookResp.Body.Close()
	require.Equal(t, http.StatusOK, hookResp.StatusCode)

	// The machine connects; auth via subprotocol offer.
	wsURL := strings.Replace(f.srv.URL, "http://", "ws://", 1) + "/ws?machine_id=m1"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wire.Subprotocol, wire.CredentialPrefix + "key-1"},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Equal(t, wire.Subprotocol, conn.Subprotocol())

	testutil.RequireEventually(t, func() bool { return f.machines.IsOnline("m1") })

	// The queued command is flushed on connect.
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	frame, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeCommand, frame.Type)
	require.Equal(t, "s1", frame.SessionID)
	require.Equal(t, "continue", frame.Command)

	// Ack it, then verify the heartbeat round trip.
	ack, err := wire.Encode(wire.Ack(frame.CommandID))
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, ack))

	ping, err := wire.Encode(wire.Ping())
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, ping))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	frame, err = wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypePong, frame.Type)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
