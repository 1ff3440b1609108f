package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"magical-music-backend/internal/auth"
	"magical-music-backend/internal/metrics"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	opts.Log = zaptest.NewLogger(t)
	h := NewHub(opts)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid := r.Header.Get("X-Test-User"); uid != "" {
				r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{UserID: uid}))
			}
			next.ServeHTTP(w, r)
		})
	})
	Attach(r, h)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// next reads frames until one with the wanted event arrives.
func next(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event {
			return f.Data
		}
	}
}

func TestHub_PresenceFlow(t *testing.T) {
	m := metrics.New()
	h, url := newTestHub(t, Options{Metrics: m})

	alice := dial(t, url, nil)
	send(t, alice, EventUserConnected, map[string]string{"userId": "alice"})

	var online []string
	require.NoError(t, json.Unmarshal(next(t, alice, EventUsersOnline), &online))
	assert.Equal(t, []string{"alice"}, online)

	bob := dial(t, url, nil)
	send(t, bob, EventUserConnected, map[string]string{"userId": "bob"})

	var joined string
	require.NoError(t, json.Unmarshal(next(t, alice, EventUserConnected), &joined))
	assert.Equal(t, "bob", joined)
	assert.Equal(t, []string{"alice", "bob"}, h.Online())

	send(t, bob, EventUpdateActivity, map[string]string{"userId": "bob", "activity": "Playing Song"})
	var act Activity
	require.NoError(t, json.Unmarshal(next(t, alice, EventActivityUpdated), &act))
	assert.Equal(t, Activity{UserID: "bob", Activity: "Playing Song"}, act)

	send(t, alice, EventSendMessage, map[string]string{"receiverId": "bob", "content": "hi"})
	var got Message
	require.NoError(t, json.Unmarshal(next(t, bob, EventReceiveMessage), &got))
	assert.Equal(t, Message{SenderID: "alice", ReceiverID: "bob", Content: "hi"}, got)
	next(t, alice, EventMessageSent)

	require.NoError(t, bob.Close())
	var left string
	require.NoError(t, json.Unmarshal(next(t, alice, EventUserDisconnected), &left))
	assert.Equal(t, "bob", left)
}

func TestHub_ReannounceReleasesPreviousID(t *testing.T) {
	h, url := newTestHub(t, Options{})

	watcher := dial(t, url, nil)
	send(t, watcher, EventUserConnected, map[string]string{"userId": "watcher"})
	next(t, watcher, EventUsersOnline)

	conn := dial(t, url, nil)
	send(t, conn, EventUserConnected, map[string]string{"userId": "u1"})
	next(t, conn, EventUsersOnline)
	send(t, conn, EventUserConnected, map[string]string{"userId": "u2"})

	var online []string
	require.NoError(t, json.Unmarshal(next(t, conn, EventUsersOnline), &online))
	assert.ElementsMatch(t, []string{"watcher", "u2"}, online)

	var left string
	require.NoError(t, json.Unmarshal(next(t, watcher, EventUserDisconnected), &left))
	assert.Equal(t, "u1", left)
	assert.ErrorIs(t, h.Emit("u1", EventReceiveMessage, "hi"), ErrUserOffline)

	require.NoError(t, conn.Close())
	require.NoError(t, json.Unmarshal(next(t, watcher, EventUserDisconnected), &left))
	assert.Equal(t, "u2", left)
	assert.Equal(t, []string{"watcher"}, h.Online())

	require.NoError(t, watcher.Close())
	assert.Eventually(t, func() bool { return len(h.Online()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_VerifiedIdentityWins(t *testing.T) {
	h, url := newTestHub(t, Options{})

	conn := dial(t, url, http.Header{"X-Test-User": []string{"user_real"}})
	send(t, conn, EventUserConnected, map[string]string{"userId": "someone_else"})
	next(t, conn, EventUsersOnline)

	assert.Equal(t, []string{"user_real"}, h.Online())
}

func TestHub_Emit(t *testing.T) {
	h, url := newTestHub(t, Options{})

	assert.ErrorIs(t, h.Emit("ghost", "ping", nil), ErrUserOffline)

	conn := dial(t, url, nil)
	send(t, conn, EventUserConnected, map[string]string{"userId": "carol"})
	next(t, conn, EventUsersOnline)

	require.NoError(t, h.Emit("carol", "song_added", map[string]string{"title": "Intro"}))
	var payload map[string]string
	require.NoError(t, json.Unmarshal(next(t, conn, "song_added"), &payload))
	assert.Equal(t, "Intro", payload["title"])
}

func TestHub_CheckOrigin(t *testing.T) {
	_, url := newTestHub(t, Options{CheckOrigin: func(o string) bool { return o == "https://app.example" }})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dial(t, url, http.Header{"Origin": []string{"https://app.example"}})
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	h, url := newTestHub(t, Options{})
	conn := dial(t, url, nil)
	send(t, conn, EventUserConnected, map[string]string{"userId": "dave"})
	next(t, conn, EventUsersOnline)

	done := make(chan struct{})
	go func() {
		_ = h.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}
	assert.ErrorIs(t, h.Emit("dave", "x", nil), ErrHubClosed)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}
