package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/forensync/internal/session"
)

// echoServer upgrades /network/ws/{id} and writes back whatever frames the
// test queues, recording the token each connection presented.
type echoServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	outbound chan string

	mu     sync.Mutex
	tokens []string
}

func newEchoServer(t *testing.T) *echoServer {
	s := &echoServer{outbound: make(chan string, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(TokenParam)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.tokens = append(s.tokens, token)
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain reads so close frames from the client are processed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case msg := <-s.outbound:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			case <-closed:
				return
			case <-time.After(2 * time.Second):
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func TestGorillaDialer_RoundTrip(t *testing.T) {
	server := newEchoServer(t)
	target, err := AnalysisTarget(DomainNetwork, "7")
	require.NoError(t, err)

	ch := NewChannel(Options{
		Target:  target,
		BaseURL: server.wsURL(),
		Session: session.NewMemoryProvider("live-token"),
		Dialer:  NewGorillaDialer(GorillaOptions{HandshakeTimeout: time.Second, ReadLimit: 1 << 20}),
		Logger:  zaptest.NewLogger(t),
	})

	received := make(chan map[string]any, 1)
	ch.Subscribe(func(env Envelope) {
		if env.Type != TypeUpdate {
			return
		}
		data, err := Decode[map[string]any](env)
		if assert.NoError(t, err) {
			received <- data
		}
	})
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	server.outbound <- `{"type":"update","data":{"connections":[{"src":"10.0.0.1","dst":"10.0.0.2","bytes":1500}],"status":"running"}}`

	want := map[string]any{
		"connections": []any{map[string]any{"src": "10.0.0.1", "dst": "10.0.0.2", "bytes": 1500.0}},
		"status":      "running",
	}
	select {
	case got := <-received:
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("update body mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	server.mu.Lock()
	assert.Equal(t, []string{"live-token"}, server.tokens)
	server.mu.Unlock()
}

func TestGorillaDialer_RejectedHandshake(t *testing.T) {
	server := newEchoServer(t)
	d := NewGorillaDialer(GorillaOptions{HandshakeTimeout: time.Second})

	_, err := d.Dial(context.Background(), server.wsURL()+"/network/ws/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
