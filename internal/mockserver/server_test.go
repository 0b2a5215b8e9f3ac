package mockserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/forensync/internal/realtime"
)

type fixture struct {
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, err := New(Options{Secret: []byte("test-secret"), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		srv.Run(ctx)
	}()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-hubDone
		ts.Close()
	})
	return &fixture{srv: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": DefaultEmail, "password": DefaultPassword})
	require.Equal(t, http.StatusOK, status)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (f *fixture) wsURL(path, token string) string {
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": DefaultEmail, "password": DefaultPassword})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bearer", body["token_type"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, DefaultEmail, user["email"])

	status, body = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": DefaultEmail, "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Incorrect email or password", body["detail"])
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/files", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Not authenticated", body["detail"])

	status, _ = f.do(t, http.MethodGet, "/api/files", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = f.do(t, http.MethodGet, "/api/files", f.login(t), nil)
	assert.Equal(t, http.StatusOK, status)
	files, ok := body["files"].([]any)
	require.True(t, ok)
	assert.Len(t, files, 2)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg := map[string]string{"username": "jane_doe", "email": "jane@example.com", "password": "Str0ng!pass", "full_name": "Jane Doe"}

	status, body := f.do(t, http.MethodPost, "/api/auth/register", "", reg)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "User created successfully", body["message"])
	assert.NotContains(t, body, "access_token")

	status, body = f.do(t, http.MethodPost, "/api/auth/register", "", reg)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Email already registered", body["detail"])

	status, _ = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "jane@example.com", "password": "Str0ng!pass"})
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "x@example.com"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	detail, ok := body["detail"].([]any)
	require.True(t, ok)
	require.Len(t, detail, 1)
	assert.Equal(t, "field required", detail[0].(map[string]any)["msg"])
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	status, body := f.do(t, http.MethodGet, "/api/auth/verify", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, _ = f.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/api/auth/verify", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	now := time.Now()
	srv, err := New(Options{Secret: []byte("s"), TokenTTL: time.Minute, Now: func() time.Time { return now }})
	require.NoError(t, err)
	token, err := srv.IssueToken(DefaultEmail)
	require.NoError(t, err)

	_, err = srv.tokens.verify(token)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = srv.tokens.verify(token)
	assert.ErrorIs(t, err, errInvalidToken)
}

func TestAlertActions(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	status, _ := f.do(t, http.MethodPost, "/api/dashboard/alerts/a1/resolve", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := f.do(t, http.MethodGet, "/api/dashboard/stats", token, nil)
	require.Equal(t, http.StatusOK, status)
	threats := body["threats"].(map[string]any)
	assert.EqualValues(t, 1, threats["total"])

	status, body = f.do(t, http.MethodPost, "/api/dashboard/alerts/missing/acknowledge", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Alert not found", body["detail"])
}

func TestStartAnalysisValidatesKind(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	status, body := f.do(t, http.MethodPost, "/api/analysis", token, map[string]string{"file_id": "1", "type": "quantum"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.IsType(t, []any{}, body["detail"])

	status, body = f.do(t, http.MethodPost, "/api/analysis", token, map[string]string{"file_id": "1", "type": "memory"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "memory", body["type"])

	status, body = f.do(t, http.MethodGet, "/api/analysis/1", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "memory", body["type"], "status reports the newest analysis of the file")
}

func TestSocketRejectsBadTokens(t *testing.T) {
	f := newFixture(t)

	for name, token := range map[string]string{"missing": "", "invalid": "not-a-token"} {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws", token), nil)
			if conn != nil {
				conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestSocketSendsInitialDataThenPublished(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/network/ws/1", token), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := realtime.ParseEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, realtime.TypeInitialData, env.Type)
	assert.NotEmpty(t, env.Timestamp)
	initial, err := realtime.Decode[map[string]any](env)
	require.NoError(t, err)
	assert.Equal(t, "completed", initial["status"])
	assert.Equal(t, 1, f.srv.Hub().Clients("network:1"))

	require.NoError(t, f.srv.Hub().Publish("network:1", realtime.TypeUpdate, map[string]int{"progress": 90}))
	require.NoError(t, f.srv.Hub().Publish("memory:1", realtime.TypeUpdate, map[string]int{"progress": 10}))
	require.NoError(t, f.srv.Hub().PublishRaw("network:1", []byte("not json")))

	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	env, err = realtime.ParseEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, realtime.TypeUpdate, env.Type)
	assert.JSONEq(t, `{"progress":90}`, string(env.Body()))

	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "not json", string(frame), "frames are never coalesced")
}

func TestSocketUnknownDomain(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/disk/ws/1", f.login(t)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublishWithoutRun(t *testing.T) {
	srv, err := New(Options{Secret: []byte("s")})
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Hub().Publish("dashboard", realtime.TypeStats, map[string]int{}), ErrHubStopped)
}
