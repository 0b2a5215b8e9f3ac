package network

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/session"
)

type fixture struct {
	client   *Client
	session  *session.MemoryProvider
	notes    *notify.Recorder
	lastReq  atomic.Pointer[http.Request]
	lastBody atomic.Pointer[[]byte]
}

func newFixture(t *testing.T, handler http.HandlerFunc, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{session: session.NewMemoryProvider(""), notes: &notify.Recorder{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.lastReq.Store(r.Clone(context.Background()))
		f.lastBody.Store(&body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	opts := Options{
		BaseURL:  server.URL + "/api",
		Session:  f.session,
		Notifier: f.notes,
		Metrics:  observability.NewMetrics(),
		Logger:   zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	f.client = client
	return f
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = NewClient(Options{BaseURL: "://bad"})
	assert.Error(t, err)
}

func TestRequest_BearerHeaderFollowsSession(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusOK, `{}`))
	ctx := context.Background()

	require.NoError(t, f.client.Request(ctx, http.MethodGet, "/files", nil, nil, nil))
	assert.Empty(t, f.lastReq.Load().Header.Get("Authorization"), "no token, no header")

	require.NoError(t, f.session.SetToken("tok-123"))
	require.NoError(t, f.client.Request(ctx, http.MethodGet, "/files", nil, nil, nil))
	assert.Equal(t, "Bearer tok-123", f.lastReq.Load().Header.Get("Authorization"))

	require.NoError(t, f.session.Clear())
	require.NoError(t, f.client.Request(ctx, http.MethodGet, "/files", nil, nil, nil))
	assert.Empty(t, f.lastReq.Load().Header.Get("Authorization"), "header must disappear after logout")
	assert.Zero(t, f.notes.Len())
}

func TestRequest_PathQueryAndJSON(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusOK, `{"id": 7, "name": "dump.pcap"}`))

	var out struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	in := map[string]string{"file_id": "7"}
	err := f.client.Request(context.Background(), http.MethodPost, "/analysis", in, url.Values{"query": {"a b"}}, &out)
	require.NoError(t, err)

	req := f.lastReq.Load()
	assert.Equal(t, "/api/analysis", req.URL.Path)
	assert.Equal(t, "a b", req.URL.Query().Get("query"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
	assert.NotEmpty(t, req.Header.Get(HeaderRequestID))
	assert.JSONEq(t, `{"file_id":"7"}`, string(*f.lastBody.Load()))
	assert.Equal(t, 7, out.ID)
	assert.Equal(t, "dump.pcap", out.Name)
}

func TestRequest_EscapedPathSegment(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusNoContent, ``))
	require.NoError(t, f.client.Request(context.Background(), http.MethodDelete, "/files/"+url.PathEscape("a/b"), nil, nil, nil))
	assert.Equal(t, "/api/files/a%2Fb", f.lastReq.Load().URL.EscapedPath())
}

func TestRequest_Multipart(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusOK, `{"id":"f1"}`))

	body := NewFileUpload("file", "capture.pcap", strings.NewReader("PCAPDATA"))
	require.NoError(t, f.client.Request(context.Background(), http.MethodPost, "/files/upload", body, nil, nil))

	req := f.lastReq.Load()
	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)
	require.NotEmpty(t, params["boundary"])

	reader := multipart.NewReader(strings.NewReader(string(*f.lastBody.Load())), params["boundary"])
	part, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "file", part.FormName())
	assert.Equal(t, "capture.pcap", part.FileName())
	content, _ := io.ReadAll(part)
	assert.Equal(t, "PCAPDATA", string(content))
}

func TestRequest_ErrorMessageNotifiedOnce(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"message field", http.StatusBadRequest, `{"message":"Bad file"}`, "Bad file"},
		{"detail string", http.StatusUnauthorized, `{"detail":"Invalid credentials"}`, "Invalid credentials"},
		{"detail list", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"},{"msg":"too short"}]}`, "field required; too short"},
		{"error field", http.StatusInternalServerError, `{"error":"boom"}`, "boom"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, DefaultErrorMessage},
		{"empty", http.StatusInternalServerError, ``, DefaultErrorMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, jsonHandler(tt.status, tt.body))

			err := f.client.Request(context.Background(), http.MethodGet, "/files", nil, nil, nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)

			notes := f.notes.All()
			require.Len(t, notes, 1)
			assert.Equal(t, notify.Error(tt.message), notes[0])
		})
	}
}

func TestRequest_UnauthorizedSentinel(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		f := newFixture(t, jsonHandler(status, `{"detail":"Not authenticated"}`))
		err := f.client.Request(context.Background(), http.MethodGet, "/auth/verify", nil, nil, nil)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.NotErrorIs(t, err, ErrNotFound)
	}

	f := newFixture(t, jsonHandler(http.StatusNotFound, `{"detail":"File not found"}`))
	err := f.client.Request(context.Background(), http.MethodGet, "/files/9", nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestRequest_TransportFailureNotifies(t *testing.T) {
	notes := &notify.Recorder{}
	client, err := NewClient(Options{
		// Port 1 on loopback refuses connections.
		BaseURL:  "http://127.0.0.1:1/api",
		Notifier: notes,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	err = client.Request(context.Background(), http.MethodGet, "/files", nil, nil, nil)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 1, notes.Len())
}

func TestRequest_DecodeFailureNotifies(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusOK, `{"id":`))
	var out map[string]any
	err := f.client.Request(context.Background(), http.MethodGet, "/files", nil, nil, &out)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 1, f.notes.Len())
}

func TestRequest_CancellationDoesNotNotify(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.client.Request(ctx, http.MethodGet, "/files", nil, nil, nil)
	assert.True(t, IsCancellation(err))
	assert.Zero(t, f.notes.Len())
}

func TestRequest_InterceptorsRunInOrder(t *testing.T) {
	var order []string
	f := newFixture(t, jsonHandler(http.StatusOK, `{}`), func(o *Options) {
		o.Headers = map[string]string{"X-Client": "forensync"}
		o.Interceptors = []RequestInterceptor{
			func(r *http.Request) error { order = append(order, "first"); return nil },
			func(r *http.Request) error { order = append(order, "second"); r.Header.Set("X-Trace", "1"); return nil },
		}
	})

	require.NoError(t, f.client.Request(context.Background(), http.MethodGet, "/files", nil, nil, nil))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "forensync", f.lastReq.Load().Header.Get("X-Client"))
	assert.Equal(t, "1", f.lastReq.Load().Header.Get("X-Trace"))
}

func TestRequest_InterceptorErrorAborts(t *testing.T) {
	var hits atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }, func(o *Options) {
		o.Interceptors = []RequestInterceptor{func(*http.Request) error { return errors.New("denied") }}
	})

	err := f.client.Request(context.Background(), http.MethodGet, "/files", nil, nil, nil)
	assert.ErrorContains(t, err, "denied")
	assert.Zero(t, hits.Load())
	assert.Equal(t, 1, f.notes.Len())
}

func TestRequest_RateLimited(t *testing.T) {
	f := newFixture(t, jsonHandler(http.StatusOK, `{}`), func(o *Options) {
		o.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	})

	require.NoError(t, f.client.Request(context.Background(), http.MethodGet, "/files", nil, nil, nil))

	// The bucket is empty and the next token is an hour away.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.client.Request(ctx, http.MethodGet, "/files", nil, nil, nil)
	assert.Error(t, err)
}

func TestExtractMessage_DetailObject(t *testing.T) {
	assert.Equal(t, "quota exceeded", ExtractMessage([]byte(`{"detail":{"message":"quota exceeded"}}`)))
	assert.Equal(t, DefaultErrorMessage, ExtractMessage([]byte(`{"detail":[]}`)))
	assert.Equal(t, DefaultErrorMessage, ExtractMessage([]byte(`[]`)))
}

// =============================================================================
//  FUZZ TESTS
// =============================================================================

// FuzzExtractMessage checks that every error body yields a message to show.
func FuzzExtractMessage(f *testing.F) {
	f.Add([]byte(`{"message":"Incorrect email or password"}`))
	f.Add([]byte(`{"detail":"Not authenticated"}`))
	f.Add([]byte(`{"detail":[{"msg":"field required"},{"msg":"  "}]}`))
	f.Add([]byte(`{"detail":{"message":"quota exceeded"}}`))
	f.Add([]byte(`{"error":"  "}`))
	f.Add([]byte(`<html>502 Bad Gateway</html>`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, body []byte) {
		if msg := ExtractMessage(body); strings.TrimSpace(msg) == "" {
			t.Fatalf("empty message for body %q", body)
		}
	})
}
