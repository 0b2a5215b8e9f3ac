package mockserver_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/config"
	"github.com/xkilldash9x/forensync/internal/mockserver"
	"github.com/xkilldash9x/forensync/internal/network"
	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/realtime"
	"github.com/xkilldash9x/forensync/internal/session"
)

type stack struct {
	srv      *mockserver.Server
	ts       *httptest.Server
	session  *session.MemoryProvider
	notes    *notify.Recorder
	svc      *api.Service
	wsBase   string
	requests api.Requester
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv, err := mockserver.New(mockserver.Options{Secret: []byte("e2e-secret"), Logger: logger})
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

	sess := session.NewMemoryProvider("")
	notes := &notify.Recorder{}
	client, err := network.NewClient(network.Options{
		BaseURL:    ts.URL + mockserver.APIPrefix,
		HTTPClient: ts.Client(),
		Session:    sess,
		Notifier:   notes,
		Logger:     logger,
	})
	require.NoError(t, err)

	return &stack{
		srv:      srv,
		ts:       ts,
		session:  sess,
		notes:    notes,
		svc:      api.NewService(api.Options{Client: client, Session: sess, LogoutRemote: true, Logger: logger}),
		wsBase:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		requests: client,
	}
}

func (s *stack) login(t *testing.T) {
	t.Helper()
	_, err := s.svc.Login(context.Background(), api.LoginRequest{Email: mockserver.DefaultEmail, Password: mockserver.DefaultPassword})
	require.NoError(t, err)
}

func TestEndToEnd_AuthLifecycle(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.svc.Login(ctx, api.LoginRequest{Email: mockserver.DefaultEmail, Password: "nope"})
	require.ErrorIs(t, err, api.ErrAuth)
	assert.Equal(t, []notify.Notification{notify.Error("Incorrect email or password")}, s.notes.All())
	_, ok := s.session.Token()
	assert.False(t, ok)

	resp, err := s.svc.Login(ctx, api.LoginRequest{Email: mockserver.DefaultEmail, Password: mockserver.DefaultPassword})
	require.NoError(t, err)
	tok, ok := s.session.Token()
	require.True(t, ok)
	assert.Equal(t, resp.Credential(), tok)
	assert.Equal(t, mockserver.DefaultEmail, resp.User.Email)

	verified, err := s.svc.VerifyToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, verified["valid"])

	require.NoError(t, s.svc.Logout(ctx))
	_, ok = s.session.Token()
	assert.False(t, ok)
	assert.Equal(t, 1, s.notes.Len(), "the best-effort remote logout succeeds quietly")

	_, err = s.svc.VerifyToken(ctx)
	assert.ErrorIs(t, err, api.ErrAuth)
	assert.Equal(t, notify.Error("Not authenticated"), s.notes.All()[1])
}

func TestEndToEnd_RegisterThenLogin(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	resp, err := s.svc.Register(ctx, api.RegisterRequest{Name: "Jane Doe", Email: "jane@example.com", Password: "Str0ng!pass"})
	require.NoError(t, err)
	assert.Equal(t, "User created successfully", resp.Message)
	_, ok := s.session.Token()
	assert.False(t, ok, "registration does not sign the user in")

	auth, err := s.svc.Login(ctx, api.LoginRequest{Email: "jane@example.com", Password: "Str0ng!pass"})
	require.NoError(t, err)
	assert.Equal(t, "jane_doe", auth.User.Username)
}

func TestEndToEnd_FilesAndAnalysis(t *testing.T) {
	s := newStack(t)
	s.login(t)
	ctx := context.Background()

	up, err := s.svc.UploadFile(ctx, "evidence.bin", strings.NewReader("MZ\x90\x00payload"))
	require.NoError(t, err)
	assert.Equal(t, "evidence.bin", up.Filename)
	assert.EqualValues(t, 11, up.Size)

	list, err := s.svc.ListFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Files, 3)

	found, err := s.svc.SearchFiles(ctx, "evidence")
	require.NoError(t, err)
	assert.EqualValues(t, 1, found["total"])

	started, err := s.svc.StartAnalysis(ctx, up.ID, string(api.KindFile))
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, started.Status)

	status, err := s.svc.GetAnalysisStatus(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, started.ID, status.ID)

	raw, err := s.svc.GetFileAnalysis(ctx, up.ID)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "entropy")

	topo, err := s.svc.GetNetworkTopology(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, topo.Nodes, 2)

	require.NoError(t, s.svc.DeleteFile(ctx, up.ID))
	_, err = s.svc.GetAnalysisStatus(ctx, up.ID)
	assert.ErrorIs(t, err, network.ErrNotFound)
	assert.Equal(t, 1, s.notes.Len(), "only the not-found call notified")
}

func TestEndToEnd_DashboardLoad(t *testing.T) {
	s := newStack(t)
	s.login(t)

	for _, policy := range []config.AggregationPolicy{config.AggregatePartial, config.AggregateAllOrNothing} {
		snap, err := api.NewDashboard(s.requests, policy, zaptest.NewLogger(t)).Load(context.Background())
		require.NoError(t, err, policy)
		require.NotNil(t, snap.Stats)
		assert.Equal(t, 2, snap.Stats.Threats.Total)
		assert.Len(t, snap.Alerts, 2)
		require.NotNil(t, snap.Visualization)
		assert.Len(t, snap.Visualization.Network.Nodes, 2)
	}
}

type progress struct {
	Stage    string   `json:"stage"`
	Percent  int      `json:"percent"`
	Findings []string `json:"findings"`
}

func TestEndToEnd_RealtimeUpdateRoundTrip(t *testing.T) {
	s := newStack(t)
	s.login(t)

	target, err := realtime.AnalysisTarget(realtime.DomainNetwork, "1")
	require.NoError(t, err)
	ch := realtime.NewChannel(realtime.Options{
		Target:  target,
		BaseURL: s.wsBase,
		Session: s.session,
		Logger:  zaptest.NewLogger(t),
	})
	defer ch.Close()

	got := make(chan realtime.Envelope, 8)
	ch.Subscribe(func(env realtime.Envelope) { got <- env })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Start(ctx))
	assert.Equal(t, realtime.StateOpen, ch.State())

	next := func() realtime.Envelope {
		t.Helper()
		select {
		case env := <-got:
			return env
		case <-ctx.Done():
			t.Fatal("timed out waiting for an envelope")
			return realtime.Envelope{}
		}
	}

	initial := next()
	require.Equal(t, realtime.TypeInitialData, initial.Type)

	sent := progress{Stage: "reassembly", Percent: 64, Findings: []string{"beacon", "dns-tunnel"}}
	require.NoError(t, s.srv.Hub().Publish(target.Key, realtime.TypeUpdate, sent))

	update := next()
	require.Equal(t, realtime.TypeUpdate, update.Type)
	received, err := realtime.Decode[progress](update)
	require.NoError(t, err)
	if diff := cmp.Diff(sent, received); diff != "" {
		t.Errorf("update payload mismatch (-sent +received):\n%s", diff)
	}

	require.NoError(t, ch.Close())
	assert.Equal(t, realtime.StateClosed, ch.State())
}

func TestEndToEnd_RealtimeRequiresToken(t *testing.T) {
	s := newStack(t)
	ch := realtime.NewChannel(realtime.Options{
		Target:  realtime.DashboardTarget(),
		BaseURL: s.wsBase,
		Session: s.session,
	})
	defer ch.Close()
	assert.ErrorIs(t, ch.Start(context.Background()), realtime.ErrNoToken)
}
