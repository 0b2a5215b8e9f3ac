// Package mockserver is an in-memory development backend that speaks the
// forensics dashboard REST and WebSocket protocols.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/realtime"
)

// APIPrefix is where the REST surface is mounted. Sockets live at the root.
const APIPrefix = "/api"

// Options configures a Server.
type Options struct {
	// Secret signs issued tokens. It must not be empty.
	Secret   []byte
	TokenTTL time.Duration
	Logger   *zap.Logger
	// Now overrides the clock for tokens and timestamps.
	Now      func() time.Time
}

// Server hosts the stub REST API and the realtime hub.
type Server struct {
	log    *zap.Logger
	data   *dataset
	tokens *tokenIssuer
	hub    *Hub
	router chi.Router
}

// New builds a server with seeded data. Call Run (or ListenAndServe) to
// start the hub before clients connect to sockets.
func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("mockserver: empty JWT secret")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	data, err := newDataset(opts.Now)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:    opts.Logger.Named("mockserver"),
		data:   data,
		tokens: newTokenIssuer(opts.Secret, opts.TokenTTL, opts.Now),
	}
	s.hub = NewHub(s.log, s.initialData)
	s.hub.now = opts.Now
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub exposes the realtime hub for publishing.
func (s *Server) Hub() *Hub { return s.hub }

// IssueToken signs a token for email without a password check. Tests and
// tooling use it to obtain a session directly.
func (s *Server) IssueToken(email string) (string, error) {
	if _, ok := s.data.account(email); !ok {
		return "", fmt.Errorf("mockserver: unknown account %q", email)
	}
	return s.tokens.issue(email)
}

// Run drives the hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("Mock backend listening", zap.String("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		stopHub()
		<-hubDone
		return fmt.Errorf("mock backend stopped: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Received shutdown signal, shutting down gracefully...")
	stopHub()
	<-hubDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mock backend shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Tick publishes fresh dashboard stats every interval until ctx is cancelled.
func (s *Server) Tick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.hub.Publish(realtime.DashboardTarget().Key, realtime.TypeStats, s.data.stats()); err != nil {
				s.log.Debug("Stats tick skipped", zap.Error(err))
			}
		}
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Sockets are registered outside the timeout group; they are long lived.
	r.Get(realtime.DashboardTarget().Path(), s.serveSocket(func(*http.Request) (string, error) {
		return realtime.DashboardTarget().Key, nil
	}))
	for _, domain := range []string{realtime.DomainNetwork, realtime.DomainMemory, realtime.DomainFile} {
		r.Get("/"+domain+"/ws/{id}", s.serveSocket(func(req *http.Request) (string, error) {
			t, err := realtime.AnalysisTarget(domain, chi.URLParam(req, "id"))
			return t.Key, err
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requestLogger)

		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route(APIPrefix, func(r chi.Router) {
			r.Post("/auth/login", s.wrap(s.handleLogin))
			r.Post("/auth/register", s.wrap(s.handleRegister))
			r.Get("/auth/{provider}/login", s.wrap(s.handleOAuthLogin))
			// Logout is best effort on the client, which may already have dropped its token.
			r.Post("/auth/logout", s.wrap(s.handleLogout))

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/auth/verify", s.wrap(s.handleVerify))

				r.Get("/files", s.wrap(s.handleListFiles))
				r.Post("/files/upload", s.wrap(s.handleUpload))
				r.Get("/files/search", s.wrap(s.handleSearch))
				r.Delete("/files/{id}", s.wrap(s.handleDeleteFile))
				r.Post("/files/{id}/reanalyze", s.wrap(s.handleReanalyze))

				r.Post("/analysis", s.wrap(s.handleStartAnalysis))
				r.Get("/analysis/{id}", s.wrap(s.handleAnalysisStatus))
				r.Get("/analysis/{id}/results", s.wrap(s.handleAnalysisResults))
				for _, kind := range api.Kinds {
					r.Get("/"+string(kind)+"-analysis/{id}", s.wrap(s.handleKindAnalysis(kind)))
				}
				r.Get("/v1/network/topology/{id}", s.wrap(s.handleTopology))
				r.Get("/v1/network/metrics/{id}", s.wrap(s.handleMetrics))

				r.Get("/dashboard/stats", s.wrap(s.handleStats))
				r.Get("/dashboard/alerts", s.wrap(s.handleAlerts))
				r.Get("/dashboard/activity", s.wrap(s.handleActivity))
				r.Get("/dashboard/visualization", s.wrap(s.handleVisualization))
				r.Post("/dashboard/alerts/{id}/acknowledge", s.wrap(s.handleAlertStatus(api.AlertAcknowledged)))
				r.Post("/dashboard/alerts/{id}/resolve", s.wrap(s.handleAlertStatus(api.AlertResolved)))
			})
		})
	})
	return r
}

// serveSocket authenticates the token query parameter before upgrading.
func (s *Server) serveSocket(keyOf func(*http.Request) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := keyOf(r)
		if err != nil {
			s.respond(w, http.StatusNotFound, map[string]string{"detail": err.Error()})
			return
		}
		token := r.URL.Query().Get(realtime.TokenParam)
		if token == "" {
			s.respond(w, http.StatusUnauthorized, map[string]string{"detail": "Missing token"})
			return
		}
		if _, err := s.tokens.verify(token); err != nil {
			s.respond(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid authentication token"})
			return
		}
		s.hub.serve(w, r, key)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
