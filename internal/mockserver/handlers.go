package mockserver

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/realtime"
)

// maxUploadMemory is how much of a multipart upload is held in memory before spilling to disk.
const maxUploadMemory = 32 << 20

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req api.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	acct, ok := s.data.authenticate(req.Email, req.Password)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		return errStatus(http.StatusUnauthorized, "Incorrect email or password")
	}
	token, err := s.tokens.issue(acct.email)
	if err != nil {
		return err
	}
	s.respond(w, http.StatusOK, api.AuthResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        acct.user(),
	})
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	switch {
	case req.Username == "":
		return &validationError{field: "username", msg: "field required"}
	case req.Email == "":
		return &validationError{field: "email", msg: "field required"}
	case req.Password == "":
		return &validationError{field: "password", msg: "field required"}
	}
	if _, err := s.data.createAccount(req.Username, req.Email, req.Password, req.FullName); err != nil {
		return err
	}
	s.respond(w, http.StatusCreated, map[string]string{"message": "User created successfully"})
	return nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) error {
	if token := bearer(r); token != "" {
		if claims, err := s.tokens.verify(token); err == nil {
			s.tokens.revoke(claims)
		}
	}
	s.respond(w, http.StatusOK, map[string]string{"message": "Logged out"})
	return nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	claims := claimsFrom(r.Context())
	acct, ok := s.data.account(claims.Subject)
	if !ok {
		return errStatus(http.StatusUnauthorized, "Could not validate credentials")
	}
	body := map[string]any{"valid": true, "user": acct.user()}
	if claims.ExpiresAt != nil {
		body["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.respond(w, http.StatusOK, body)
	return nil
}

func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) error {
	var authorize string
	switch provider := chi.URLParam(r, "provider"); provider {
	case "google":
		authorize = "https://accounts.google.com/o/oauth2/v2/auth?client_id=forensync-dev&response_type=code&scope=openid+email+profile&state=google-state"
	case "github":
		authorize = "https://github.com/login/oauth/authorize?client_id=forensync-dev&scope=user:email&state=github-state"
	default:
		return errNotFound(fmt.Sprintf("Unknown provider %q", provider))
	}
	s.respond(w, http.StatusOK, map[string]string{"authorize_url": authorize})
	return nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) error {
	s.respond(w, http.StatusOK, api.FileListResponse{Files: s.data.listFiles()})
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return errBadRequest("Expected multipart/form-data")
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	f, header, err := r.FormFile(api.UploadField)
	if err != nil {
		return &validationError{field: api.UploadField, msg: "field required"}
	}
	defer f.Close()
	size, err := io.Copy(io.Discard, f)
	if err != nil {
		return err
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rec := s.data.addFile(header.Filename, size, contentType)
	s.publishDashboard(realtime.TypeActivity, map[string]any{"type": "upload", "description": rec.Filename + " uploaded"})
	s.respond(w, http.StatusOK, api.FileUploadResponse{
		ID:       rec.ID,
		Filename: rec.Filename,
		Size:     rec.Size,
		Type:     rec.Type,
		Status:   rec.Status,
	})
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) error {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		return &validationError{field: "query", msg: "field required"}
	}
	results := s.data.searchFiles(query)
	s.respond(w, http.StatusOK, map[string]any{"query": query, "results": results, "total": len(results)})
	return nil
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if !s.data.deleteFile(id) {
		return errNotFound("File not found")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	kind := string(api.KindNetwork)
	if prev, ok := s.data.analysisForFile(id); ok {
		kind = prev.Type
	}
	a, ok := s.data.startAnalysis(id, kind)
	if !ok {
		return errNotFound("File not found")
	}
	s.respond(w, http.StatusOK, a)
	return nil
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) error {
	var req api.StartAnalysisRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	kind, err := api.ParseKind(req.Type)
	if err != nil {
		return &validationError{field: "type", msg: err.Error()}
	}
	a, ok := s.data.startAnalysis(string(req.FileID), string(kind))
	if !ok {
		return errNotFound("File not found")
	}
	s.publishDashboard(realtime.TypeActivity, map[string]any{"type": "analysis", "description": fmt.Sprintf("%s analysis started for file %s", kind, req.FileID)})
	s.respond(w, http.StatusOK, a)
	return nil
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) error {
	a, ok := s.data.analysisForFile(chi.URLParam(r, "id"))
	if !ok {
		return errNotFound("Analysis not found")
	}
	s.respond(w, http.StatusOK, a)
	return nil
}

func (s *Server) handleAnalysisResults(w http.ResponseWriter, r *http.Request) error {
	a, ok := s.data.analysis(chi.URLParam(r, "id"))
	if !ok {
		return errNotFound("Analysis not found")
	}
	s.respond(w, http.StatusOK, map[string]any{
		"analysis_id": a.ID,
		"status":      a.Status,
		"results":     a.Results,
	})
	return nil
}

func (s *Server) handleKindAnalysis(kind api.AnalysisKind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := chi.URLParam(r, "id")
		if _, ok := s.data.file(id); !ok {
			return errNotFound("File not found")
		}
		body := map[string]any{"file_id": id, "type": kind}
		switch kind {
		case api.KindNetwork:
			body["connections"] = []map[string]any{{"source": "10.0.0.5", "target": "203.0.113.7", "protocol": "TCP", "port": 443}}
		case api.KindMemory:
			body["processes"] = []map[string]any{{"name": "lsass.exe", "pid": 612, "suspicious": true}}
		case api.KindFile:
			body["entropy"] = 7.2
			body["signatures"] = []string{"UPX packed"}
		}
		s.respond(w, http.StatusOK, body)
		return nil
	}
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) error {
	if _, ok := s.data.analysis(chi.URLParam(r, "id")); !ok {
		return errNotFound("Analysis not found")
	}
	s.respond(w, http.StatusOK, api.NetworkTopology{
		Nodes: []api.NetworkNode{
			{ID: "n1", Label: "workstation-12", Type: "host", Status: "active", IPAddress: "10.0.0.5"},
			{ID: "n2", Label: "203.0.113.7", Type: "external", Status: "suspicious", IPAddress: "203.0.113.7"},
		},
		Connections: []api.NetworkConnection{
			{Source: "n1", Target: "n2", Type: "outbound", Status: "active", Protocol: "TCP", Port: 443},
		},
	})
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) error {
	if _, ok := s.data.analysis(chi.URLParam(r, "id")); !ok {
		return errNotFound("Analysis not found")
	}
	s.respond(w, http.StatusOK, api.NetworkMetrics{
		TotalBytes:        524288,
		PacketsPerSecond:  310.5,
		ActiveConnections: 12,
		UniqueIPs:         7,
		Protocols:         map[string]int{"TCP": 10, "UDP": 2},
		TopTalkers:        []map[string]any{{"ip": "10.0.0.5", "bytes": 400000}},
		Timestamp:         api.Timestamp{Time: s.hub.now().UTC()},
	})
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) error {
	s.respond(w, http.StatusOK, s.data.stats())
	return nil
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) error {
	s.respond(w, http.StatusOK, s.data.listAlerts())
	return nil
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) error {
	s.respond(w, http.StatusOK, s.data.listActivity())
	return nil
}

func (s *Server) handleVisualization(w http.ResponseWriter, _ *http.Request) error {
	var v api.VisualizationData
	v.Network.Nodes = []api.GraphNode{{ID: "n1", Name: "workstation-12", Type: "host", Group: 1, Size: 10}, {ID: "n2", Name: "203.0.113.7", Type: "external", Group: 2, Size: 6}}
	v.Network.Edges = []api.GraphEdge{{Source: "n1", Target: "n2", Value: 3, Type: "tcp"}}
	v.Memory.Processes = []api.Process{{ID: "p1", Name: "lsass.exe", PID: 612, MemoryUsage: 52428800, Regions: []string{"r1"}}}
	v.Memory.Regions = []api.MemoryRegion{{ID: "r1", Address: "0x7ff6a0000000", Size: 4096, Type: "private", Permissions: "rwx", Process: "p1"}}
	v.Filesystem.Root = api.FSNode{ID: "root", Name: "/", Type: "directory", Children: []api.FSNode{
		{ID: "f1", Name: "capture.pcap", Type: "file", Size: 524288},
		{ID: "f2", Name: "dropper.exe", Type: "file", Size: 73728, Suspicious: true},
	}}
	s.respond(w, http.StatusOK, v)
	return nil
}

func (s *Server) handleAlertStatus(status api.AlertStatus) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := chi.URLParam(r, "id")
		if !s.data.setAlertStatus(id, status) {
			return errNotFound("Alert not found")
		}
		s.publishDashboard(realtime.TypeAlert, map[string]any{"id": id, "status": status})
		s.respond(w, http.StatusOK, map[string]any{"id": id, "status": status})
		return nil
	}
}

func (s *Server) publishDashboard(envType string, body any) {
	if err := s.hub.Publish(realtime.DashboardTarget().Key, envType, body); err != nil {
		s.log.Debug("Dashboard event not published", zap.String("type", envType), zap.Error(err))
	}
}

// initialData is what a freshly connected socket receives first.
func (s *Server) initialData(key string) any {
	if key == realtime.DashboardTarget().Key {
		return map[string]any{
			"stats":    s.data.stats(),
			"alerts":   s.data.listAlerts(),
			"activity": s.data.listActivity(),
		}
	}
	domain, id, _ := strings.Cut(key, ":")
	if a, ok := s.data.analysis(id); ok {
		return map[string]any{"analysis_id": a.ID, "domain": domain, "status": a.Status, "progress": progressOf(a.Status)}
	}
	return map[string]any{"analysis_id": id, "domain": domain, "status": api.StatusPending, "progress": 0}
}

func progressOf(status api.Status) int {
	switch status {
	case api.StatusCompleted, api.StatusFailed:
		return 100
	case api.StatusRunning, api.StatusProcessing:
		return 50
	default:
		return 0
	}
}
