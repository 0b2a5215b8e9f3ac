// Package api is the typed facade over the analysis backend's REST surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/network"
	"github.com/xkilldash9x/forensync/internal/session"
)

// ErrAuth is returned (via errors.Is) when the server rejects credentials or
// the session token. There is no refresh flow; callers log in again.
var ErrAuth = network.ErrUnauthorized

// ErrNoCredential means a login succeeded but the payload carried no token.
var ErrNoCredential = errors.New("api: response carried no token")

// UploadField is the multipart field the backend reads uploads from.
const UploadField = "file"

// Requester performs a single API call. *network.Client implements it.
type Requester interface {
	Request(ctx context.Context, method, path string, body any, query url.Values, out any) error
}

// Options configures a Service.
type Options struct {
	Client  Requester
	Session session.Provider
	// LogoutRemote also tells the server about a logout.
	LogoutRemote bool
	Logger       *zap.Logger
}

// Service exposes one method per backend capability.
type Service struct {
	client       Requester
	session      session.Provider
	logoutRemote bool
	logger       *zap.Logger
}

// NewService creates the facade.
func NewService(opts Options) *Service {
	s := &Service{
		client:       opts.Client,
		session:      opts.Session,
		logoutRemote: opts.LogoutRemote,
		logger:       opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("api")
	return s
}

// Client returns the underlying requester for the generic helpers.
func (s *Service) Client() Requester { return s.client }

// -- Authentication --

// Login exchanges credentials for a token and persists it.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var out AuthResponse
	if err := s.client.Request(ctx, http.MethodPost, "/auth/login", req, nil, &out); err != nil {
		return nil, err
	}
	token := out.Credential()
	if token == "" {
		return nil, ErrNoCredential
	}
	if err := s.session.SetToken(token); err != nil {
		return nil, fmt.Errorf("api: persist session: %w", err)
	}
	s.logger.Info("Logged in.", zap.String("email", req.Email))
	return &out, nil
}

var whitespaceRun = regexp.MustCompile(`[\s\p{Z}]+`)

// Username derives the account name the backend expects from a display name.
func Username(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(name), "_")
}

type registerBody struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// Register creates an account. If the server answers with a token it is
// persisted; some deployments only confirm creation and expect a login.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	body := registerBody{
		Username: Username(req.Name),
		Email:    req.Email,
		Password: req.Password,
		FullName: req.Name,
	}
	var out AuthResponse
	if err := s.client.Request(ctx, http.MethodPost, "/auth/register", body, nil, &out); err != nil {
		return nil, err
	}
	if token := out.Credential(); token != "" {
		if err := s.session.SetToken(token); err != nil {
			return nil, fmt.Errorf("api: persist session: %w", err)
		}
	}
	s.logger.Info("Registered account.", zap.String("username", body.Username))
	return &out, nil
}

// Logout removes the local token. The remote call that follows is best-effort;
// its failure is logged and does not fail the logout.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.session.Clear(); err != nil {
		return fmt.Errorf("api: clear session: %w", err)
	}
	if !s.logoutRemote {
		return nil
	}
	if err := s.client.Request(ctx, http.MethodPost, "/auth/logout", nil, nil, nil); err != nil {
		s.logger.Debug("Remote logout failed.", zap.Error(err))
	}
	return nil
}

// VerifyToken asks the server whether the current token is still valid and
// returns whatever it reports about the session.
func (s *Service) VerifyToken(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := s.client.Request(ctx, http.MethodGet, "/auth/verify", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type authorizeURL struct {
	AuthorizeURL string `json:"authorize_url"`
}

// GoogleAuthURL returns the URL that starts the Google OAuth flow.
func (s *Service) GoogleAuthURL(ctx context.Context) (string, error) {
	return s.oauthURL(ctx, "google")
}

// GithubAuthURL returns the URL that starts the GitHub OAuth flow.
func (s *Service) GithubAuthURL(ctx context.Context) (string, error) {
	return s.oauthURL(ctx, "github")
}

func (s *Service) oauthURL(ctx context.Context, provider string) (string, error) {
	var out authorizeURL
	if err := s.client.Request(ctx, http.MethodGet, "/auth/"+provider+"/login", nil, nil, &out); err != nil {
		return "", err
	}
	if out.AuthorizeURL == "" {
		return "", fmt.Errorf("api: %s login returned no authorize_url", provider)
	}
	return out.AuthorizeURL, nil
}

// -- Files --

// UploadFile streams content as the multipart field "file". Large files are
// sent in a single request.
func (s *Service) UploadFile(ctx context.Context, filename string, content io.Reader) (*FileUploadResponse, error) {
	var out FileUploadResponse
	body := network.NewFileUpload(UploadField, filename, content)
	if err := s.client.Request(ctx, http.MethodPost, "/files/upload", body, nil, &out); err != nil {
		return nil, err
	}
	s.logger.Info("Uploaded file.", zap.String("filename", filename), zap.Stringer("id", out.ID))
	return &out, nil
}

func (s *Service) ListFiles(ctx context.Context) (*FileListResponse, error) {
	var out FileListResponse
	if err := s.client.Request(ctx, http.MethodGet, "/files", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) DeleteFile(ctx context.Context, id ID) error {
	return s.client.Request(ctx, http.MethodDelete, "/files/"+escape(id), nil, nil, nil)
}

// SearchFiles runs a server-side search. The result shape is backend defined.
func (s *Service) SearchFiles(ctx context.Context, query string) (map[string]any, error) {
	var out map[string]any
	q := url.Values{"query": {query}}
	if err := s.client.Request(ctx, http.MethodGet, "/files/search", nil, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// -- Analysis --

func (s *Service) StartAnalysis(ctx context.Context, fileID ID, analysisType string) (*AnalysisResponse, error) {
	var out AnalysisResponse
	body := StartAnalysisRequest{FileID: fileID, Type: analysisType}
	if err := s.client.Request(ctx, http.MethodPost, "/analysis", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) GetAnalysisStatus(ctx context.Context, fileID ID) (*AnalysisResponse, error) {
	var out AnalysisResponse
	if err := s.client.Request(ctx, http.MethodGet, "/analysis/"+escape(fileID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAnalysisResults returns the raw, kind-dependent result document.
func (s *Service) GetAnalysisResults(ctx context.Context, analysisID ID) (RawResult, error) {
	var out RawResult
	if err := s.client.Request(ctx, http.MethodGet, "/analysis/"+escape(analysisID)+"/results", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ReanalyzeFile(ctx context.Context, fileID ID) (*AnalysisResponse, error) {
	var out AnalysisResponse
	if err := s.client.Request(ctx, http.MethodPost, "/files/"+escape(fileID)+"/reanalyze", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) GetNetworkAnalysis(ctx context.Context, fileID ID) (RawResult, error) {
	return s.GetKindAnalysis(ctx, KindNetwork, fileID)
}

func (s *Service) GetMemoryAnalysis(ctx context.Context, fileID ID) (RawResult, error) {
	return s.GetKindAnalysis(ctx, KindMemory, fileID)
}

func (s *Service) GetFileAnalysis(ctx context.Context, fileID ID) (RawResult, error) {
	return s.GetKindAnalysis(ctx, KindFile, fileID)
}

// GetKindAnalysis fetches /{kind}-analysis/{fileID}.
func (s *Service) GetKindAnalysis(ctx context.Context, kind AnalysisKind, fileID ID) (RawResult, error) {
	var out RawResult
	path := fmt.Sprintf("/%s-analysis/%s", kind, escape(fileID))
	if err := s.client.Request(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetNetworkTopology(ctx context.Context, analysisID ID) (*NetworkTopology, error) {
	var out NetworkTopology
	if err := s.client.Request(ctx, http.MethodGet, "/v1/network/topology/"+escape(analysisID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) GetNetworkMetrics(ctx context.Context, analysisID ID) (*NetworkMetrics, error) {
	var out NetworkMetrics
	if err := s.client.Request(ctx, http.MethodGet, "/v1/network/metrics/"+escape(analysisID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func escape(id ID) string { return url.PathEscape(string(id)) }
