package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// Domains that expose a per-analysis socket.
const (
	DomainNetwork = "network"
	DomainMemory  = "memory"
	DomainFile    = "file"
)

// TokenParam is the query parameter that carries the session token.
const TokenParam = "token"

// Target names a realtime endpoint relative to the WebSocket base URL.
type Target struct {
	// Key identifies the channel; one Manager holds at most one channel per key.
	Key  string
	path string
}

// AnalysisTarget is the socket for one analysis: {base}/{domain}/ws/{id}.
func AnalysisTarget(domain, analysisID string) (Target, error) {
	switch domain {
	case DomainNetwork, DomainMemory, DomainFile:
	default:
		return Target{}, fmt.Errorf("realtime: unknown domain %q", domain)
	}
	if strings.TrimSpace(analysisID) == "" {
		return Target{}, fmt.Errorf("realtime: empty analysis id")
	}
	return Target{
		Key:  domain + ":" + analysisID,
		path: "/" + domain + "/ws/" + url.PathEscape(analysisID),
	}, nil
}

// DashboardTarget is the dashboard-wide socket: {base}/ws.
func DashboardTarget() Target {
	return Target{Key: "dashboard", path: "/ws"}
}

// Path is the endpoint path relative to the base.
func (t Target) Path() string { return t.path }

// URL joins base and the target path and sets the token parameter.
func (t Target) URL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + t.path)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid websocket base %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("realtime: websocket base %q must use ws or wss", base)
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
