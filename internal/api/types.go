package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ID is a server-assigned identifier. The backend emits both integers and
// strings for the same fields, so either JSON form is accepted.
type ID string

func (id ID) String() string { return string(id) }

// MarshalJSON always emits a string.
func (id ID) MarshalJSON() ([]byte, error) {
	return jsonAPI.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := jsonAPI.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := jsonAPI.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("api: id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("api: invalid numeric id %q", n)
	}
	*id = ID(n.String())
	return nil
}

// Timestamp accepts RFC 3339 as well as the zone-less ISO 8601 form some
// backends emit; zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return jsonAPI.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if err := jsonAPI.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("api: timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("api: unrecognised timestamp %q", s)
}

// Status is the lifecycle state of an upload or analysis.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further server-side transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AnalysisKind selects a per-artifact analysis endpoint and realtime domain.
type AnalysisKind string

const (
	KindNetwork AnalysisKind = "network"
	KindMemory  AnalysisKind = "memory"
	KindFile    AnalysisKind = "file"
)

// Kinds lists every analysis kind in display order.
var Kinds = []AnalysisKind{KindNetwork, KindMemory, KindFile}

// ParseKind validates a user supplied kind.
func ParseKind(s string) (AnalysisKind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("api: unknown analysis kind %q (want network, memory or file)", s)
}

// -- Authentication --

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the user's sign-up input. The wire body is derived from
// it by registerBody.
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
}

type User struct {
	ID       ID     `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// DisplayName prefers the full name, then the short name, then the username.
func (u User) DisplayName() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Name != "":
		return u.Name
	default:
		return u.Username
	}
}

// AuthResponse is returned by login and register. Backends differ on whether
// the credential is named token or access_token.
type AuthResponse struct {
	Token       string `json:"token,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	User        *User  `json:"user,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Credential returns whichever token field the server filled in.
func (a AuthResponse) Credential() string {
	if a.Token != "" {
		return a.Token
	}
	return a.AccessToken
}

// -- Files --

type FileUploadResponse struct {
	ID       ID     `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

type FileRecord struct {
	ID        ID        `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`
}

type FileListResponse struct {
	Files []FileRecord `json:"files"`
}

// -- Analysis --

type StartAnalysisRequest struct {
	FileID ID     `json:"file_id"`
	Type   string `json:"type"`
}

// RawResult is a kind-dependent analysis document passed through undecoded.
type RawResult = json.RawMessage

type AnalysisResponse struct {
	ID          ID              `json:"id"`
	FileID      ID              `json:"file_id"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Results     json.RawMessage `json:"results,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   Timestamp       `json:"created_at"`
	CompletedAt *Timestamp      `json:"completed_at,omitempty"`
}

type NodeType string

const (
	NodeHost    NodeType = "host"
	NodeService NodeType = "service"
	NodeClient  NodeType = "client"
	NodeRouter  NodeType = "router"
)

type NetworkNode struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Type      NodeType       `json:"type"`
	Status    string         `json:"status"`
	IPAddress string         `json:"ip_address,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type NetworkConnection struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Protocol string `json:"protocol,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type NetworkTopology struct {
	Nodes       []NetworkNode       `json:"nodes"`
	Connections []NetworkConnection `json:"connections"`
}

type NetworkMetrics struct {
	TotalBytes        int64            `json:"total_bytes"`
	PacketsPerSecond  float64          `json:"packets_per_second"`
	ActiveConnections int              `json:"active_connections"`
	UniqueIPs         int              `json:"unique_ips"`
	Protocols         map[string]int   `json:"protocols"`
	TopTalkers        []map[string]any `json:"top_talkers"`
	Timestamp         Timestamp        `json:"timestamp"`
}

// -- Dashboard --

type DashboardStats struct {
	Network struct {
		Traffic     float64 `json:"traffic"`
		Connections int     `json:"connections"`
		Protocols   int     `json:"protocols"`
	} `json:"network"`
	Memory struct {
		Usage     float64 `json:"usage"`
		Total     float64 `json:"total"`
		Processes int     `json:"processes"`
	} `json:"memory"`
	Filesystem struct {
		TotalFiles      int   `json:"total_files"`
		TotalSize       int64 `json:"total_size"`
		SuspiciousFiles int   `json:"suspicious_files"`
	} `json:"filesystem"`
	Threats struct {
		Total    int `json:"total"`
		Critical int `json:"critical"`
		High     int `json:"high"`
		Medium   int `json:"medium"`
		Low      int `json:"low"`
	} `json:"threats"`
}

type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

type Alert struct {
	ID        ID          `json:"id"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source"`
	Status    AlertStatus `json:"status"`
}

type Activity struct {
	ID          ID     `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	User        string `json:"user,omitempty"`
	Details     string `json:"details,omitempty"`
}

type GraphNode struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Group int     `json:"group"`
	Size  float64 `json:"size"`
}

type GraphEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Value  float64 `json:"value"`
	Type   string  `json:"type"`
}

type MemoryRegion struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	Permissions string `json:"permissions"`
	Process     string `json:"process"`
}

type Process struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	PID         int      `json:"pid"`
	MemoryUsage int64    `json:"memory_usage"`
	Regions     []string `json:"regions"`
}

// FSNode is one entry of a file-system tree.
type FSNode struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Size        int64    `json:"size,omitempty"`
	Modified    string   `json:"modified,omitempty"`
	Permissions string   `json:"permissions,omitempty"`
	Children    []FSNode `json:"children,omitempty"`
	Suspicious  bool     `json:"suspicious,omitempty"`
}

type VisualizationData struct {
	Network struct {
		Nodes []GraphNode `json:"nodes"`
		Edges []GraphEdge `json:"edges"`
	} `json:"network"`
	Memory struct {
		Regions   []MemoryRegion `json:"regions"`
		Processes []Process      `json:"processes"`
	} `json:"memory"`
	Filesystem struct {
		Root FSNode `json:"root"`
	} `json:"filesystem"`
}
