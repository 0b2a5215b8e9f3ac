// Package session stores the bearer token that represents an authenticated client.
// The presence of a token is the only signal of "logged in" the client has.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// TokenKey is the fixed key the token is persisted under.
const TokenKey = "token"

// Provider supplies and persists the session credential.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Token returns the current token and whether one is present.
	Token() (string, bool)
	SetToken(token string) error
	// Clear removes the token. Clearing an absent token is not an error.
	Clear() error
}

// MemoryProvider keeps the token in process memory.
type MemoryProvider struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryProvider creates a provider, optionally seeded with a token.
func NewMemoryProvider(token string) *MemoryProvider {
	return &MemoryProvider{token: token}
}

func (m *MemoryProvider) Token() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != ""
}

func (m *MemoryProvider) SetToken(token string) error {
	if token == "" {
		return errors.New("session: refusing to store an empty token")
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryProvider) Clear() error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}

// FileProvider persists the token as a JSON object on disk. The file is
// re-read on every access so a login from another process is picked up.
type FileProvider struct {
	mu   sync.Mutex
	path string
}

// NewFileProvider creates a provider backed by path; "~" is expanded to the
// user's home directory.
func NewFileProvider(path string) (*FileProvider, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("session: expand %q: %w", path, err)
	}
	return &FileProvider{path: expanded}, nil
}

// Path is the resolved location of the session file.
func (f *FileProvider) Path() string { return f.path }

func (f *FileProvider) Token() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return "", false
	}
	token := values[TokenKey]
	return token, token != ""
}

func (f *FileProvider) SetToken(token string) error {
	if token == "" {
		return errors.New("session: refusing to store an empty token")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		values = map[string]string{}
	}
	values[TokenKey] = token
	return f.write(values)
}

func (f *FileProvider) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// A corrupt file holds no usable token; replace it.
		values = map[string]string{}
	}
	if _, ok := values[TokenKey]; !ok {
		return nil
	}
	delete(values, TokenKey)
	return f.write(values)
}

func (f *FileProvider) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := jsonAPI.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", f.path, err)
	}
	return values, nil
}

// write replaces the file atomically with mode 0600.
func (f *FileProvider) write(values map[string]string) error {
	data, err := jsonAPI.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("session: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("session: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("session: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("session: replace %s: %w", f.path, err)
	}
	return nil
}
