package network

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// DefaultErrorMessage is shown when a failure carries no usable message.
const DefaultErrorMessage = "An error occurred"

// ErrUnauthorized matches any APIError with status 401 or 403.
var ErrUnauthorized = errors.New("network: unauthorized")

// ErrNotFound matches any APIError with status 404.
var ErrNotFound = errors.New("network: not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx response from the server.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Is lets errors.Is match the status class sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// TransportError is a failure that produced no HTTP response: dial, TLS, timeout
// or an undecodable success body.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExtractMessage pulls a human readable message out of an error body. It
// understands {"message": ...}, FastAPI's {"detail": "..."} and
// {"detail": [{"msg": ...}]} shapes and {"error": ...}.
func ExtractMessage(body []byte) string {
	var payload map[string]jsoniter.RawMessage
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return DefaultErrorMessage
	}

	if msg := stringField(payload["message"]); msg != "" {
		return msg
	}
	if msg := detailMessage(payload["detail"]); msg != "" {
		return msg
	}
	if msg := stringField(payload["error"]); msg != "" {
		return msg
	}
	return DefaultErrorMessage
}

func stringField(raw jsoniter.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func detailMessage(raw jsoniter.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if s := stringField(raw); s != "" {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if m := strings.TrimSpace(it.Msg); m != "" {
				msgs = append(msgs, m)
			}
		}
		return strings.Join(msgs, "; ")
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}
