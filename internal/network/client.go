package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/session"
)

// HeaderRequestID carries the per-call correlation id.
const HeaderRequestID = "X-Request-ID"

// maxResponseBytes bounds how much of a response body is buffered.
const maxResponseBytes = 32 << 20

// RequestInterceptor may modify an outgoing request. Returning an error aborts the call.
type RequestInterceptor func(req *http.Request) error

// Options configures a Client. Only BaseURL is required.
type Options struct {
	// BaseURL includes any API path prefix, e.g. http://localhost:8000/api.
	BaseURL      string
	HTTPClient   *http.Client
	Session      session.Provider
	Notifier     notify.Notifier
	Metrics      *observability.Metrics
	Limiter      *rate.Limiter
	Headers      map[string]string
	Interceptors []RequestInterceptor
	Logger       *zap.Logger
}

// Client performs JSON requests against the analysis API. Every failure is
// reported to the notifier exactly once, except for caller cancellation.
// A Client is safe for concurrent use.
type Client struct {
	base         *url.URL
	http         *http.Client
	session      session.Provider
	notifier     notify.Notifier
	metrics      *observability.Metrics
	limiter      *rate.Limiter
	interceptors []RequestInterceptor
	logger       *zap.Logger
}

// NewClient builds a Client. The interceptor chain is fixed at construction:
// request id, static headers, bearer token, then opts.Interceptors.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("network: invalid base url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("network: base url %q must be http or https", opts.BaseURL)
	}

	c := &Client{
		base:     base,
		http:     opts.HTTPClient,
		session:  opts.Session,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
	}
	if c.http == nil {
		c.http = NewHTTPClient(nil)
	}
	if c.session == nil {
		c.session = session.NewMemoryProvider("")
	}
	if c.notifier == nil {
		c.notifier = notify.Discard
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("api_client")

	c.interceptors = append(c.interceptors, requestIDInterceptor)
	if len(opts.Headers) > 0 {
		c.interceptors = append(c.interceptors, staticHeaders(opts.Headers))
	}
	c.interceptors = append(c.interceptors, bearerInterceptor(c.session))
	c.interceptors = append(c.interceptors, opts.Interceptors...)
	return c, nil
}

// BaseURL returns a copy of the resolved base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Session exposes the provider the bearer token is read from.
func (c *Client) Session() session.Provider { return c.session }

// Request sends method to path (relative to the base URL) with an optional body
// and query, and decodes a 2xx JSON response into out when out is non-nil.
// A *Multipart body is sent as multipart/form-data; any other non-nil body is
// encoded as JSON.
func (c *Client) Request(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.fail(method, path, "throttle", &TransportError{Method: method, Path: path, Err: err}, DefaultErrorMessage)
		}
	}

	target := c.base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	reqBody, contentType, err := encodeBody(body)
	if err != nil {
		return c.fail(method, path, "encode", &TransportError{Method: method, Path: path, Err: err}, DefaultErrorMessage)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		if reqBody != nil {
			reqBody.Close()
		}
		return c.fail(method, path, "encode", &TransportError{Method: method, Path: path, Err: err}, DefaultErrorMessage)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for _, intercept := range c.interceptors {
		if err := intercept(req); err != nil {
			if reqBody != nil {
				reqBody.Close()
			}
			return c.fail(method, path, "interceptor", &TransportError{Method: method, Path: path, Err: err}, DefaultErrorMessage)
		}
	}

	logger := c.logger.With(
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", req.Header.Get(HeaderRequestID)),
	)
	logger.Debug("Sending request.")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Request cancelled by caller.", zap.Error(ctx.Err()))
			return ctx.Err()
		}
		return c.fail(method, path, "transport", &TransportError{Method: method, Path: path, Err: err}, DefaultErrorMessage)
	}
	defer resp.Body.Close()

	c.metrics.ObserveRequest(method, statusClass(resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fail(method, path, "transport", &TransportError{Method: method, Path: path, Err: err}, DefaultErrorMessage)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    ExtractMessage(data),
			Body:       data,
		}
		logger.Debug("Request failed.", zap.Int("status", resp.StatusCode), zap.String("message", apiErr.Message))
		return c.fail(method, path, "status", apiErr, apiErr.Message)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.fail(method, path, "decode", &TransportError{Method: method, Path: path, Err: fmt.Errorf("decode response: %w", err)}, DefaultErrorMessage)
	}
	return nil
}

func (c *Client) fail(method, path, kind string, err error, message string) error {
	c.metrics.ObserveFailure(kind)
	c.logger.Warn("API call failed.",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("kind", kind),
		zap.Error(err),
	)
	c.notifier.Notify(notify.Error(message))
	return err
}

func encodeBody(body any) (io.ReadCloser, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *Multipart:
		if b == nil {
			return nil, "", nil
		}
		r, ct := b.stream()
		return r, ct, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return io.NopCloser(bytes.NewReader(data)), "application/json", nil
	}
}

func requestIDInterceptor(req *http.Request) error {
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}
	return nil
}

func staticHeaders(headers map[string]string) RequestInterceptor {
	return func(req *http.Request) error {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return nil
	}
}

// bearerInterceptor attaches the session token when one is present and leaves
// the request unauthenticated otherwise.
func bearerInterceptor(p session.Provider) RequestInterceptor {
	return func(req *http.Request) error {
		if token, ok := p.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.Header.Del("Authorization")
		}
		return nil
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// IsCancellation reports whether err is caller-driven cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
