package realtime

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds the close handshake write.
const closeGracePeriod = time.Second

// Conn is an open socket. ReadMessage is only called from one goroutine;
// Close may be called concurrently with it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens sockets. Implementations must honor ctx during the handshake.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, rawURL string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, rawURL string) (Conn, error) { return f(ctx, rawURL) }

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	dialer    *websocket.Dialer
	readLimit int64
	header    http.Header
}

// GorillaOptions configures a GorillaDialer.
type GorillaOptions struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps a single frame; zero leaves gorilla's default.
	ReadLimit int64
	TLSConfig *tls.Config
	Header    http.Header
}

// NewGorillaDialer creates a dialer.
func NewGorillaDialer(opts GorillaOptions) *GorillaDialer {
	d := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		d.HandshakeTimeout = opts.HandshakeTimeout
	}
	d.TLSClientConfig = opts.TLSConfig
	return &GorillaDialer{dialer: &d, readLimit: opts.ReadLimit, header: opts.Header}
}

func (g *GorillaDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := g.dialer.DialContext(ctx, rawURL, g.header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("realtime: handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	if g.readLimit > 0 {
		conn.SetReadLimit(g.readLimit)
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (c *gorillaConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close sends a normal-closure frame when possible, then closes the socket.
func (c *gorillaConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}
