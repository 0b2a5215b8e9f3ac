// Package sink forwards realtime envelopes to external consumers.
package sink

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/realtime"
)

const (
	// DefaultSubjectPrefix is used when the configured prefix is empty.
	DefaultSubjectPrefix = "forensync"

	HeaderEnvelopeType = "x-envelope-type"
	HeaderChannel      = "x-channel"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATS publishes envelopes to {prefix}.{channelKey}.{type}.
type NATS struct {
	pub     Publisher
	conn    *nats.Conn
	prefix  string
	metrics *observability.Metrics
	log     *zap.Logger
}

// Connect dials url and returns a sink that owns the connection.
func Connect(url, prefix string, metrics *observability.Metrics, logger *zap.Logger) (*NATS, error) {
	log := logger.Named("sink.nats")
	nc, err := nats.Connect(url,
		nats.Name("forensync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s := New(nc, prefix, metrics, logger)
	s.conn = nc
	return s, nil
}

// New wraps an existing publisher. The caller keeps ownership of it.
func New(pub Publisher, prefix string, metrics *observability.Metrics, logger *zap.Logger) *NATS {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{
		pub:     pub,
		prefix:  prefix,
		metrics: metrics,
		log:     logger.Named("sink.nats"),
	}
}

// Subject returns the subject an envelope of envType on channelKey is published to.
func (s *NATS) Subject(channelKey, envType string) string {
	if envType == "" {
		envType = "unknown"
	}
	return s.prefix + "." + token(channelKey) + "." + token(envType)
}

// Publish forwards one envelope. The error is returned for callers that care;
// Handler only logs it.
func (s *NATS) Publish(channelKey string, env realtime.Envelope) error {
	data, err := jsonAPI.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	msg := nats.NewMsg(s.Subject(channelKey, env.Type))
	msg.Header.Set(HeaderEnvelopeType, env.Type)
	msg.Header.Set(HeaderChannel, channelKey)
	msg.Data = data
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Handler returns a subscriber that forwards every envelope on channelKey.
func (s *NATS) Handler(channelKey string) realtime.Handler {
	return func(env realtime.Envelope) {
		if err := s.Publish(channelKey, env); err != nil {
			s.metrics.ObserveSinkFailure()
			s.log.Warn("Failed to forward envelope",
				zap.String("channel", channelKey),
				zap.String("type", env.Type),
				zap.Error(err))
		}
	}
}

// Close drains the connection when the sink owns one.
func (s *NATS) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// token makes a channel key safe to use as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
