// File: internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/realtime"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// recordTimeout bounds a single archive write made from a channel handler.
const recordTimeout = 5 * time.Second

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS envelopes (
            id          UUID PRIMARY KEY,
            channel_key TEXT NOT NULL,
            type        TEXT NOT NULL,
            body        JSONB,
            sent_at     TEXT,
            received_at TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS envelopes_channel_received_idx ON envelopes (channel_key, received_at DESC);
        CREATE TABLE IF NOT EXISTS channel_activity (
            channel_key TEXT PRIMARY KEY,
            envelopes   BIGINT NOT NULL,
            last_type   TEXT NOT NULL,
            last_seen   TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertEnvelope = `
        INSERT INTO envelopes (id, channel_key, type, body, sent_at, received_at)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlUpsertActivity = `
        INSERT INTO channel_activity (channel_key, envelopes, last_type, last_seen)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (channel_key) DO UPDATE SET
            envelopes = channel_activity.envelopes + EXCLUDED.envelopes,
            last_type = EXCLUDED.last_type,
            last_seen = GREATEST(channel_activity.last_seen, EXCLUDED.last_seen);
    `
	sqlRecent = `
        SELECT type, body, COALESCE(sent_at, ''), received_at
        FROM envelopes
        WHERE channel_key = $1
        ORDER BY received_at DESC
        LIMIT $2;
    `
)

var envelopeColumns = []string{"id", "channel_key", "type", "body", "sent_at", "received_at"}

// Record is one archived envelope.
type Record struct {
	ChannelKey string
	Envelope   realtime.Envelope
	ReceivedAt time.Time
}

// Store archives realtime envelopes in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the archive tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Record archives a single envelope received on channelKey.
func (s *Store) Record(ctx context.Context, channelKey string, env realtime.Envelope) error {
	_, err := s.pool.Exec(ctx, sqlInsertEnvelope, envelopeRow(Record{
		ChannelKey: channelKey,
		Envelope:   env,
		ReceivedAt: s.now(),
	})...)
	if err != nil {
		return fmt.Errorf("failed to insert envelope for %s: %w", channelKey, err)
	}
	return nil
}

// RecordBatch archives records in one transaction using COPY and refreshes the
// per-channel activity summary.
func (s *Store) RecordBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	stamped := make([]Record, len(records))
	rows := make([][]any, len(records))
	for i, r := range records {
		if r.ReceivedAt.IsZero() {
			r.ReceivedAt = s.now()
		}
		stamped[i] = r
		rows[i] = envelopeRow(r)
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"envelopes"}, envelopeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy envelopes: %w", err)
	}
	if copyCount != int64(len(rows)) {
		return fmt.Errorf("copied %d envelopes, expected %d", copyCount, len(rows))
	}

	if err := s.updateActivity(ctx, tx, stamped); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type activity struct {
	key      string
	count    int64
	lastType string
	lastSeen time.Time
}

// updateActivity queues one upsert per distinct channel, in first-seen order.
func (s *Store) updateActivity(ctx context.Context, tx pgx.Tx, records []Record) error {
	var order []*activity
	byKey := make(map[string]*activity)
	for _, r := range records {
		a, ok := byKey[r.ChannelKey]
		if !ok {
			a = &activity{key: r.ChannelKey}
			byKey[r.ChannelKey] = a
			order = append(order, a)
		}
		a.count++
		if !r.ReceivedAt.Before(a.lastSeen) {
			a.lastSeen = r.ReceivedAt
			a.lastType = r.Envelope.Type
		}
	}

	batch := &pgx.Batch{}
	for _, a := range order {
		batch.Queue(sqlUpsertActivity, a.key, a.count, a.lastType, a.lastSeen.UTC())
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, a := range order {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to update activity for %s: %w", a.key, err)
		}
	}
	return nil
}

// Recent returns up to limit envelopes for channelKey, newest first.
func (s *Store) Recent(ctx context.Context, channelKey string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.pool.Query(ctx, sqlRecent, channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			envType  string
			body     []byte
			sentAt   string
			received time.Time
		)
		if err := rows.Scan(&envType, &body, &sentAt, &received); err != nil {
			return nil, fmt.Errorf("failed to scan envelope row: %w", err)
		}
		rec := Record{
			ChannelKey: channelKey,
			Envelope:   realtime.Envelope{Type: envType},
			ReceivedAt: received,
		}
		if len(body) > 0 {
			rec.Envelope.Data = json.RawMessage(body)
		}
		rec.Envelope.Timestamp = sentAt
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Handler returns a subscriber that archives every envelope on channelKey.
// Failures are logged and counted; they never reach the channel.
func (s *Store) Handler(ctx context.Context, channelKey string, metrics *observability.Metrics) realtime.Handler {
	return func(env realtime.Envelope) {
		writeCtx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if err := s.Record(writeCtx, channelKey, env); err != nil {
			metrics.ObserveArchiveFailure()
			s.log.Warn("Failed to archive envelope",
				zap.String("channel", channelKey),
				zap.String("type", env.Type),
				zap.Error(err))
		}
	}
}

func envelopeRow(r Record) []any {
	var sentAt *string
	if r.Envelope.Timestamp != "" {
		ts := r.Envelope.Timestamp
		sentAt = &ts
	}
	return []any{
		uuid.New(),
		r.ChannelKey,
		r.Envelope.Type,
		bodyOf(r.Envelope),
		sentAt,
		r.ReceivedAt.UTC(),
	}
}

// bodyOf returns the envelope body as a jsonb value. A missing body is stored as SQL NULL.
func bodyOf(env realtime.Envelope) []byte {
	body := env.Body()
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	return []byte(body)
}
