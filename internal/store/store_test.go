package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/realtime"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyArg accepts generated ids and optional pointers.
var anyArg = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

func stringPtr(want string) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		p, ok := v.(*string)
		return ok && p != nil && *p == want
	}
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("creates tables", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlSchema)).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))

		require.NoError(t, s.EnsureSchema(ctx))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("wraps failures", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		execErr := errors.New("permission denied")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlSchema)).WillReturnError(execErr)

		err := s.EnsureSchema(ctx)
		assert.ErrorIs(t, err, execErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts the envelope body", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		env := realtime.Envelope{
			Type:      realtime.TypeUpdate,
			Data:      json.RawMessage(`{"progress":40}`),
			Timestamp: "2024-03-01T11:59:59Z",
		}

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEnvelope)).
			WithArgs(
				anyArg,
				"network:42",
				"update",
				[]byte(`{"progress":40}`),
				stringPtr("2024-03-01T11:59:59Z"),
				fixedNow,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.Record(ctx, "network:42", env))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("falls back to payload and stores null for empty bodies", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEnvelope)).
			WithArgs(anyArg, "dashboard", "alert", []byte(`{"id":"a1"}`), anyArg, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEnvelope)).
			WithArgs(anyArg, "dashboard", "stats", []byte(nil), anyArg, fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.Record(ctx, "dashboard", realtime.Envelope{
			Type:    realtime.TypeAlert,
			Data:    json.RawMessage("null"),
			Payload: json.RawMessage(`{"id":"a1"}`),
		}))
		require.NoError(t, s.Record(ctx, "dashboard", realtime.Envelope{Type: realtime.TypeStats}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecordBatch(t *testing.T) {
	ctx := context.Background()
	earlier := fixedNow.Add(-time.Minute)

	records := []Record{
		{ChannelKey: "memory:7", Envelope: realtime.Envelope{Type: "initial_data", Data: json.RawMessage(`{}`)}, ReceivedAt: earlier},
		{ChannelKey: "dashboard", Envelope: realtime.Envelope{Type: "stats", Data: json.RawMessage(`{"n":1}`)}},
		{ChannelKey: "memory:7", Envelope: realtime.Envelope{Type: "update", Data: json.RawMessage(`{"n":2}`)}},
	}

	t.Run("should copy envelopes and upsert activity without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newTestStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"envelopes"}, envelopeColumns).
			WillReturnResult(3)

		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertActivity)).
			WithArgs("memory:7", int64(2), "update", fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertActivity)).
			WithArgs("dashboard", int64(1), "stats", fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.RecordBatch(ctx, records))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Equal(t, 0, observedLogs.Len(), "ErrTxClosed on rollback must not be logged")
		assert.True(t, records[1].ReceivedAt.IsZero(), "caller's records are not modified")
	})

	t.Run("empty batch touches nothing", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		require.NoError(t, s.RecordBatch(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.RecordBatch(ctx, records)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copy fails", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"envelopes"}, envelopeColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.RecordBatch(ctx, records)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a short copy", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"envelopes"}, envelopeColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.RecordBatch(ctx, records)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "copied 1 envelopes, expected 3")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if an activity upsert fails", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		upsertErr := errors.New("deadlock detected")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"envelopes"}, envelopeColumns).
			WillReturnResult(3)
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertActivity)).
			WithArgs("memory:7", int64(2), "update", fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertActivity)).
			WithArgs("dashboard", int64(1), "stats", fixedNow).
			WillReturnError(upsertErr)
		mockPool.ExpectRollback()

		err := s.RecordBatch(ctx, records)
		assert.ErrorIs(t, err, upsertErr)
		assert.Contains(t, err.Error(), "failed to update activity for dashboard")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecent(t *testing.T) {
	ctx := context.Background()

	t.Run("maps rows to records", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		rows := pgxmock.NewRows([]string{"type", "body", "sent_at", "received_at"}).
			AddRow("update", []byte(`{"n":2}`), "2024-03-01T12:00:00Z", fixedNow).
			AddRow("stats", []byte(nil), "", fixedNow.Add(-time.Second))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecent)).
			WithArgs("network:42", 2).
			WillReturnRows(rows)

		got, err := s.Recent(ctx, "network:42", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, "network:42", got[0].ChannelKey)
		assert.Equal(t, "update", got[0].Envelope.Type)
		assert.JSONEq(t, `{"n":2}`, string(got[0].Envelope.Body()))
		assert.Equal(t, "2024-03-01T12:00:00Z", got[0].Envelope.Timestamp)
		assert.True(t, got[0].ReceivedAt.Equal(fixedNow))

		assert.Nil(t, got[1].Envelope.Data)
		assert.Empty(t, got[1].Envelope.Timestamp)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("non-positive limit uses the default", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecent)).
			WithArgs("dashboard", DefaultRecentLimit).
			WillReturnRows(pgxmock.NewRows([]string{"type", "body", "sent_at", "received_at"}))

		got, err := s.Recent(ctx, "dashboard", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		queryErr := errors.New("relation does not exist")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecent)).
			WithArgs("dashboard", 5).
			WillReturnError(queryErr)

		_, err := s.Recent(ctx, "dashboard", 5)
		assert.ErrorIs(t, err, queryErr)
	})
}

func TestHandler_CountsFailures(t *testing.T) {
	observedZapCore, observedLogs := observer.New(zapcore.WarnLevel)
	s, mockPool := newTestStore(t, zap.New(observedZapCore))
	metrics := observability.NewMetrics()

	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEnvelope)).
		WithArgs(anyArg, "file:9", "update", []byte(`{"a":1}`), anyArg, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEnvelope)).
		WithArgs(anyArg, "file:9", "update", []byte(`{"a":2}`), anyArg, fixedNow).
		WillReturnError(errors.New("connection reset"))

	handler := s.Handler(context.Background(), "file:9", metrics)
	handler(realtime.Envelope{Type: "update", Data: json.RawMessage(`{"a":1}`)})
	handler(realtime.Envelope{Type: "update", Data: json.RawMessage(`{"a":2}`)})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ArchiveFailures))
	require.Equal(t, 1, observedLogs.FilterMessage("Failed to archive envelope").Len())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
