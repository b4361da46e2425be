package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

func newTestStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, logging.NewLogger()), mock
}

func TestInsertLogsMultiRow(t *testing.T) {
	st, mock := newTestStore(t)

	now := time.Now().UTC()
	batch := []models.SubstrateLog{
		{PeerConnectionID: 1, CreatedAt: now, Logs: json.RawMessage(`{"msg":"system.interval"}`)},
		{PeerConnectionID: 1, CreatedAt: now.Add(time.Second), Logs: json.RawMessage(`{"msg":"system.interval"}`)},
		{PeerConnectionID: 2, CreatedAt: now, Logs: json.RawMessage(`{"msg":"tracing.profiling"}`)},
	}

	mock.ExpectExec(`INSERT INTO substrate_logs \(logs, peer_connection_id, created_at\) VALUES \(\$1, \$2, \$3\), \(\$4, \$5, \$6\), \(\$7, \$8, \$9\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.InsertLogs(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLogsEmptyBatch(t *testing.T) {
	st, mock := newTestStore(t)
	n, err := st.InsertLogs(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchSinceStrictlyNewer(t *testing.T) {
	st, mock := newTestStore(t)

	since := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pm := models.PeerMessage{PeerID: "P1", Msg: "system.interval"}

	rows := sqlmock.NewRows([]string{"logs", "created_at"}).
		AddRow([]byte(`{"msg":"system.interval","peers":3}`), since.Add(time.Second)).
		AddRow([]byte(`{"msg":"system.interval","peers":4}`), since.Add(2*time.Second))

	mock.ExpectQuery(`sl\.created_at > \$2`).
		WithArgs("P1", since, "system.interval", RecordLimit).
		WillReturnRows(rows)

	got, err := st.FetchSince(context.Background(), pm, since, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePeerConnection(t *testing.T) {
	st, mock := newTestStore(t)

	created := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO peer_connections`).
		WithArgs("10.0.0.9:4411", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), created))

	pc, err := st.CreatePeerConnection(context.Background(), "10.0.0.9:4411", true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pc.ID)
	assert.True(t, pc.Audit)
	assert.Nil(t, pc.PeerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePeerID(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE peer_connections SET peer_id = \$2 WHERE id = \$1`).
		WithArgs(int64(7), "QmPeer").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.UpdatePeerID(context.Background(), 7, "QmPeer"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeSkipsAuditRows(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(`DELETE FROM substrate_logs\s+USING peer_connections\s+WHERE peer_connections\.id = peer_connection_id\s+AND audit = false`).
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := st.PurgeOlderThan(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogsAppliesOptionalFilters(t *testing.T) {
	st, mock := newTestStore(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	f := models.Filter{
		PeerID:    "P1",
		StartTime: &start,
		EndTime:   &end,
		Msg:       "tracing.profiling",
		Target:    "sync",
		Limit:     5,
	}

	rows := sqlmock.NewRows([]string{"ip_addr", "peer_id", "msg", "created_at", "logs"}).
		AddRow("10.0.0.1:100", "P1", "tracing.profiling", end.Add(-time.Minute), []byte(`{"msg":"tracing.profiling"}`))

	mock.ExpectQuery(`AND logs->>'msg' = \$4\s+AND logs->>'target' = \$5\s+ORDER BY sl\.created_at DESC LIMIT \$6`).
		WithArgs("P1", start, end, "tracing.profiling", "sync", 5).
		WillReturnRows(rows)

	got, err := st.Logs(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P1", got[0].PeerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogsCapsLimit(t *testing.T) {
	st, mock := newTestStore(t)

	f := models.Filter{PeerID: "P1", Limit: RecordLimit * 10}

	mock.ExpectQuery(`ORDER BY sl\.created_at DESC LIMIT \$4`).
		WithArgs("P1", sqlmock.AnyArg(), sqlmock.AnyArg(), RecordLimit).
		WillReturnRows(sqlmock.NewRows([]string{"ip_addr", "peer_id", "msg", "created_at", "logs"}))

	_, err := st.Logs(context.Background(), f)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogStats(t *testing.T) {
	st, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"qty", "log_type"}).
		AddRow(int64(120), "system.interval").
		AddRow(int64(4), "tracing.profiling")

	mock.ExpectQuery(`GROUP BY t\.log_type`).
		WithArgs("P1").
		WillReturnRows(rows)

	got, err := st.LogStats(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(120), got[0].Qty)
	require.NoError(t, mock.ExpectationsWereMet())
}
