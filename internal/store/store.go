// Package store owns durable state. The live data plane consumes the Store
// interface; the Postgres implementation lives alongside it, together with
// the retention purger.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paritytech/substrate-analytics/internal/models"
)

// RecordLimit caps how many rows a single query may return.
const RecordLimit = 10000

// Store is the durable backend consumed by the live data plane.
type Store interface {
	// InsertLogs appends a batch of records. Atomicity per batch is not
	// required, but a partial failure must surface an error.
	InsertLogs(ctx context.Context, batch []models.SubstrateLog) (int, error)

	// FetchSince returns records for the given stream key strictly newer
	// than since, ascending by created_at, capped at limit.
	FetchSince(ctx context.Context, pm models.PeerMessage, since time.Time, limit int) ([]models.SubstrateLog, error)

	// CreatePeerConnection persists a new connection row for an accepted
	// node stream.
	CreatePeerConnection(ctx context.Context, ip string, audit bool) (*models.PeerConnection, error)

	// UpdatePeerID sets the peer id on an existing connection row.
	UpdatePeerID(ctx context.Context, id int64, peerID string) error

	// PurgeOlderThan deletes records older than the given number of hours,
	// skipping rows that belong to audit-flagged connections.
	PurgeOlderThan(ctx context.Context, hours int) (int64, error)
}

// Queries is the read-only surface behind the HTTP API. It never touches
// cache state.
type Queries interface {
	Nodes(ctx context.Context) ([]models.PeerConnection, error)
	Logs(ctx context.Context, f models.Filter) ([]LogRow, error)
	LogStats(ctx context.Context, peerID string) ([]LogStat, error)
	DBSize(ctx context.Context) ([]RelationSize, error)
}

// LogRow is a stored record joined with its connection metadata.
type LogRow struct {
	IPAddr    string          `json:"ip_addr"`
	PeerID    string          `json:"peer_id"`
	Msg       string          `json:"msg"`
	CreatedAt time.Time       `json:"created_at"`
	Logs      json.RawMessage `json:"logs"`
}

// LogStat is a per-message-kind record count for one peer.
type LogStat struct {
	Qty     int64  `json:"qty"`
	LogType string `json:"log_type"`
}

// RelationSize is one row of the database size summary.
type RelationSize struct {
	Relation string `json:"relation"`
	Size     string `json:"size"`
}
