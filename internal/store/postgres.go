package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// Postgres implements Store and Queries over a lib/pq connection pool.
type Postgres struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB, logger logging.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// DB exposes the underlying pool for health checks.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// InsertLogs performs a single multi-row insert for the batch.
func (p *Postgres) InsertLogs(ctx context.Context, batch []models.SubstrateLog) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO substrate_logs (logs, peer_connection_id, created_at) VALUES ")
	args := make([]interface{}, 0, len(batch)*3)
	for i, l := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, []byte(l.Logs), l.PeerConnectionID, l.CreatedAt)
	}

	res, err := p.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert substrate_logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return len(batch), nil
	}
	return int(n), nil
}

// FetchSince uses a strict > comparison on created_at so an entry's last-seen
// timestamp is never re-delivered. This assumes no two records for the same
// stream key share a created_at; nodes emit sub-second RFC-3339 timestamps.
func (p *Postgres) FetchSince(ctx context.Context, pm models.PeerMessage, since time.Time, limit int) ([]models.SubstrateLog, error) {
	if limit <= 0 || limit > RecordLimit {
		limit = RecordLimit
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT sl.logs, sl.created_at
		 FROM substrate_logs sl
		 LEFT JOIN peer_connections pc ON sl.peer_connection_id = pc.id
		 WHERE pc.peer_id = $1
		 AND sl.created_at > $2
		 AND sl.logs->>'msg' = $3
		 ORDER BY sl.created_at ASC
		 LIMIT $4`,
		pm.PeerID, since, pm.Msg, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch since: %w", err)
	}
	defer rows.Close()

	var out []models.SubstrateLog
	for rows.Next() {
		var l models.SubstrateLog
		if err := rows.Scan(&l.Logs, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan substrate_log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreatePeerConnection inserts a connection row and returns it with the
// assigned id.
func (p *Postgres) CreatePeerConnection(ctx context.Context, ip string, audit bool) (*models.PeerConnection, error) {
	pc := &models.PeerConnection{IPAddr: ip, Audit: audit}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO peer_connections (ip_addr, peer_id, audit)
		 VALUES ($1, NULL, $2)
		 RETURNING id, created_at`,
		ip, audit).Scan(&pc.ID, &pc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert peer_connection for ip %s: %w", ip, err)
	}
	return pc, nil
}

// UpdatePeerID records the peer id discovered from a node's payload.
func (p *Postgres) UpdatePeerID(ctx context.Context, id int64, peerID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE peer_connections SET peer_id = $2 WHERE id = $1`, id, peerID)
	if err != nil {
		return fmt.Errorf("update peer_connection %d: %w", id, err)
	}
	return nil
}

// PurgeOlderThan deletes expired records. The join keeps rows belonging to
// audit connections regardless of age.
func (p *Postgres) PurgeOlderThan(ctx context.Context, hours int) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM substrate_logs
		 USING peer_connections
		 WHERE peer_connections.id = peer_connection_id
		 AND audit = false
		 AND substrate_logs.created_at < now() - $1 * interval '1 hour'`,
		hours)
	if err != nil {
		return 0, fmt.Errorf("purge substrate_logs: %w", err)
	}
	return res.RowsAffected()
}

// Nodes returns the latest connection row per known peer.
func (p *Postgres) Nodes(ctx context.Context) ([]models.PeerConnection, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT ON (peer_id) id, ip_addr, peer_id, created_at, audit
		 FROM peer_connections
		 WHERE peer_id IS NOT NULL
		 ORDER BY peer_id, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []models.PeerConnection
	for rows.Next() {
		var pc models.PeerConnection
		if err := rows.Scan(&pc.ID, &pc.IPAddr, &pc.PeerID, &pc.CreatedAt, &pc.Audit); err != nil {
			return nil, fmt.Errorf("scan peer_connection: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// Logs returns records for a peer within a time window, newest first,
// optionally narrowed by msg kind and target.
func (p *Postgres) Logs(ctx context.Context, f models.Filter) ([]LogRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > RecordLimit {
		limit = RecordLimit
	}

	var sb strings.Builder
	sb.WriteString(
		`SELECT ip_addr, peer_id, logs->>'msg' AS msg, sl.created_at, logs
		 FROM substrate_logs sl
		 LEFT JOIN peer_connections pc ON sl.peer_connection_id = pc.id
		 WHERE peer_id = $1
		 AND sl.created_at > $2
		 AND sl.created_at < $3`)
	args := []interface{}{f.PeerID, f.StartOrEpoch(), f.EndOrNow()}
	if f.Msg != "" {
		args = append(args, f.Msg)
		fmt.Fprintf(&sb, " AND logs->>'msg' = $%d", len(args))
	}
	if f.Target != "" {
		args = append(args, f.Target)
		fmt.Fprintf(&sb, " AND logs->>'target' = $%d", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY sl.created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.IPAddr, &r.PeerID, &r.Msg, &r.CreatedAt, &r.Logs); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogStats counts a peer's records grouped by message kind.
func (p *Postgres) LogStats(ctx context.Context, peerID string) ([]LogStat, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT COUNT(log_type) AS qty, log_type
		 FROM (
		 SELECT logs->>'msg' AS log_type
		 FROM substrate_logs sl
		 LEFT JOIN peer_connections pc ON sl.peer_connection_id = pc.id
		 WHERE peer_id = $1) t
		 GROUP BY t.log_type`,
		peerID)
	if err != nil {
		return nil, fmt.Errorf("query log stats: %w", err)
	}
	defer rows.Close()

	var out []LogStat
	for rows.Next() {
		var s LogStat
		if err := rows.Scan(&s.Qty, &s.LogType); err != nil {
			return nil, fmt.Errorf("scan log stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DBSize summarizes on-disk relation sizes, largest first.
func (p *Postgres) DBSize(ctx context.Context) ([]RelationSize, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT nspname || '.' || relname AS relation,
		 pg_size_pretty(pg_relation_size(C.oid)) AS size
		 FROM pg_class C
		 LEFT JOIN pg_namespace N ON (N.oid = C.relnamespace)
		 WHERE nspname NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY pg_relation_size(C.oid) DESC
		 LIMIT 1000`)
	if err != nil {
		return nil, fmt.Errorf("query db size: %w", err)
	}
	defer rows.Close()

	var out []RelationSize
	for rows.Next() {
		var r RelationSize
		if err := rows.Scan(&r.Relation, &r.Size); err != nil {
			return nil, fmt.Errorf("scan relation size: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
