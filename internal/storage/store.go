// Package storage persists decoded packets in SQLite. The database is
// shared with an external viewer process, so every connection runs in
// WAL mode: the viewer's read-only queries never block the writer and
// never observe a packet row without its value rows.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_packets (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	type         TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	sender       TEXT NOT NULL,
	endpoints    TEXT NOT NULL, -- JSON array, wire order
	timestamp_ms INTEGER NOT NULL,
	received_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packets_type_sender ON telemetry_packets(type, sender);
CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON telemetry_packets(timestamp_ms);

CREATE TABLE IF NOT EXISTS telemetry_values (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	packet_id INTEGER NOT NULL,
	idx       INTEGER NOT NULL,
	value     REAL,
	FOREIGN KEY(packet_id) REFERENCES telemetry_packets(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_values_packet ON telemetry_values(packet_id, idx);
`

// Config holds the parameters for opening the packet store.
type Config struct {
	// Path is the SQLite database file. Created if absent.
	Path string

	// PoolSize is the number of connections. Defaults to 4. The
	// ingest loop is a single writer; extra connections serve
	// concurrent read queries.
	PoolSize int
}

// Store is the relational persistence target for decoded packets.
// Safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	log  *logrus.Logger
}

// Open creates the store, applying WAL pragmas and the schema to every
// connection.
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}

	log.WithFields(logrus.Fields{
		"path":      cfg.Path,
		"pool_size": poolSize,
	}).Info("packet store opened")

	return &Store{pool: pool, log: log}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("storage: creating schema: %w", err)
	}
	return nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *Store) Close() error {
	return s.pool.Close()
}

// WritePacket inserts one packet row plus its value rows in a single
// immediate transaction and returns the packet row id. A missing value
// is stored as NULL at its original channel index.
func (s *Store) WritePacket(ctx context.Context, pkt *models.Packet) (id int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: write packet: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	endpoints := pkt.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	endpointsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal endpoints: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO telemetry_packets(type, size_bytes, sender, endpoints, timestamp_ms, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				pkt.Type,
				pkt.SizeBytes,
				pkt.Sender,
				string(endpointsJSON),
				pkt.TimestampMS,
				pkt.ReceivedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	if err != nil {
		return 0, fmt.Errorf("storage: insert packet: %w", err)
	}
	id = conn.LastInsertRowID()

	for i, v := range pkt.Values {
		var value any
		if !models.IsMissing(v) {
			value = v
		}
		err = sqlitex.Execute(conn,
			"INSERT INTO telemetry_values(packet_id, idx, value) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{id, i, value}})
		if err != nil {
			return 0, fmt.Errorf("storage: insert value %d: %w", i, err)
		}
	}

	return id, nil
}

// ValueFilter selects value rows for the read API. Zero-valued fields
// are not applied.
type ValueFilter struct {
	Type    string // Exact match on packet type.
	Sender  string // Exact match on sender.
	StartMS int64  // Earliest timestamp_ms, inclusive.
	EndMS   int64  // Latest timestamp_ms, inclusive (0 = open).
	Limit   int    // Maximum rows (default 10000).
}

// ValueRow is one value sample joined with its packet row.
type ValueRow struct {
	PacketID    int64
	Type        string
	Sender      string
	Endpoints   []string
	TimestampMS int64
	ReceivedAt  time.Time
	Index       int
	Value       *float64 // nil when the wire token was unparseable
}

// QueryValues returns value rows matching the filter, ordered by
// receive time then channel index. This is the query the external
// viewer issues to plot channels over time.
func (s *Store) QueryValues(ctx context.Context, filter ValueFilter) ([]ValueRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: query values: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT p.id, p.type, p.sender, p.endpoints, p.timestamp_ms, p.received_at, v.idx, v.value
		FROM telemetry_packets p
		JOIN telemetry_values v ON v.packet_id = p.id
		WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += " AND p.type = ?"
		args = append(args, filter.Type)
	}
	if filter.Sender != "" {
		query += " AND p.sender = ?"
		args = append(args, filter.Sender)
	}
	if filter.StartMS != 0 {
		query += " AND p.timestamp_ms >= ?"
		args = append(args, filter.StartMS)
	}
	if filter.EndMS != 0 {
		query += " AND p.timestamp_ms <= ?"
		args = append(args, filter.EndMS)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	query += " ORDER BY p.received_at ASC, v.idx ASC LIMIT ?"
	args = append(args, limit)

	var rows []ValueRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row, err := scanValueRow(stmt)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query values: %w", err)
	}
	return rows, nil
}

func scanValueRow(stmt *sqlite.Stmt) (ValueRow, error) {
	row := ValueRow{
		PacketID:    stmt.ColumnInt64(0),
		Type:        stmt.ColumnText(1),
		Sender:      stmt.ColumnText(2),
		TimestampMS: stmt.ColumnInt64(4),
		Index:       stmt.ColumnInt(6),
	}

	if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &row.Endpoints); err != nil {
		return row, fmt.Errorf("unmarshal endpoints: %w", err)
	}

	receivedAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(5))
	if err != nil {
		return row, fmt.Errorf("parse received_at: %w", err)
	}
	row.ReceivedAt = receivedAt

	if !stmt.ColumnIsNull(7) {
		v := stmt.ColumnFloat(7)
		row.Value = &v
	}
	return row, nil
}

// TypesAndSenders returns the distinct senders seen per packet type.
// The viewer uses this to build its tab tree.
func (s *Store) TypesAndSenders(ctx context.Context) (map[string][]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: types and senders: %w", err)
	}
	defer s.pool.Put(conn)

	result := make(map[string][]string)
	err = sqlitex.Execute(conn,
		"SELECT DISTINCT type, sender FROM telemetry_packets ORDER BY type, sender",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packetType := stmt.ColumnText(0)
				result[packetType] = append(result[packetType], stmt.ColumnText(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: types and senders: %w", err)
	}
	return result, nil
}

// Stats summarizes the store for the status endpoint.
type Stats struct {
	PacketCount       int64 `json:"packet_count"`
	ValueCount        int64 `json:"value_count"`
	DatabaseSizeBytes int64 `json:"database_size_bytes"`
}

// Stats returns row counts and the database file size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats Stats
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM telemetry_packets", &stats.PacketCount},
		{"SELECT COUNT(*) FROM telemetry_values", &stats.ValueCount},
		{"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()", &stats.DatabaseSizeBytes},
	}
	for _, c := range counts {
		err := sqlitex.ExecuteTransient(conn, c.query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*c.dest = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return stats, fmt.Errorf("storage: stats: %w", err)
		}
	}
	return stats, nil
}
