// Package eventlog persists and queries the lifecycle event log: supervisor
// transitions, dispatches and call-state changes.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"callctl/pkg/protocol"
)

// TimeLayout is the fixed-width UTC layout of events.created_at. Fixed width
// keeps string comparison in time-range filters correct.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	AgentID string
	Room    string
	Type    protocol.EventType

	// After filters events created at or after this time.
	After *time.Time
	// Before filters events created at or before this time.
	Before *time.Time
	// AfterID returns only events with a larger id, for tailing.
	AfterID int64

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader queries the event log.
type Reader struct {
	db    *sql.DB
	owned bool
}

// NewReader opens the database at dbPath read-only with WAL so it never
// blocks the daemon. The file must exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db, owned: true}, nil
}

// NewReaderDB returns a Reader over an already open database. Close does
// not close db.
func NewReaderDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the connection if the Reader opened it.
func (r *Reader) Close() error {
	if r.owned && r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query returns events matching opts, newest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []protocol.Event{}
	for rows.Next() {
		var (
			e                      protocol.Event
			typ                    string
			agentID, room, payload sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&e.ID, &typ, &e.Source, &agentID, &room, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = protocol.EventType(typ)
		e.AgentID = agentID.String
		e.Room = room.String
		e.Payload = payload.String
		if createdAt != "" {
			t, err := time.Parse(time.RFC3339Nano, createdAt)
			if err != nil {
				return nil, fmt.Errorf("parse created_at: %w", err)
			}
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, agent_id, room_name, payload, created_at FROM events WHERE 1=1"

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Room != "" {
		conditions = append(conditions, "room_name = ?")
		args = append(args, opts.Room)
	}
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(TimeLayout))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(TimeLayout))
	}
	if opts.AfterID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, opts.AfterID)
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
