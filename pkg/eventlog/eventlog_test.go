package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"callctl/pkg/eventlog"
	"callctl/pkg/protocol"
	"callctl/pkg/registry"
)

// setupTestDB opens a fresh database with the callctl schema.
func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "callctl.db")
	db, err := registry.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, dbPath
}

func seed(t *testing.T, w *eventlog.Writer, base time.Time) {
	t.Helper()
	events := []protocol.Event{
		{Type: protocol.EventAgentStarted, Source: "supervisor", AgentID: "a1", Payload: `{"pid":42}`},
		{Type: protocol.EventDispatched, Source: "dispatch", AgentID: "a1", Room: "room-1"},
		{Type: protocol.EventCallState, Source: "callsession", AgentID: "a1", Room: "room-1", Payload: `{"from":"dialing","to":"active"}`},
		{Type: protocol.EventAgentStarted, Source: "supervisor", AgentID: "a2"},
		{Type: protocol.EventAgentStopped, Source: "supervisor", AgentID: "a1"},
	}
	for i, e := range events {
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := w.Insert(context.Background(), e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
}

func TestQuery_Filters(t *testing.T) {
	db, _ := setupTestDB(t)
	w := eventlog.NewWriter(db, nil)
	t.Cleanup(w.Close)
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	seed(t, w, base)

	r := eventlog.NewReaderDB(db)
	ctx := context.Background()

	t.Run("all newest first", func(t *testing.T) {
		events, err := r.Query(ctx, eventlog.QueryOpts{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("got %d events, want 5", len(events))
		}
		if events[0].Type != protocol.EventAgentStopped {
			t.Errorf("first event = %q, want newest agent_stopped", events[0].Type)
		}
		if !events[4].CreatedAt.Equal(base) {
			t.Errorf("oldest created_at = %v, want %v", events[4].CreatedAt, base)
		}
	})

	t.Run("by agent and type", func(t *testing.T) {
		events, err := r.Query(ctx, eventlog.QueryOpts{AgentID: "a1", Type: protocol.EventAgentStarted})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) != 1 || events[0].Payload != `{"pid":42}` {
			t.Errorf("events = %+v", events)
		}
	})

	t.Run("by room", func(t *testing.T) {
		events, err := r.Query(ctx, eventlog.QueryOpts{Room: "room-1"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("got %d room events, want 2", len(events))
		}
	})

	t.Run("time range", func(t *testing.T) {
		after := base.Add(1500 * time.Millisecond)
		before := base.Add(3 * time.Second)
		events, err := r.Query(ctx, eventlog.QueryOpts{After: &after, Before: &before})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("got %d events in range, want 2", len(events))
		}
	})

	t.Run("after id with limit", func(t *testing.T) {
		all, _ := r.Query(ctx, eventlog.QueryOpts{})
		oldest := all[len(all)-1].ID
		events, err := r.Query(ctx, eventlog.QueryOpts{AfterID: oldest, Limit: 2})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("got %d events, want 2", len(events))
		}
		for _, e := range events {
			if e.ID <= oldest {
				t.Errorf("event id %d not after %d", e.ID, oldest)
			}
		}
	})
}

func TestWriter_RecordFlushesOnClose(t *testing.T) {
	db, dbPath := setupTestDB(t)
	w := eventlog.NewWriter(db, nil)

	for range 10 {
		w.Record(protocol.Event{Type: protocol.EventCallState, Source: "callsession", Room: "room-9"})
	}
	w.Close()
	w.Close()
	// Recording after close is a no-op, not a panic.
	w.Record(protocol.Event{Type: protocol.EventCallState, Source: "callsession"})

	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	events, err := r.Query(context.Background(), eventlog.QueryOpts{Room: "room-9"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("got %d events, want 10", len(events))
	}
}

func TestNewReader_MissingDB(t *testing.T) {
	if _, err := eventlog.NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("expected error for missing database")
	}
}
