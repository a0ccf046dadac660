package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callctl/pkg/protocol"
)

const writerBuffer = 256

// Writer appends events to the log. Record queues and returns immediately;
// a background goroutine performs the inserts in order.
type Writer struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan protocol.Event
	wg     sync.WaitGroup
}

// NewWriter starts a Writer over db. Call Close to flush and stop it.
func NewWriter(db *sql.DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		db:     db,
		logger: logger,
		ch:     make(chan protocol.Event, writerBuffer),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for e := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := w.Insert(ctx, e); err != nil {
			w.logger.Warn("event log insert failed", "type", e.Type, "err", err)
		}
		cancel()
	}
}

// Record implements protocol.Recorder. Events are dropped with a warning
// when the queue is full or the writer is closed.
func (w *Writer) Record(e protocol.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- e:
	default:
		w.logger.Warn("event log queue full, dropping event", "type", e.Type, "agent_id", e.AgentID)
	}
}

// Insert writes e synchronously and returns its id.
func (w *Writer) Insert(ctx context.Context, e protocol.Event) (int64, error) {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, agent_id, room_name, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Type), e.Source, nullable(e.AgentID), nullable(e.Room), nullable(e.Payload),
		created.UTC().Format(TimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// Close flushes queued events and stops the writer. Safe to call more than
// once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
