package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/execution-hub/channel-hub/internal/domain/event"
)

// Record is one journaled event.
type Record struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Type      event.Type      `json:"type"`
	From      string          `json:"from"`
	ProcessID string          `json:"processId,omitempty"`
	Data      json.RawMessage `json:"data"`
	At        time.Time       `json:"at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Type      event.Type
	ProcessID string
}

// Journal appends every emitted event to a sqlite table.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens the journal at path. ":memory:" keeps it in process.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, logger: logger.With().Str("service", "event_journal").Logger()}
	if err := j.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		sender TEXT NOT NULL,
		process_id TEXT,
		payload BLOB NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_process ON events(process_id);
	`)
	return err
}

// Append stores evt. Re-appending the same event id is a no-op.
func (j *Journal) Append(ctx context.Context, evt event.Event) error {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_id, event_type, sender, process_id, payload, at) VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), evt.From, evt.ProcessID, payload, evt.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns journaled events oldest first.
func (j *Journal) List(ctx context.Context, f Filter, limit, offset int) ([]Record, error) {
	query := `SELECT seq, event_id, event_type, sender, process_id, payload, at FROM events WHERE 1=1`
	args := []any{}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	if f.ProcessID != "" {
		query += ` AND process_id = ?`
		args = append(args, f.ProcessID)
	}
	query += ` ORDER BY seq LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			typ       string
			processID sql.NullString
			payload   []byte
			at        int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &typ, &rec.From, &processID, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Type = event.Type(typ)
		rec.ProcessID = processID.String
		rec.Data = json.RawMessage(payload)
		rec.At = time.Unix(0, at).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Consume appends events from ch until it closes or ctx ends.
func (j *Journal) Consume(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Append(ctx, evt); err != nil {
				j.logger.Error().Err(err).Str("event_type", string(evt.Type)).Msg("journal append failed")
			}
		}
	}
}

func (j *Journal) Close() error {
	return j.db.Close()
}
