// Package audit persists a protocol audit trail to SQLite: one row per
// inspector attachment, one row per command received or event emitted.
// Recording is asynchronous so the inspector session never blocks on disk.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/couikit/devtools/dbopen"
	"github.com/couikit/devtools/idgen"
)

const insertEntrySQL = `INSERT INTO protocol_log
	(entry_id, timestamp, session_id, direction, method, params)
	VALUES (?,?,?,?,?,?)`

// Traffic directions recorded in protocol_log.
const (
	DirectionCommand = "command"
	DirectionEvent   = "event"
)

// Entry is a single protocol_log row.
type Entry struct {
	EntryID   string
	Timestamp time.Time
	SessionID string
	Direction string
	Method    string
	Params    string // JSON
}

// Filter controls Query results.
type Filter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID *string
	Direction *string
	Method    *string
	Limit     int // default 100
	Offset    int
}

// Recorder persists audit entries. Writes go through a buffered channel
// that a background goroutine flushes in transactions.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	ch     chan *Entry
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDGenerator sets a custom ID generator for entry and session IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Recorder) { r.newID = gen }
}

// WithRecorderLogger sets a custom logger.
func WithRecorderLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates an async recorder. Recommended bufferSize: 1000.
func NewRecorder(db *sql.DB, bufferSize int, opts ...Option) *Recorder {
	r := &Recorder{
		db:     db,
		logger: slog.Default(),
		newID:  idgen.Prefixed("aud_", idgen.Default),
		ch:     make(chan *Entry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.flushLoop()
	return r
}

// Init applies the audit schema.
func (r *Recorder) Init() error {
	return Init(r.db)
}

// Record inserts an entry synchronously.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	r.fillDefaults(e)
	return r.insert(ctx, e)
}

// RecordAsync queues an entry for background persistence. Falls back to a
// synchronous insert if the buffer is full.
func (r *Recorder) RecordAsync(e *Entry) {
	r.fillDefaults(e)
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("audit buffer full, sync fallback", "method", e.Method)
		if err := r.insert(context.Background(), e); err != nil {
			r.logger.Error("audit sync fallback failed", "error", err)
		}
	}
}

// SessionStarted records a new inspector attachment. It satisfies the
// bridge observer contract.
func (r *Recorder) SessionStarted(sessionID, pageID, remoteAddr string) {
	_, err := dbopen.Exec(context.Background(), r.db,
		`INSERT INTO inspector_sessions (session_id, page_id, remote_addr, started_at)
		 VALUES (?,?,?,?)`,
		sessionID, pageID, remoteAddr, time.Now().Unix())
	if err != nil {
		r.logger.Error("audit session start", "error", err, "session", sessionID)
	}
}

// SessionEnded stamps the attachment's end time.
func (r *Recorder) SessionEnded(sessionID string) {
	_, err := dbopen.Exec(context.Background(), r.db,
		"UPDATE inspector_sessions SET ended_at = ? WHERE session_id = ?",
		time.Now().Unix(), sessionID)
	if err != nil {
		r.logger.Error("audit session end", "error", err, "session", sessionID)
	}
}

// Command records an inbound protocol command.
func (r *Recorder) Command(sessionID, method string, params []byte) {
	body := "{}"
	if len(params) > 0 {
		body = string(params)
	}
	r.RecordAsync(&Entry{
		SessionID: sessionID,
		Direction: DirectionCommand,
		Method:    method,
		Params:    body,
	})
}

// Event records an outbound protocol event.
func (r *Recorder) Event(sessionID, method string) {
	r.RecordAsync(&Entry{
		SessionID: sessionID,
		Direction: DirectionEvent,
		Method:    method,
	})
}

// Query retrieves protocol entries matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, f *Filter) ([]*Entry, error) {
	q := `SELECT entry_id, timestamp, session_id, direction, method, params
		FROM protocol_log WHERE 1=1`
	var args []any

	if f.StartTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.EndTime.Unix())
	}
	if f.SessionID != nil {
		q += " AND session_id = ?"
		args = append(args, *f.SessionID)
	}
	if f.Direction != nil {
		switch *f.Direction {
		case DirectionCommand, DirectionEvent:
		default:
			return nil, fmt.Errorf("invalid direction: %q", *f.Direction)
		}
		q += " AND direction = ?"
		args = append(args, *f.Direction)
	}
	if f.Method != nil {
		q += " AND method = ?"
		args = append(args, *f.Method)
	}

	q += " ORDER BY timestamp DESC, entry_id DESC"
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query protocol log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.SessionID, &e.Direction, &e.Method, &e.Params); err != nil {
			return nil, fmt.Errorf("scan protocol entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes protocol entries and ended sessions older than retentionDays.
func (r *Recorder) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := r.db.ExecContext(ctx, "DELETE FROM protocol_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup protocol log: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM inspector_sessions WHERE ended_at IS NOT NULL AND ended_at < ?", threshold); err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

func (r *Recorder) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = r.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Params == "" {
		e.Params = "{}"
	}
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insertEntrySQL)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, e := range batch {
				if _, err := stmt.ExecContext(ctx,
					e.EntryID, e.Timestamp.Unix(), e.SessionID, e.Direction, e.Method, e.Params,
				); err != nil {
					return fmt.Errorf("insert %s: %w", e.EntryID, err)
				}
			}
			return nil
		})
		if err != nil {
			r.logger.Error("audit flush", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-r.stop:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) insert(ctx context.Context, e *Entry) error {
	_, err := dbopen.Exec(ctx, r.db, insertEntrySQL,
		e.EntryID, e.Timestamp.Unix(), e.SessionID, e.Direction, e.Method, e.Params)
	return err
}
