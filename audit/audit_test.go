package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couikit/devtools/dbopen"
)

func setupRecorder(t *testing.T) (*sql.DB, *Recorder) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	rec := NewRecorder(db, 16)
	t.Cleanup(func() { rec.Close() })
	if err := rec.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db, rec
}

func TestInitCreatesTables(t *testing.T) {
	db, _ := setupRecorder(t)
	for _, table := range []string{"inspector_sessions", "protocol_log"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not created", table)
		}
	}
}

func TestRecordSync(t *testing.T) {
	db, rec := setupRecorder(t)
	e := &Entry{
		SessionID: "sess_1",
		Direction: DirectionCommand,
		Method:    "DOM.getDocument",
		Params:    `{"depth":1}`,
	}
	if err := rec.Record(context.Background(), e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.EntryID == "" {
		t.Fatal("entry id not generated")
	}
	if e.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}

	var method string
	db.QueryRow("SELECT method FROM protocol_log WHERE entry_id = ?", e.EntryID).Scan(&method)
	if method != "DOM.getDocument" {
		t.Fatalf("stored method = %q", method)
	}
}

func TestRecordAsyncFlushesOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t)
	rec := NewRecorder(db, 16)
	if err := rec.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	rec.Command("sess_1", "CSS.enable", nil)
	rec.Event("sess_1", "CSS.styleSheetAdded")
	rec.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM protocol_log WHERE session_id = 'sess_1'").Scan(&count)
	if count != 2 {
		t.Fatalf("want 2 entries after close, got %d", count)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db, rec := setupRecorder(t)
	rec.SessionStarted("sess_9", "lobby", "127.0.0.1:5000")
	rec.SessionEnded("sess_9")

	var pageID string
	var ended sql.NullInt64
	err := db.QueryRow(
		"SELECT page_id, ended_at FROM inspector_sessions WHERE session_id = 'sess_9'",
	).Scan(&pageID, &ended)
	if err != nil {
		t.Fatalf("query session: %v", err)
	}
	if pageID != "lobby" {
		t.Fatalf("page_id = %q", pageID)
	}
	if !ended.Valid {
		t.Fatal("ended_at not stamped")
	}
}

func TestQueryFilters(t *testing.T) {
	_, rec := setupRecorder(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	entries := []*Entry{
		{SessionID: "a", Direction: DirectionCommand, Method: "DOM.enable", Timestamp: base},
		{SessionID: "a", Direction: DirectionEvent, Method: "DOM.setChildNodes", Timestamp: base.Add(time.Second)},
		{SessionID: "b", Direction: DirectionCommand, Method: "DOM.enable", Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := rec.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sess := "a"
	got, err := rec.Query(ctx, &Filter{SessionID: &sess})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("session filter: want 2, got %d", len(got))
	}
	// Newest first.
	if got[0].Method != "DOM.setChildNodes" {
		t.Fatalf("order: first = %q", got[0].Method)
	}

	dir := DirectionCommand
	got, err = rec.Query(ctx, &Filter{Direction: &dir})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("direction filter: want 2, got %d", len(got))
	}

	bad := "sideways"
	if _, err := rec.Query(ctx, &Filter{Direction: &bad}); err == nil {
		t.Fatal("invalid direction accepted")
	}
}

func TestCleanup(t *testing.T) {
	_, rec := setupRecorder(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -30)
	rec.Record(ctx, &Entry{SessionID: "a", Direction: DirectionEvent, Method: "x", Timestamp: old})
	rec.Record(ctx, &Entry{SessionID: "a", Direction: DirectionEvent, Method: "y"})

	deleted, err := rec.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 deleted, got %d", deleted)
	}
}
