package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyBackoff is the wait schedule between attempts when SQLite reports
// BUSY. The audit writer shares its database with ad-hoc Query calls, so
// short contention is expected and worth riding out.
var busyBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
}

// IsBusy reports whether err looks like an SQLite BUSY or locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"SQLITE_BUSY",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RunTx executes fn inside a transaction, retrying busy failures on the
// busyBackoff schedule. Non-busy errors return immediately.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = txOnce(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == len(busyBackoff) {
			return fmt.Errorf("dbopen: tx still busy after %d attempts: %w", attempt+1, err)
		}
		if werr := wait(ctx, busyBackoff[attempt]); werr != nil {
			return fmt.Errorf("dbopen: retry abandoned: %w", werr)
		}
	}
}

// Exec runs one statement with the same busy-retry schedule as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var result sql.Result
		result, err = db.ExecContext(ctx, query, args...)
		if err == nil || !IsBusy(err) {
			return result, err
		}
		if attempt == len(busyBackoff) {
			return nil, fmt.Errorf("dbopen: exec still busy after %d attempts: %w", attempt+1, err)
		}
		if werr := wait(ctx, busyBackoff[attempt]); werr != nil {
			return nil, fmt.Errorf("dbopen: retry abandoned: %w", werr)
		}
	}
}

func txOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
