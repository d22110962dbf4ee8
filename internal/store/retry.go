package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLITE_BUSY shows up when a reader holds the database while a write
// starts. One bounded retry with a short backoff covers the interactive
// case; anything longer surfaces as a storage failure.

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func retryDelay(attempt int) time.Duration {
	d := 25 * time.Millisecond << attempt
	if d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteBusy(err) {
			return res, err
		}
		slog.Debug("sql exec busy", "query", query, "attempt", attempt+1)
		if attempt >= 2 || time.Since(start) >= s.lockTimeout {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		time.Sleep(retryDelay(attempt))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type retryRow struct {
	ctx     context.Context
	query   func() *sql.Row
	timeout time.Duration
}

func (r retryRow) Scan(dest ...any) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := r.query().Scan(dest...)
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		slog.Debug("sql query row busy", "attempt", attempt+1)
		if attempt >= 2 || time.Since(start) >= r.timeout {
			return err
		}
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		time.Sleep(retryDelay(attempt))
	}
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return retryRow{
		ctx:     ctx,
		query:   func() *sql.Row { return s.db.QueryRowContext(ctx, query, args...) },
		timeout: s.lockTimeout,
	}
}

// beginTx starts a write transaction, retrying once if the database is busy.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err == nil || !isSQLiteBusy(err) {
			return tx, err
		}
		if attempt >= 2 || time.Since(start) >= s.lockTimeout {
			return nil, err
		}
		time.Sleep(retryDelay(attempt))
	}
}
