package accesslog

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"
)

const createTable = `
CREATE TABLE IF NOT EXISTS access_log (
	id            TEXT PRIMARY KEY,
	time          TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	method        TEXT NOT NULL,
	target        TEXT NOT NULL,
	host          TEXT NOT NULL,
	version       TEXT NOT NULL,
	outcome       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_log_time ON access_log(time);
`

const insertEntry = `INSERT INTO access_log
	(id, time, connection_id, method, target, host, version, outcome)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores entries in the access_log table of a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

var _ Sink = (*SQLiteSink)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("create table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// WriteBatch inserts every entry in a single transaction.
func (s *SQLiteSink) WriteBatch(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEntry)
	if err != nil {
		return xerrors.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID.String(),
			e.Time.Format(time.RFC3339Nano),
			e.ConnectionID,
			e.Method,
			e.Target,
			e.Host,
			e.Version,
			string(e.Outcome),
		)
		if err != nil {
			return xerrors.Errorf("insert %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
