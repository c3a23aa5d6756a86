package revision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rev_table (
	object_id TEXT NOT NULL,
	rev_id INTEGER NOT NULL,
	base_rev_id INTEGER NOT NULL,
	delta BLOB NOT NULL,
	md5 TEXT NOT NULL,
	author TEXT NOT NULL,
	state INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (object_id, rev_id)
);
`

// SQLiteDisk is the client side DiskStore.
type SQLiteDisk struct {
	db *sql.DB
}

func OpenSQLiteDisk(ctx context.Context, path string) (*SQLiteDisk, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteDisk{db: db}, nil
}

func (s *SQLiteDisk) Close() error { return s.db.Close() }

func (s *SQLiteDisk) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rev_table (object_id, rev_id, base_rev_id, delta, md5, author, state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (object_id, rev_id) DO UPDATE SET
			base_rev_id = excluded.base_rev_id,
			delta = excluded.delta,
			md5 = excluded.md5,
			author = excluded.author,
			state = excluded.state,
			timestamp = excluded.timestamp
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		r := rec.Revision
		ts := r.CreatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.ObjectID, r.RevID, r.BaseRevID, r.Delta, r.MD5, r.Author, int(rec.State), ts.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert revision %s: %w", r, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revisions: %w", err)
	}
	return nil
}

func (s *SQLiteDisk) Read(ctx context.Context, objectID string, r Range) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, rev_id, base_rev_id, delta, md5, author, state, timestamp
		FROM rev_table
		WHERE object_id = ? AND rev_id BETWEEN ? AND ?
		ORDER BY rev_id ASC
	`, objectID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var state int
		var ts int64
		rv := &rec.Revision
		if err := rows.Scan(&rv.ObjectID, &rv.RevID, &rv.BaseRevID, &rv.Delta, &rv.MD5, &rv.Author, &state, &ts); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rec.State = RecordState(state)
		rv.CreatedAt = time.UnixMilli(ts)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return out, nil
}

func (s *SQLiteDisk) Delete(ctx context.Context, objectID string, revIDs []int64) error {
	if len(revIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, id := range revIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rev_table WHERE object_id = ? AND rev_id = ?`, objectID, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete revision %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
