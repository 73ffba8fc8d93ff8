package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_cycles (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      INTEGER NOT NULL,
	run_id  TEXT NOT NULL,
	outcome TEXT NOT NULL,
	record  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatch_cycles_ts ON dispatch_cycles (ts);
CREATE TABLE IF NOT EXISTS cycle_failed_orders (
	cycle_id INTEGER NOT NULL REFERENCES dispatch_cycles (id),
	order_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cycle_failed_orders_order ON cycle_failed_orders (order_id);`

// SQLiteStore keeps cycle records in a SQLite database. Orders that failed
// assignment are indexed so that per order queries stay in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, errors.Join(fmt.Errorf("cycle log schema: %w", err), db.Close())
	}
	return &SQLiteStore{db: db}, nil
}

// Append stores the record and its failed orders in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, rec CycleRecord) (err error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO dispatch_cycles (ts, run_id, outcome, record) VALUES (?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.RunID, rec.Outcome, string(body))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, o := range rec.FailedAssignments {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO cycle_failed_orders (cycle_id, order_id) VALUES (?, ?)`, id, o); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Query returns the records matching q, oldest first.
func (s *SQLiteStore) Query(ctx context.Context, q LogQuery) ([]CycleRecord, error) {
	var (
		where []string
		args  []any
	)
	if !q.Start.IsZero() {
		where = append(where, "c.ts >= ?")
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		where = append(where, "c.ts <= ?")
		args = append(args, q.End.UnixNano())
	}
	if q.Outcome != "" {
		where = append(where, "c.outcome = ?")
		args = append(args, q.Outcome)
	}
	if q.OrderID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM cycle_failed_orders f WHERE f.cycle_id = c.id AND f.order_id = ?)")
		args = append(args, q.OrderID)
	}
	query := "SELECT c.record FROM dispatch_cycles c"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// newest first so that LIMIT keeps the tail, reversed below
	query += " ORDER BY c.ts DESC, c.id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []CycleRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r CycleRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode cycle record: %w", err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
