// Package cyclelog keeps a SQLite record of reconstruction cycles. Only cycle
// metadata is stored, never projections or images.
package cyclelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"orthostream/internal/models"
)

type DB struct {
	*sql.DB
}

// Open opens (or creates) the cycle log at path. ":memory:" gives a private
// in-memory log.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			cycle_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			cycle BIGINT NOT NULL,
			ix INTEGER,
			iy INTEGER,
			iz INTEGER,
			count INTEGER,
			duration_ms DOUBLE,
			error TEXT,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_run ON cycles (run_id, cycle);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cycles table: %w", err)
	}

	return &DB{db}, nil
}

// RecordCycle appends one cycle record
func (db *DB) RecordCycle(ctx context.Context, rec models.CycleRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO cycles (run_id, cycle, ix, iy, iz, count, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, int64(rec.Cycle), rec.Indices.IX, rec.Indices.IY, rec.Indices.IZ, rec.Count,
		float64(rec.Duration)/float64(time.Millisecond), rec.Err, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", rec.Cycle, err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (db *DB) Recent(ctx context.Context, limit int) ([]models.CycleRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, cycle, ix, iy, iz, count, duration_ms, error, created_at
		FROM cycles ORDER BY cycle_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.CycleRecord
	for rows.Next() {
		var (
			rec        models.CycleRecord
			cycle      int64
			durationMs float64
			createdAt  int64
		)
		if err := rows.Scan(&rec.RunID, &cycle, &rec.Indices.IX, &rec.Indices.IY, &rec.Indices.IZ,
			&rec.Count, &durationMs, &rec.Err, &createdAt); err != nil {
			return nil, err
		}
		rec.Cycle = uint64(cycle)
		rec.Duration = time.Duration(durationMs * float64(time.Millisecond))
		rec.At = time.Unix(0, createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Failures returns the number of failed cycles recorded for a run
func (db *DB) Failures(ctx context.Context, runID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cycles WHERE run_id = ? AND error != ''`, runID).Scan(&n)
	return n, err
}
