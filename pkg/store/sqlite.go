package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transfers(id INTEGER PRIMARY KEY AUTOINCREMENT, device_id TEXT NOT NULL, payload BLOB NOT NULL, ts INTEGER NOT NULL);
CREATE INDEX IF NOT EXISTS idx_transfers_device ON transfers(device_id, id);
CREATE TABLE IF NOT EXISTS contexts(device_id TEXT PRIMARY KEY, payload BLOB NOT NULL, ts INTEGER NOT NULL);`

// SQLiteMailbox persists the mailbox in a single SQLite file so queued items
// survive a relay restart.
type SQLiteMailbox struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the mailbox database at path.
func OpenSQLite(path string) (*SQLiteMailbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteMailbox{db: db}, nil
}

func (s *SQLiteMailbox) EnqueueTransfer(ctx context.Context, deviceID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO transfers(device_id, payload, ts) VALUES(?,?,?)`, deviceID, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("enqueue transfer: %w", err)
	}
	return nil
}

func (s *SQLiteMailbox) DrainTransfers(ctx context.Context, deviceID string) ([][]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drain begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM transfers WHERE device_id=? ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("drain query: %w", err)
	}
	var (
		out  [][]byte
		last int64
	)
	for rows.Next() {
		var id int64
		var b []byte
		if err := rows.Scan(&id, &b); err != nil {
			rows.Close()
			return nil, fmt.Errorf("drain scan: %w", err)
		}
		out = append(out, b)
		last = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("drain rows: %w", err)
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE device_id=? AND id<=?`, deviceID, last); err != nil {
		return nil, fmt.Errorf("drain delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain commit: %w", err)
	}
	return out, nil
}

func (s *SQLiteMailbox) SetContext(ctx context.Context, deviceID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts(device_id, payload, ts) VALUES(?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET payload=excluded.payload, ts=excluded.ts`,
		deviceID, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	return nil
}

func (s *SQLiteMailbox) TakeContext(ctx context.Context, deviceID string) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("take context begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var b []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM contexts WHERE device_id=?`, deviceID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contexts WHERE device_id=?`, deviceID); err != nil {
		return nil, false, fmt.Errorf("take context delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("take context commit: %w", err)
	}
	return b, true, nil
}

func (s *SQLiteMailbox) Close() error { return s.db.Close() }
