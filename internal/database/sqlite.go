package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/andresmejia3/facegate/internal/store"
)

var _ store.Backend = (*SQLite)(nil)

// SQLite is the on-device identity backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps id assignment simple
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLite(db), nil
}

// NewSQLite wraps an already migrated connection.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Load(ctx context.Context) (store.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, image, embedding, created_at
		FROM identities
		ORDER BY id ASC
	`)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var snap store.Snapshot
	for rows.Next() {
		var rec store.Record
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Image, &blob, &createdAt); err != nil {
			return store.Snapshot{}, fmt.Errorf("scan identity: %w", err)
		}
		if rec.Embedding, err = decodeEmbedding(blob); err != nil {
			return store.Snapshot{}, fmt.Errorf("identity %d: %w", rec.ID, err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, fmt.Errorf("iterate identities: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT last_id FROM id_sequence WHERE singleton = 1`).Scan(&snap.LastID); err != nil {
		return store.Snapshot{}, fmt.Errorf("read id sequence: %w", err)
	}
	return snap, nil
}

func (s *SQLite) Insert(ctx context.Context, rec store.Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `UPDATE id_sequence SET last_id = last_id + 1 WHERE singleton = 1 RETURNING last_id`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next identity id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (id, name, name_key, image, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, rec.Name, store.NameKey(rec.Name), rec.Image, encodeEmbedding(rec.Embedding), rec.CreatedAt.UnixMilli())
	if err != nil {
		if isSQLiteUnique(err) {
			return 0, store.ErrDuplicateName
		}
		return 0, fmt.Errorf("insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit identity: %w", err)
	}
	return id, nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identities`); err != nil {
		return fmt.Errorf("delete identities: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}
