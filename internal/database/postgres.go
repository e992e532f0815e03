package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/andresmejia3/facegate/internal/blob"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
)

var _ store.Backend = (*Postgres)(nil)

// Postgres stores identities in PostgreSQL with embeddings in a pgvector column.
// When blobs is set, reference images live in object storage and only their key is kept.
type Postgres struct {
	pool  *pgxpool.Pool
	blobs blob.Storage
	log   *logger.Logger
}

// OpenPostgres migrates the schema and opens a connection pool.
func OpenPostgres(ctx context.Context, dsn string, blobs blob.Storage, log *logger.Logger) (*Postgres, error) {
	// goose works on database/sql, so migrations run before the pool exists
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}
	migrateErr := Migrate(sqlDB, "postgres")
	sqlDB.Close()
	if migrateErr != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", migrateErr)
	}

	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	conf.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Postgres{pool: pool, blobs: blobs, log: log}, nil
}

func (p *Postgres) Load(ctx context.Context) (store.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, image, image_key, embedding, created_at
		FROM identities
		ORDER BY id ASC
	`)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var snap store.Snapshot
	pendingKeys := map[int]string{}
	for rows.Next() {
		var rec store.Record
		var imageKey *string
		var vec pgvector.Vector
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Image, &imageKey, &vec, &rec.CreatedAt); err != nil {
			return store.Snapshot{}, fmt.Errorf("scan identity: %w", err)
		}
		rec.Embedding = vec.Slice()
		if imageKey != nil {
			pendingKeys[len(snap.Records)] = *imageKey
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, fmt.Errorf("iterate identities: %w", err)
	}

	// Fetch images after the rows are drained so the connection isn't held during downloads
	for i, key := range pendingKeys {
		img, err := p.fetchImage(ctx, key)
		if err != nil {
			p.log.Warn("reference image unavailable", "id", snap.Records[i].ID, "key", key, "error", err)
			continue
		}
		snap.Records[i].Image = img
	}

	if err := p.pool.QueryRow(ctx, `SELECT last_id FROM id_sequence`).Scan(&snap.LastID); err != nil {
		return store.Snapshot{}, fmt.Errorf("read id sequence: %w", err)
	}
	return snap, nil
}

func (p *Postgres) Insert(ctx context.Context, rec store.Record) (int64, error) {
	image := rec.Image
	var imageKey *string
	if p.blobs != nil && len(rec.Image) > 0 {
		key := "identities/" + uuid.NewString() + ".jpg"
		if err := p.blobs.Upload(ctx, key, bytes.NewReader(rec.Image), int64(len(rec.Image))); err != nil {
			return 0, fmt.Errorf("upload reference image: %w", err)
		}
		imageKey, image = &key, nil
	}

	id, err := p.insertRow(ctx, rec, image, imageKey)
	if err != nil {
		p.discardImage(imageKey)
		return 0, err
	}
	return id, nil
}

func (p *Postgres) insertRow(ctx context.Context, rec store.Record, image []byte, imageKey *string) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock on id_sequence serializes concurrent enrollments
	var id int64
	if err := tx.QueryRow(ctx, `UPDATE id_sequence SET last_id = last_id + 1 RETURNING last_id`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next identity id: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO identities (id, name, name_key, image, image_key, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, rec.Name, store.NameKey(rec.Name), image, imageKey, pgvector.NewVector(rec.Embedding), rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, store.ErrDuplicateName
		}
		return 0, fmt.Errorf("insert identity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit identity: %w", err)
	}
	return id, nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `DELETE FROM identities RETURNING image_key`)
	if err != nil {
		return fmt.Errorf("delete identities: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[*string])
	if err != nil {
		return fmt.Errorf("delete identities: %w", err)
	}
	for _, key := range keys {
		p.discardImage(key)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) fetchImage(ctx context.Context, key string) ([]byte, error) {
	if p.blobs == nil {
		return nil, errors.New("no object storage configured")
	}
	rc, err := p.blobs.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// discardImage removes an orphaned blob. Failures only leak storage, so they are logged.
func (p *Postgres) discardImage(key *string) {
	if key == nil || p.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.blobs.Delete(ctx, *key); err != nil {
		p.log.Warn("failed to remove reference image", "key", *key, "error", err)
	}
}
