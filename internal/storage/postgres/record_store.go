// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for fetch records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore writes fetch records into Postgres.
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "fetches"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	url            TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT '',
	resolved_url   TEXT NOT NULL DEFAULT '',
	local_path     TEXT NOT NULL DEFAULT '',
	content_type   TEXT NOT NULL DEFAULT '',
	wayback_url    TEXT NOT NULL DEFAULT '',
	error_msg      TEXT NOT NULL DEFAULT '',
	attempted_urls JSONB NOT NULL DEFAULT '[]',
	attempts       JSONB,
	sha256         TEXT NOT NULL DEFAULT '',
	size_bytes     BIGINT NOT NULL DEFAULT 0,
	blob_uri       TEXT NOT NULL DEFAULT '',
	pdf_path       TEXT NOT NULL DEFAULT '',
	pdf_engine     TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Save upserts a fetch record.
func (s *RecordStore) Save(ctx context.Context, rec storage.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	attemptedJSON, err := json.Marshal(nonNil(rec.Result.AttemptedURLs))
	if err != nil {
		return fmt.Errorf("marshal attempted urls: %w", err)
	}
	attemptsJSON, err := json.Marshal(rec.Result.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	state,
	url,
	status,
	resolved_url,
	local_path,
	content_type,
	wayback_url,
	error_msg,
	attempted_urls,
	attempts,
	sha256,
	size_bytes,
	blob_uri,
	pdf_path,
	pdf_engine,
	started_at,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	status = EXCLUDED.status,
	resolved_url = EXCLUDED.resolved_url,
	local_path = EXCLUDED.local_path,
	content_type = EXCLUDED.content_type,
	wayback_url = EXCLUDED.wayback_url,
	error_msg = EXCLUDED.error_msg,
	attempted_urls = EXCLUDED.attempted_urls,
	attempts = EXCLUDED.attempts,
	sha256 = EXCLUDED.sha256,
	size_bytes = EXCLUDED.size_bytes,
	blob_uri = EXCLUDED.blob_uri,
	pdf_path = EXCLUDED.pdf_path,
	pdf_engine = EXCLUDED.pdf_engine,
	completed_at = EXCLUDED.completed_at`, s.table)

	res := rec.Result
	args := []any{
		rec.ID,
		string(rec.State),
		res.URL,
		string(res.Status),
		res.ResolvedURL,
		res.LocalPath,
		res.ContentType,
		res.WaybackURL,
		res.ErrorMsg,
		attemptedJSON,
		attemptsJSON,
		rec.SHA256,
		rec.SizeBytes,
		rec.BlobURI,
		rec.PDFPath,
		rec.PDFEngine,
		rec.StartedAt,
		rec.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert fetch record: %w", err)
	}
	return nil
}

// Get loads a fetch record by ID.
func (s *RecordStore) Get(ctx context.Context, id string) (storage.Record, error) {
	query := fmt.Sprintf(`
SELECT id, state, url, status, resolved_url, local_path, content_type, wayback_url, error_msg,
	attempted_urls, attempts, sha256, size_bytes, blob_uri, pdf_path, pdf_engine,
	started_at, completed_at
FROM %s WHERE id = $1`, s.table)

	var (
		rec           storage.Record
		state         string
		status        string
		attemptedJSON []byte
		attemptsJSON  []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&state,
		&rec.Result.URL,
		&status,
		&rec.Result.ResolvedURL,
		&rec.Result.LocalPath,
		&rec.Result.ContentType,
		&rec.Result.WaybackURL,
		&rec.Result.ErrorMsg,
		&attemptedJSON,
		&attemptsJSON,
		&rec.SHA256,
		&rec.SizeBytes,
		&rec.BlobURI,
		&rec.PDFPath,
		&rec.PDFEngine,
		&rec.StartedAt,
		&rec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("select fetch record: %w", err)
	}
	rec.State = storage.State(state)
	rec.Result.Status = fetch.Status(status)
	if err := json.Unmarshal(attemptedJSON, &rec.Result.AttemptedURLs); err != nil {
		return storage.Record{}, fmt.Errorf("decode attempted urls: %w", err)
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &rec.Result.Attempts); err != nil {
			return storage.Record{}, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
