package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var _ Store = (*PostgresStore)(nil)

var documentsSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    data JSONB NOT NULL,
    version BIGINT NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (collection, id)
)`,
	`ALTER TABLE documents ADD COLUMN IF NOT EXISTS deleted BOOLEAN NOT NULL DEFAULT FALSE`,
}

type documentRow struct {
	ID      string `db:"id"`
	Data    []byte `db:"data"`
	Version int64  `db:"version"`
	Deleted bool   `db:"deleted"`
}

// PostgresStore keeps documents as JSONB rows and enforces optimistic concurrency with a version
// column. Deletes only mark the row, keeping its version for the next insert.
type PostgresStore struct {
	db   *sqlx.DB
	opts Options
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

// EnsureSchema creates the documents table when missing and adds columns introduced later.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range documentsSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure documents schema: %w", err)
		}
	}
	return nil
}

// RunTransaction runs fn with optimistic concurrency and bounded retries.
func (s *PostgresStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return runTransaction(ctx, s, s.opts, fn)
}

// Get reads a single document outside any transaction.
func (s *PostgresStore) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	return s.get(ctx, ref)
}

// Query returns documents of collection whose top-level field equals value as text, ordered by id.
func (s *PostgresStore) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	const query = `SELECT id, data, version, deleted FROM documents WHERE collection = $1 AND NOT deleted AND data->>$2 = $3 ORDER BY id`
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, query, collection, field, value); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := decodeRow(Ref{Collection: collection, ID: row.ID}, row)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (s *PostgresStore) get(ctx context.Context, ref Ref) (*Snapshot, error) {
	const query = `SELECT id, data, version, deleted FROM documents WHERE collection = $1 AND id = $2`
	var row documentRow
	if err := s.db.GetContext(ctx, &row, query, ref.Collection, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Snapshot{Ref: ref}, nil
		}
		return nil, fmt.Errorf("get document %s: %w", ref, err)
	}
	if row.Deleted {
		return &Snapshot{Ref: ref, Version: row.Version}, nil
	}
	return decodeRow(ref, row)
}

func (s *PostgresStore) commit(ctx context.Context, muts []mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	for _, m := range muts {
		if err := s.apply(ctx, tx, m); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit documents: %w", err)
	}
	return nil
}

func (s *PostgresStore) apply(ctx context.Context, tx *sqlx.Tx, m mutation) error {
	const (
		insertQuery = `INSERT INTO documents (collection, id, data, version, deleted, updated_at) VALUES ($1, $2, $3, $4::bigint + 1, FALSE, $5) ` +
			`ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, version = EXCLUDED.version, deleted = FALSE, updated_at = EXCLUDED.updated_at ` +
			`WHERE documents.deleted AND documents.version = $4`
		updateQuery = `UPDATE documents SET data = $3, version = version + 1, updated_at = $5 WHERE collection = $1 AND id = $2 AND version = $4 AND NOT deleted`
		deleteQuery = `UPDATE documents SET data = '{}', version = version + 1, deleted = TRUE, updated_at = $4 WHERE collection = $1 AND id = $2 AND version = $3 AND NOT deleted`
	)

	var (
		res sql.Result
		err error
	)
	now := s.opts.Clock().UTC()
	switch m.kind {
	case mutationInsert:
		payload, encErr := json.Marshal(m.data)
		if encErr != nil {
			return fmt.Errorf("encode document %s: %w", m.ref, encErr)
		}
		res, err = tx.ExecContext(ctx, insertQuery, m.ref.Collection, m.ref.ID, string(payload), m.expectedVersion, now)
	case mutationUpdate:
		payload, encErr := json.Marshal(m.data)
		if encErr != nil {
			return fmt.Errorf("encode document %s: %w", m.ref, encErr)
		}
		res, err = tx.ExecContext(ctx, updateQuery, m.ref.Collection, m.ref.ID, string(payload), m.expectedVersion, now)
	case mutationDelete:
		res, err = tx.ExecContext(ctx, deleteQuery, m.ref.Collection, m.ref.ID, m.expectedVersion, now)
	default:
		return fmt.Errorf("unknown mutation for %s", m.ref)
	}
	if err != nil {
		return fmt.Errorf("write document %s: %w", m.ref, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s: %w", m.ref, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s changed since read at version %d", ErrConflict, m.ref, m.expectedVersion)
	}
	return nil
}

func decodeRow(ref Ref, row documentRow) (*Snapshot, error) {
	data := make(map[string]interface{})
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", ref, err)
	}
	return &Snapshot{Ref: ref, Exists: true, Data: data, Version: row.Version}, nil
}
