package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabsync/backend/internal/collab"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS document_snapshots (
		id BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL,
		revision BIGINT NOT NULL,
		content JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, revision)
	)`,
	`CREATE TABLE IF NOT EXISTS document_ops (
		id BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_seq BIGINT NOT NULL,
		revision BIGINT NOT NULL,
		payload JSONB NOT NULL,
		UNIQUE (document_id, client_id, client_seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_op_doc_rev ON document_ops (document_id, revision)`,
}

// PGStore PostgreSQL 后端（pgx 连接池）
type PGStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Init(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) PersistSnapshot(ctx context.Context, snap *collab.Snapshot) error {
	content, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO document_snapshots (document_id, revision, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, revision) DO NOTHING`,
		snap.DocumentID, int64(snap.Version), content)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PGStore) AppendOperations(ctx context.Context, docID string, ops []OpRecord) error {
	if len(ops) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range ops {
		payload, err := encodeOp(rec.Op)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO document_ops (document_id, client_id, client_seq, revision, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, client_id, client_seq) DO NOTHING`,
			docID, rec.Op.ID.Client, int64(rec.Op.ID.Seq), int64(rec.Version), payload)
	}
	// Batch 在一个隐式事务里执行
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert ops: %w", err)
	}
	return nil
}

func (s *PGStore) LoadLatest(ctx context.Context, docID string) (*collab.Snapshot, []collab.Operation, error) {
	var (
		snap    *collab.Snapshot
		content string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT content::text FROM document_snapshots WHERE document_id = $1 ORDER BY revision DESC LIMIT 1`,
		docID).Scan(&content)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, nil, fmt.Errorf("query snapshot: %w", err)
	default:
		if snap, err = decodeSnapshot(docID, content); err != nil {
			return nil, nil, err
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload::text FROM document_ops WHERE document_id = $1 ORDER BY revision ASC, id ASC`, docID)
	if err != nil {
		return nil, nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var ops []collab.Operation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, fmt.Errorf("scan op: %w", err)
		}
		op, err := decodeOp(docID, payload)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate ops: %w", err)
	}
	return snap, notCovered(snap, ops), nil
}

func (s *PGStore) Compact(ctx context.Context, docID string, keep int) (int64, error) {
	var latest int64
	err := s.pool.QueryRow(ctx,
		`SELECT revision FROM document_snapshots WHERE document_id = $1 ORDER BY revision DESC LIMIT 1`,
		docID).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query snapshot revision: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snaps, err := tx.Exec(ctx,
		`DELETE FROM document_snapshots WHERE document_id = $1 AND revision < $2`, docID, latest)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	ops, err := tx.Exec(ctx,
		`DELETE FROM document_ops WHERE document_id = $1 AND revision <= $2`,
		docID, int64(compactBefore(uint64(latest), keep)))
	if err != nil {
		return 0, fmt.Errorf("delete ops: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit compact: %w", err)
	}
	return snaps.RowsAffected() + ops.RowsAffected(), nil
}

func (s *PGStore) Purge(ctx context.Context, docID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ops, err := tx.Exec(ctx, `DELETE FROM document_ops WHERE document_id = $1`, docID)
	if err != nil {
		return 0, fmt.Errorf("purge ops: %w", err)
	}
	snaps, err := tx.Exec(ctx, `DELETE FROM document_snapshots WHERE document_id = $1`, docID)
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return ops.RowsAffected() + snaps.RowsAffected(), nil
}
