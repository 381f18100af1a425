package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"

	"collabsync/backend/internal/collab"
)

type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS document_snapshots (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		document_id VARCHAR(128) NOT NULL,
		revision BIGINT NOT NULL,
		content LONGTEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uk_snapshot_doc_rev (document_id, revision)
	)`,
	`CREATE TABLE IF NOT EXISTS document_ops (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		document_id VARCHAR(128) NOT NULL,
		client_id VARCHAR(128) NOT NULL,
		client_seq BIGINT NOT NULL,
		revision BIGINT NOT NULL,
		payload LONGTEXT NOT NULL,
		UNIQUE KEY uk_op_doc_client_seq (document_id, client_id, client_seq),
		KEY idx_op_doc_rev (document_id, revision)
	)`,
}

var sqliteSchema = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS document_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uk_snapshot_doc_rev ON document_snapshots(document_id, revision)`,
	`CREATE TABLE IF NOT EXISTS document_ops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_seq INTEGER NOT NULL,
		revision INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uk_op_doc_client_seq ON document_ops(document_id, client_id, client_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_op_doc_rev ON document_ops(document_id, revision)`,
}

// SQLStore database/sql 上的快照和操作日志，MySQL 和 SQLite 共用同一套语句
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite 打开（或创建）SQLite 文件并建表
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单写者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, DialectSQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMySQL 连接 MySQL 并建表
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	s := NewSQLStore(db, DialectMySQL)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Init(ctx context.Context) error {
	schema := mysqlSchema
	if s.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) insertIgnore() string {
	if s.dialect == DialectSQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}

// isDuplicate 唯一键冲突：MySQL 1062，SQLite SQLITE_CONSTRAINT_UNIQUE(2067)
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == 2067
	}
	return false
}

func (s *SQLStore) PersistSnapshot(ctx context.Context, snap *collab.Snapshot) error {
	content, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content) VALUES (?, ?, ?)`,
		snap.DocumentID,
		int64(snap.Version),
		content,
	)
	if err != nil {
		// 同一版本的快照内容相同，重复写入直接忽略
		if isDuplicate(err) {
			return nil
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendOperations(ctx context.Context, docID string, ops []OpRecord) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.insertIgnore()+
		` INTO document_ops (document_id, client_id, client_seq, revision, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range ops {
		payload, err := encodeOp(rec.Op)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, docID, rec.Op.ID.Client, int64(rec.Op.ID.Seq), int64(rec.Version), payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert op: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ops: %w", err)
	}
	return nil
}

func (s *SQLStore) latestSnapshot(ctx context.Context, docID string) (*collab.Snapshot, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM document_snapshots WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return decodeSnapshot(docID, content)
}

func (s *SQLStore) LoadLatest(ctx context.Context, docID string) (*collab.Snapshot, []collab.Operation, error) {
	snap, err := s.latestSnapshot(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM document_ops WHERE document_id = ? ORDER BY revision ASC, id ASC`,
		docID,
	)
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

func (s *SQLStore) Compact(ctx context.Context, docID string, keep int) (int64, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT revision FROM document_snapshots WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query snapshot revision: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM document_snapshots WHERE document_id = ? AND revision < ?`, docID, latest)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	snaps, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM document_ops WHERE document_id = ? AND revision <= ?`,
		docID, int64(compactBefore(uint64(latest), keep)))
	if err != nil {
		return 0, fmt.Errorf("delete ops: %w", err)
	}
	ops, _ := res.RowsAffected()
	return snaps + ops, nil
}

func (s *SQLStore) Purge(ctx context.Context, docID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM document_ops WHERE document_id = ?`,
		`DELETE FROM document_snapshots WHERE document_id = ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, docID)
		if err != nil {
			return 0, fmt.Errorf("purge document: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return total, nil
}

// OpCount 当前保存的操作条数
func (s *SQLStore) OpCount(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_ops WHERE document_id = ?`, docID).Scan(&n)
	return n, err
}
