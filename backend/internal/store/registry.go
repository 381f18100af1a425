package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"collabsync/backend/internal/collab"
)

// Document 文档登记表，软删除后同一 id 不能再被打开
type Document struct {
	ID        string `gorm:"primaryKey;size:128"`
	OwnerID   string `gorm:"size:128;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Document) TableName() string { return "documents" }

type GormRegistry struct {
	db *gorm.DB
}

func openRegistry(dialector gorm.Dialector) (*GormRegistry, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return NewGormRegistry(db), nil
}

func OpenMySQLRegistry(dsn string) (*GormRegistry, error) {
	return openRegistry(gormmysql.Open(dsn))
}

func OpenPostgresRegistry(url string) (*GormRegistry, error) {
	return openRegistry(gormpostgres.Open(url))
}

// NewSQLiteRegistry 复用 SQLStore 的连接（modernc 驱动，单连接），同一个文件里多一张 documents 表
func NewSQLiteRegistry(db *sql.DB) (*GormRegistry, error) {
	return openRegistry(&gormsqlite.Dialector{DriverName: "sqlite", Conn: db})
}

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Document{})
}

// Ensure 首次连接时登记文档；已经软删除的返回 ErrDocumentNotFound
func (r *GormRegistry) Ensure(ctx context.Context, docID, ownerID string) error {
	var doc Document
	err := r.db.WithContext(ctx).Unscoped().Where("id = ?", docID).Take(&doc).Error
	switch {
	case err == nil:
		if doc.DeletedAt.Valid {
			return collab.ErrDocumentNotFound
		}
		return nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("query document: %w", err)
	}

	// 并发创建时另一个实例可能先写入了
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Document{ID: docID, OwnerID: ownerID}).Error
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (r *GormRegistry) Delete(ctx context.Context, docID string) error {
	res := r.db.WithContext(ctx).Where("id = ?", docID).Delete(&Document{})
	if res.Error != nil {
		return fmt.Errorf("delete document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return collab.ErrDocumentNotFound
	}
	return nil
}

func (r *GormRegistry) Get(ctx context.Context, docID string) (Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).Where("id = ?", docID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return doc, collab.ErrDocumentNotFound
	}
	return doc, err
}

// MemoryRegistry 不依赖数据库的登记表
type MemoryRegistry struct {
	mu   sync.Mutex
	docs map[string]*Document
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{docs: make(map[string]*Document)}
}

func (r *MemoryRegistry) Ensure(ctx context.Context, docID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[docID]; ok {
		if doc.DeletedAt.Valid {
			return collab.ErrDocumentNotFound
		}
		return nil
	}
	now := time.Now()
	r.docs[docID] = &Document{ID: docID, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok || doc.DeletedAt.Valid {
		return collab.ErrDocumentNotFound
	}
	doc.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, docID string) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok || doc.DeletedAt.Valid {
		return Document{}, collab.ErrDocumentNotFound
	}
	return *doc, nil
}
