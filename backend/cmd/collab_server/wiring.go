package main

import (
	"context"
	"fmt"

	"collabsync/backend/config"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/store"
)

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Persistence.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.Persistence.SQLitePath)
	case "mysql":
		return store.OpenMySQL(ctx, cfg.Mysql.DSN)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Persistence.PostgresURL)
	}
	return nil, fmt.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
}

// openRegistry 数据库驱动都用 gorm 登记表，和快照、操作日志放在同一个库；memory 驱动用内存登记表
func openRegistry(ctx context.Context, cfg *config.Config, backend store.Backend) (collab.Registry, error) {
	var (
		reg *store.GormRegistry
		err error
	)
	switch cfg.Persistence.Driver {
	case "mysql":
		reg, err = store.OpenMySQLRegistry(cfg.Mysql.DSN)
	case "postgres":
		reg, err = store.OpenPostgresRegistry(cfg.Persistence.PostgresURL)
	case "sqlite":
		sqlStore, ok := backend.(*store.SQLStore)
		if !ok {
			return nil, fmt.Errorf("sqlite registry needs the sqlite backend, got %T", backend)
		}
		reg, err = store.NewSQLiteRegistry(sqlStore.DB())
	default:
		return store.NewMemoryRegistry(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := reg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return reg, nil
}

func newService(cfg *config.Config, backend store.Backend, registry collab.Registry) *collab.ShardedService {
	audit := collab.NewAuditLog(cfg.Document.AuditSize)
	engine := collab.NewEngine(audit, collab.EngineOptions{MaxInsertRunes: cfg.Document.MaxInsertRunes})
	svc := collab.NewShardedService(engine, backend, registry, audit, collab.Options{
		Shards:            cfg.Document.Shards,
		ShardQueue:        cfg.Document.ShardQueue,
		OpLogSize:         cfg.Document.OpLogSize,
		MaxPending:        cfg.Document.MaxPending,
		SnapshotThreshold: cfg.Document.SnapshotThreshold,
	})
	return svc
}

func newPersister(cfg *config.Config, backend store.Backend, svc *collab.ShardedService) *store.Persister {
	p := store.NewPersister(backend, svc, store.PersisterOptions{
		BatchSize:        cfg.Persistence.BatchSize,
		FlushInterval:    cfg.Persistence.FlushInterval,
		SnapshotEveryOps: cfg.Persistence.SnapshotEveryOps,
		SnapshotInterval: cfg.Persistence.SnapshotInterval,
		RetainOps:        cfg.Persistence.RetainOps,
		MaxRetry:         cfg.Persistence.MaxRetry,
	})
	svc.AddListener(p)
	return p
}
