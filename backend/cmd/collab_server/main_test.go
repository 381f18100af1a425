package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"collabsync/backend/config"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/offline"
	"collabsync/backend/internal/store"
)

const testDoc = "doc-1"

// setup 写一个指向临时 sqlite 文件的配置
func setup(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "collab.db")
	cfgPath = filepath.Join(dir, "collabConfig.yaml")
	body := fmt.Sprintf("persistence:\n  driver: sqlite\n  sqlitePath: %s\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, dbPath
}

func edits(t *testing.T) []collab.Operation {
	t.Helper()
	r := collab.NewReplica(testDoc, "alice", collab.NewEngine(collab.NewAuditLog(0), collab.EngineOptions{}))
	var ops []collab.Operation
	for _, step := range []func() (collab.Operation, error){
		func() (collab.Operation, error) { return r.LocalInsert(0, "hello") },
		func() (collab.Operation, error) { return r.LocalInsert(5, " world") },
		func() (collab.Operation, error) { return r.LocalDelete(0, 1) },
	} {
		op, err := step()
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return ops
}

func seed(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer s.Close()
	var recs []store.OpRecord
	for i, op := range edits(t) {
		recs = append(recs, store.OpRecord{Version: uint64(i + 1), Op: op})
	}
	require.NoError(t, s.AppendOperations(ctx, testDoc, recs))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInspectRebuildsFromPersistence(t *testing.T) {
	cfg, db := setup(t)
	seed(t, db)

	out, err := run(t, "inspect", testDoc, "--config", cfg, "--format", "json")
	require.NoError(t, err, out)
	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ello world", report.Text)
	assert.Equal(t, uint64(3), report.Version)
	assert.Equal(t, 3, report.OpsSinceSnapshot)
	assert.Equal(t, map[string]uint64{"alice": 3}, report.StateVector)

	out, err = run(t, "inspect", testDoc, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "version:    3")
	assert.Contains(t, out, "ello world")

	_, err = run(t, "inspect", "missing", "--config", cfg)
	assert.ErrorContains(t, err, "no persisted state")

	_, err = run(t, "inspect", testDoc, "--config", cfg, "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestCompactKeepsDocumentIntact(t *testing.T) {
	cfg, db := setup(t)
	seed(t, db)

	before, err := run(t, "inspect", testDoc, "--config", cfg, "--format", "json")
	require.NoError(t, err)

	out, err := run(t, "compact", testDoc, "--config", cfg, "--format", "yaml")
	require.NoError(t, err, out)
	var report compactReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, uint64(3), report.SnapshotVersion)
	assert.Equal(t, int64(3), report.RemovedOps)

	after, err := run(t, "inspect", testDoc, "--config", cfg, "--format", "json")
	require.NoError(t, err)
	var b, a inspectReport
	require.NoError(t, json.Unmarshal([]byte(before), &b))
	require.NoError(t, json.Unmarshal([]byte(after), &a))
	assert.Equal(t, b.Checksum, a.Checksum)
	assert.Equal(t, b.Text, a.Text)
	assert.Equal(t, uint64(3), a.SnapshotVersion)
	assert.Zero(t, a.OpsSinceSnapshot)
}

func TestReplayDrainsOfflineQueue(t *testing.T) {
	cfg, _ := setup(t)
	queuePath := filepath.Join(t.TempDir(), "offline.db")
	q, err := offline.Open(queuePath, offline.Options{})
	require.NoError(t, err)
	for _, op := range edits(t) {
		require.NoError(t, q.Enqueue(op))
	}
	require.NoError(t, q.Close())

	out, err := run(t, "replay", testDoc, "--config", cfg, "--queue", queuePath, "--format", "json")
	require.NoError(t, err, out)
	var report replayReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Replayed)
	assert.Zero(t, report.Remaining)

	out, err = run(t, "inspect", testDoc, "--config", cfg, "--format", "json")
	require.NoError(t, err, out)
	var doc inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "ello world", doc.Text)
}

func TestDeletedDocumentStaysDeletedAfterRestart(t *testing.T) {
	cfgPath, _ := setup(t)
	ctx := context.Background()
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	// 第一个进程：创建、编辑、落盘后删除
	func() {
		backend, err := openBackend(ctx, cfg)
		require.NoError(t, err)
		defer backend.Close()
		registry, err := openRegistry(ctx, cfg, backend)
		require.NoError(t, err)
		svc := newService(cfg, backend, registry)
		defer svc.Close()
		persister := newPersister(cfg, backend, svc)

		require.NoError(t, svc.Open(ctx, testDoc, "owner"))
		for _, op := range edits(t) {
			_, err := svc.Submit(ctx, op)
			require.NoError(t, err)
		}
		require.NoError(t, persister.Flush(ctx))
		require.NoError(t, persister.Checkpoint(ctx, testDoc))

		require.NoError(t, svc.Delete(ctx, testDoc))
		require.NoError(t, persister.Purge(ctx, testDoc))
	}()

	// 第二个进程：同一个 sqlite 文件
	backend, err := openBackend(ctx, cfg)
	require.NoError(t, err)
	defer backend.Close()
	registry, err := openRegistry(ctx, cfg, backend)
	require.NoError(t, err)
	svc := newService(cfg, backend, registry)
	defer svc.Close()

	err = svc.Open(ctx, testDoc, "owner")
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
	snap, ops, err := backend.LoadLatest(ctx, testDoc)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, ops)

	_, err = run(t, "inspect", testDoc, "--config", cfgPath)
	assert.ErrorContains(t, err, "no persisted state")
}
