package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/presence"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

const testDoc = "doc-1"

type fixture struct {
	router *gin.Engine
	svc    *collab.ShardedService
	mem    *store.MemoryStore
	hub    *ws.Hub
	writer string
	reader string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithMirror(t, nil)
}

func newFixtureWithMirror(t *testing.T, mirror cache.PresenceCache) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	audit := collab.NewAuditLog(10)
	mem := store.NewMemoryStore()
	svc := collab.NewShardedService(collab.NewEngine(audit, collab.EngineOptions{}), mem, store.NewMemoryRegistry(), audit, collab.Options{})
	t.Cleanup(svc.Close)
	saver := store.NewPersister(mem, svc, store.PersisterOptions{})
	svc.AddListener(saver)
	tracker := presence.NewTracker(nil, mirror, presence.Options{Debounce: time.Millisecond})
	t.Cleanup(tracker.Close)
	hub := ws.NewHub(svc, tracker, nil, ws.HubOptions{})

	v := auth.NewJWTValidator("test-secret")
	writer, err := v.Sign(auth.Claims{UserID: "1"}, time.Minute)
	require.NoError(t, err)
	reader, err := v.Sign(auth.Claims{UserID: "2", Perms: []string{auth.PermRead}}, time.Minute)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/healthz", Healthz)
	NewDocuments(svc, saver, hub).Register(r.Group("/collab"), v)
	return &fixture{router: r, svc: svc, mem: mem, hub: hub, writer: writer, reader: reader}
}

func (f *fixture) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) seed(t *testing.T, text string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.Open(ctx, testDoc, "1"))
	r := collab.NewReplica(testDoc, "alice", collab.NewEngine(collab.NewAuditLog(0), collab.EngineOptions{}))
	op, err := r.LocalInsert(0, text)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, op)
	require.NoError(t, err)
}

func TestGetDocument(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "hello")

	w := f.do(http.MethodGet, "/collab/documents/"+testDoc, f.reader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Document collab.View `json:"document"`
		Checksum string      `json:"checksum"`
		Sessions int         `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "hello", body.Document.Text)
	assert.Equal(t, uint64(1), body.Document.Version)
	assert.NotEmpty(t, body.Checksum)

	w = f.do(http.MethodGet, "/collab/documents/missing", f.reader)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/collab/documents/"+testDoc, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSnapshotEndpointPersists(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "hello")

	w := f.do(http.MethodPost, "/collab/documents/"+testDoc+"/snapshot", f.reader)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/collab/documents/"+testDoc+"/snapshot", f.writer)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, 1, f.mem.SnapshotCount(testDoc))

	snap, _, err := f.mem.LoadLatest(context.Background(), testDoc)
	require.NoError(t, err)
	require.NotNil(t, snap)
	doc, err := collab.LoadDocument(snap, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text())
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "bye")
	s, _, err := f.hub.Connect(context.Background(), ws.ConnectRequest{SessionID: "s-1", DocumentID: testDoc, UserID: "2"})
	require.NoError(t, err)

	w := f.do(http.MethodDelete, "/collab/documents/"+testDoc, f.reader)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodDelete, "/collab/documents/"+testDoc, f.writer)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	code, _ := s.CloseCode()
	assert.Equal(t, ws.CloseDocumentNotFound, code)
	assert.Zero(t, f.mem.OpCount(testDoc))
	assert.Zero(t, f.mem.SnapshotCount(testDoc))

	w = f.do(http.MethodDelete, "/collab/documents/"+testDoc, f.writer)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodGet, "/collab/documents/"+testDoc, f.reader)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPresenceAndConflictsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "x")
	s, _, err := f.hub.Connect(context.Background(), ws.ConnectRequest{SessionID: "s-1", DocumentID: testDoc, UserID: "2"})
	require.NoError(t, err)
	require.NoError(t, f.hub.UpdatePresence(s.ID, json.RawMessage(`{"cursor":1}`)))

	w := f.do(http.MethodGet, "/collab/documents/"+testDoc+"/presence", f.reader)
	require.Equal(t, http.StatusOK, w.Code)
	var p struct {
		Members []presence.Entry `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.Len(t, p.Members, 1)
	assert.Equal(t, "2", p.Members[0].UserID)

	w = f.do(http.MethodGet, "/collab/documents/"+testDoc+"/conflicts?limit=5", f.reader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"documentId":"doc-1","conflicts":[]}`, w.Body.String())

	w = f.do(http.MethodGet, "/collab/documents/"+testDoc+"/conflicts?limit=abc", f.reader)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresenceIncludesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mirror := cache.NewRedisPresence(rdb)

	f := newFixtureWithMirror(t, mirror)
	f.seed(t, "x")
	s, _, err := f.hub.Connect(context.Background(), ws.ConnectRequest{SessionID: "s-local", DocumentID: testDoc, UserID: "2"})
	require.NoError(t, err)
	require.NoError(t, f.hub.UpdatePresence(s.ID, json.RawMessage(`{"cursor":1}`)))

	// 另一个实例上的会话只存在于 redis
	require.NoError(t, mirror.Put(context.Background(), testDoc,
		cache.Member{SessionID: "s-remote", UserID: "9", Data: json.RawMessage(`{"cursor":7}`), UpdatedAt: time.Now()}, time.Minute))

	var p struct {
		Members []presence.Entry `json:"members"`
	}
	require.Eventually(t, func() bool {
		w := f.do(http.MethodGet, "/collab/documents/"+testDoc+"/presence", f.reader)
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &p) != nil {
			return false
		}
		return len(p.Members) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s-local", p.Members[0].SessionID)
	assert.Equal(t, "s-remote", p.Members[1].SessionID)
	assert.Equal(t, "9", p.Members[1].UserID)
	assert.JSONEq(t, `{"cursor":7}`, string(p.Members[1].Data))

	// 本实例的条目也同步进了 redis
	require.Eventually(t, func() bool {
		members, err := mirror.Members(context.Background(), testDoc)
		return err == nil && len(members) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
