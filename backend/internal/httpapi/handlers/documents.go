package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/presence"
)

type DocumentService interface {
	View(docID string) (*collab.View, bool)
	Checksum(ctx context.Context, docID string) (uint64, error)
	Delete(ctx context.Context, docID string) error
	Conflicts(docID string, limit int) []collab.ConflictRecord
}

type Checkpointer interface {
	Checkpoint(ctx context.Context, docID string) error
	Purge(ctx context.Context, docID string) error
}

type Rooms interface {
	ListPresence(ctx context.Context, docID string) []presence.Entry
	SessionCount(docID string) int
	CloseDocument(docID string)
}

// Documents 文档管理的 HTTP 接口，实时编辑走 WebSocket
type Documents struct {
	svc    DocumentService
	saver  Checkpointer
	rooms  Rooms
	logger *slog.Logger
}

func NewDocuments(svc DocumentService, saver Checkpointer, rooms Rooms) *Documents {
	return &Documents{svc: svc, saver: saver, rooms: rooms, logger: slog.Default().With("component", "http")}
}

// Register 挂到 /collab 路由组下
func (h *Documents) Register(r gin.IRouter, v auth.Validator) {
	docs := r.Group("/documents/:id", middleware.Auth(v))
	docs.GET("", middleware.RequirePermission(auth.PermRead), h.GetDocument)
	docs.GET("/presence", middleware.RequirePermission(auth.PermRead), h.GetPresence)
	docs.GET("/conflicts", middleware.RequirePermission(auth.PermRead), h.GetConflicts)
	docs.POST("/snapshot", middleware.RequirePermission(auth.PermWrite), h.Snapshot)
	docs.DELETE("", middleware.RequirePermission(auth.PermWrite), h.DeleteDocument)
}

func (h *Documents) GetDocument(c *gin.Context) {
	docID := c.Param("id")
	view, ok := h.svc.View(docID)
	if !ok {
		notFound(c)
		return
	}
	sum, err := h.svc.Checksum(c.Request.Context(), docID)
	if err != nil {
		h.fail(c, docID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document": view,
		"checksum": strconv.FormatUint(sum, 16),
		"sessions": h.rooms.SessionCount(docID),
	})
}

func (h *Documents) GetPresence(c *gin.Context) {
	docID := c.Param("id")
	members := h.rooms.ListPresence(c.Request.Context(), docID)
	if members == nil {
		members = []presence.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "members": members})
}

func (h *Documents) GetConflicts(c *gin.Context) {
	docID := c.Param("id")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "limit must be a positive integer"})
		return
	}
	records := h.svc.Conflicts(docID, limit)
	if records == nil {
		records = []collab.ConflictRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "conflicts": records})
}

// Snapshot 立即保存快照并压缩操作日志
func (h *Documents) Snapshot(c *gin.Context) {
	docID := c.Param("id")
	if _, ok := h.svc.View(docID); !ok {
		notFound(c)
		return
	}
	if err := h.saver.Checkpoint(c.Request.Context(), docID); err != nil {
		h.fail(c, docID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteDocument 删除后在线的会话以 4404 断开，之后的连接也返回 4404
func (h *Documents) DeleteDocument(c *gin.Context) {
	docID := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), docID); err != nil {
		h.fail(c, docID, err)
		return
	}
	h.rooms.CloseDocument(docID)
	// 登记表已经标记删除，清理失败只留下不会再被加载的数据
	if err := h.saver.Purge(c.Request.Context(), docID); err != nil {
		h.logger.Warn("purge deleted document failed", "doc", docID, "err", err)
	}
	id, _ := middleware.Identity(c)
	h.logger.Info("document deleted via api", "doc", docID, "user", id.UserID)
	c.Status(http.StatusNoContent)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"code": "DOCUMENT_NOT_FOUND", "message": "document not found"})
}

// fail 内部错误不把细节返回给客户端
func (h *Documents) fail(c *gin.Context, docID string, err error) {
	if collab.IsNotFound(err) {
		notFound(c)
		return
	}
	h.logger.Error("request failed", "doc", docID, "path", c.FullPath(), "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
