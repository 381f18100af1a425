package collab

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrServiceClosed    = errors.New("SERVICE_CLOSED")
)

// ValidationError 操作格式错误、引用不存在或违反因果顺序，拒绝并通知发起方
type ValidationError struct {
	Op     OpID
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op.Client == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: op %s: %s", e.Op, e.Reason)
}

func invalid(op OpID, format string, args ...any) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError 并发写入已按规则解决，只记录不外抛
type ConflictError struct {
	Conflict Conflict
}

func (e *ConflictError) Error() string {
	c := e.Conflict
	return fmt.Sprintf("conflict %s on %s: %s beats %s", c.Kind, c.Target, c.Winner.Op, c.Loser.Op)
}

// PersistenceError 存储失败，由持久化层退避重试
type PersistenceError struct {
	Op         string
	DocumentID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s (doc=%s): %v", e.Op, e.DocumentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConnectionError 传输层断开，客户端走重连流程
type ConnectionError struct {
	SessionID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.SessionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError 超过限流阈值，操作被丢弃，RetryAfter 为退避提示
type RateLimitError struct {
	Scope      string // "session" / "document" / "server"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

// CorruptionError 文档状态不变量被破坏，需要从快照重新加载并人工复查
type CorruptionError struct {
	DocumentID string
	Reason     string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption (doc=%s): %s", e.DocumentID, e.Reason)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsCorruption(err error) bool {
	var c *CorruptionError
	return errors.As(err, &c)
}

func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}

func AsRateLimit(err error) (*RateLimitError, bool) {
	var r *RateLimitError
	ok := errors.As(err, &r)
	return r, ok
}

// ClientFacing 只有校验错误和损坏错误会返回给客户端，消息不包含内部细节
func ClientFacing(err error) (code, message string, ok bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return "validation", "invalid operation: " + v.Reason, true
	}
	var c *CorruptionError
	if errors.As(err, &c) {
		return "corruption", "document state was reloaded, resync required", true
	}
	return "", "", false
}
