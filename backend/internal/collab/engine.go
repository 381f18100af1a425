package collab

import (
	"log/slog"
	"time"
	"unicode/utf8"
)

type EngineOptions struct {
	MaxInsertRunes int
	MaxSpans       int
}

// Engine 冲突解决引擎：所有写入的唯一入口。
// 校验操作结构，交给 Document 合并，并发冲突按 (timestamp, clientId) 决出胜者后记日志和审计。
type Engine struct {
	opts   EngineOptions
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(audit AuditSink, opts EngineOptions) *Engine {
	if opts.MaxInsertRunes <= 0 {
		opts.MaxInsertRunes = 64 * 1024
	}
	if opts.MaxSpans <= 0 {
		opts.MaxSpans = 4096
	}
	return &Engine{
		opts:   opts,
		audit:  audit,
		logger: slog.Default().With("component", "engine"),
		now:    time.Now,
	}
}

// Apply 把 op 合并进 doc。并发编辑永远不会失败，只有结构非法才返回 ValidationError
func (e *Engine) Apply(doc *Document, op Operation) (ApplyResult, error) {
	if op.DocumentID != doc.ID() {
		return ApplyResult{}, invalid(op.ID, "operation targets document %q", op.DocumentID)
	}
	if err := e.Validate(op); err != nil {
		e.logger.Warn("operation rejected", "doc", doc.ID(), "op", op.ID.String(), "err", err)
		return ApplyResult{}, err
	}
	now := e.now()
	res, err := doc.integrate(op, now)
	if err != nil {
		if IsCorruption(err) {
			e.logger.Error("document invariant violated", "doc", doc.ID(), "op", op.ID.String(), "err", err)
		} else {
			e.logger.Warn("operation rejected", "doc", doc.ID(), "op", op.ID.String(), "err", err)
		}
		return res, err
	}
	for _, a := range res.Applied {
		logConflicts(e.logger, e.audit, a.Op, a.Conflicts, now)
	}
	for _, r := range res.Rejected {
		e.logger.Warn("buffered operation rejected", "doc", doc.ID(), "op", r.Op.ID.String(), "err", r.Err)
	}
	return res, nil
}

// Replay 重建文档时使用：冲突在第一次应用时已经审计过，这里不再记录
func (e *Engine) Replay(doc *Document, op Operation) (ApplyResult, error) {
	if op.DocumentID != doc.ID() {
		return ApplyResult{}, invalid(op.ID, "operation targets document %q", op.DocumentID)
	}
	if err := e.Validate(op); err != nil {
		return ApplyResult{}, err
	}
	return doc.integrate(op, e.now())
}

// Validate 只做和文档状态无关的检查
func (e *Engine) Validate(op Operation) error {
	id := op.ID
	switch {
	case id.Client == "":
		return invalid(id, "missing client id")
	case id.Seq == 0:
		return invalid(id, "seq must start at 1")
	case op.Timestamp <= 0:
		return invalid(id, "missing timestamp")
	case op.Deps.Get(id.Client) != id.Seq-1:
		return invalid(id, "deps must include the previous operation of the same client")
	}

	switch op.Kind {
	case OpInsert:
		if !validText(op.Text) {
			return invalid(id, "insert text must be non-empty utf-8")
		}
		if utf8.RuneCountInString(op.Text) > e.opts.MaxInsertRunes {
			return invalid(id, "insert text too long")
		}
		if op.Origin != nil && !op.Deps.Covers(op.Origin.op()) {
			return invalid(id, "origin is not in the causal past")
		}
	case OpDelete, OpFormat:
		if len(op.Spans) == 0 {
			return invalid(id, "no target spans")
		}
		if len(op.Spans) > e.opts.MaxSpans {
			return invalid(id, "too many spans")
		}
		for _, s := range op.Spans {
			if s.Len <= 0 || s.Offset < 0 {
				return invalid(id, "empty span")
			}
			if !op.Deps.Covers(s.op()) {
				return invalid(id, "span target is not in the causal past")
			}
		}
		if op.Kind == OpFormat && op.Key == "" {
			return invalid(id, "format without attribute key")
		}
	case OpStructural:
		return e.validateStructural(op)
	default:
		return invalid(id, "unknown kind %q", op.Kind)
	}
	return nil
}

func (e *Engine) validateStructural(op Operation) error {
	id := op.ID
	switch op.Action {
	case NodeCreate:
		if op.Value == "" {
			return invalid(id, "node name is empty")
		}
		if op.Parent != nil && !op.Deps.Covers(*op.Parent) {
			return invalid(id, "parent is not in the causal past")
		}
	case NodeRename, NodeRemove:
		if op.Node == nil {
			return invalid(id, "missing node")
		}
		if !op.Deps.Covers(*op.Node) {
			return invalid(id, "node is not in the causal past")
		}
		if op.Action == NodeRename && op.Value == "" {
			return invalid(id, "node name is empty")
		}
	default:
		return invalid(id, "unknown node action %q", op.Action)
	}
	return nil
}
