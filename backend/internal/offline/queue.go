package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	bolt "go.etcd.io/bbolt"

	"collabsync/backend/internal/collab"
)

var bucketOps = []byte("ops")

// Sink 接收回放的操作，一般是到服务端的连接
type Sink interface {
	Send(ctx context.Context, op collab.Operation) error
}

type SinkFunc func(ctx context.Context, op collab.Operation) error

func (f SinkFunc) Send(ctx context.Context, op collab.Operation) error { return f(ctx, op) }

type Options struct {
	MaxRetry    int // 0 表示一直重试直到 ctx 结束
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Queue 断线期间的本地操作，bbolt 持久化，key 是单调递增的序号，按 FIFO 回放
type Queue struct {
	db      *bolt.DB
	opts    Options
	drainMu sync.Mutex
	logger  *slog.Logger
}

func Open(path string, opts Options) (*Queue, error) {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOps)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Queue{db: db, opts: opts, logger: slog.Default().With("component", "offline")}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (q *Queue) Enqueue(op collab.Operation) error {
	val, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode op %s: %w", op.ID, err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), val)
	})
}

func (q *Queue) Len() int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOps).Stats().KeyN
		return nil
	})
	return n
}

// Pending 按回放顺序返回队列里的操作
func (q *Queue) Pending() ([]collab.Operation, error) {
	var ops []collab.Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			var op collab.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode queued op: %w", err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

func (q *Queue) head() (key []byte, op collab.Operation, ok bool, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketOps).Cursor().First()
		if k == nil {
			return nil
		}
		// 事务结束后 k/v 失效，需要拷贝
		key = append([]byte(nil), k...)
		ok = true
		return json.Unmarshal(v, &op)
	})
	return key, op, ok, err
}

func (q *Queue) remove(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).Delete(key)
	})
}

// Drain 按入队顺序逐条发送，成功后才删除；失败时退避重试同一条，不跳过也不重排。
// 服务端判定非法（ValidationError）的操作无法通过重试恢复，记日志后丢弃。
func (q *Queue) Drain(ctx context.Context, sink Sink) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	sent := 0
	for {
		key, op, ok, err := q.head()
		if err != nil {
			return sent, fmt.Errorf("read queue head: %w", err)
		}
		if !ok {
			return sent, nil
		}

		var rejected error
		err = backoff.RetryNotify(func() error {
			err := sink.Send(ctx, op)
			if collab.IsValidation(err) {
				rejected = err
				return nil
			}
			return err
		}, q.policy(ctx), func(err error, wait time.Duration) {
			q.logger.Warn("offline replay retry", "op", op.ID.String(), "wait", wait, "err", err)
		})
		if err != nil {
			return sent, err
		}
		if rejected != nil {
			q.logger.Error("offline op rejected by server, dropped", "op", op.ID.String(), "err", rejected)
		} else {
			sent++
		}
		if err := q.remove(key); err != nil {
			return sent, fmt.Errorf("remove replayed op: %w", err)
		}
	}
}

func (q *Queue) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.opts.BaseBackoff
	exp.MaxInterval = q.opts.MaxBackoff
	exp.MaxElapsedTime = 0
	var b backoff.BackOff = exp
	if q.opts.MaxRetry > 0 {
		b = backoff.WithMaxRetries(exp, uint64(q.opts.MaxRetry))
	}
	return backoff.WithContext(b, ctx)
}
