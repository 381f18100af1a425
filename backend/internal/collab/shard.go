package collab

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ShardPool 固定数量的 worker，每个文档按 xxhash(docID) 固定落到一个 worker，
// 同一文档的所有写入因此被串行化，不同文档之间并行
type ShardPool struct {
	mu     sync.RWMutex
	queues []chan func()
	closed bool
	wg     sync.WaitGroup
}

func NewShardPool(shards, queueSize int) *ShardPool {
	if shards <= 0 {
		shards = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &ShardPool{queues: make([]chan func(), shards)}
	for i := range p.queues {
		q := make(chan func(), queueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range q {
				task()
			}
		}()
	}
	return p
}

func (p *ShardPool) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.queues)))
}

// Do 在 key 所属的 worker 上执行 fn 并等待完成。
// ctx 取消时立即返回，已入队的 fn 仍会执行。
func (p *ShardPool) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrServiceClosed
	}
	q := p.queues[p.shardFor(key)]
	select {
	case q <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ShardPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
