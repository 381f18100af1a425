package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞文档的 shard worker（OnApplied 只负责入队）
// - Kafka 短暂不可用时靠队列吸收
// - 队列满时丢弃并记日志，connector 事件不要求必达
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	queue  chan DocOpEvent
	closed bool
	wg     sync.WaitGroup

	// 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      slog.Default().With("component", "kafka"),
	}
	d.start()
	return d
}

func (d *KafkaDispatcher) OnApplied(evt AppliedEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- NewDocOpEvent(evt):
	default:
		d.logger.Warn("kafka queue full, drop event", "doc", evt.DocumentID, "op", evt.Applied.Op.ID.String())
	}
}

// Enqueue：队列满时等待直到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrServiceClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列里剩余的事件发完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.baseBackoff
	exp.MaxInterval = d.maxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(exp, uint64(d.maxRetry))

	err := backoff.RetryNotify(func() error {
		if d.sem != nil {
			// worker 可以一直等，不影响主链路
			_ = d.sem.Acquire(context.Background())
			defer d.sem.Release()
		}
		return d.sendOnce(evt)
	}, policy, func(err error, wait time.Duration) {
		d.logger.Debug("kafka send retry", "doc", evt.DocID, "op", evt.OperationID, "wait", wait, "err", err)
	})
	if err != nil {
		d.logger.Warn("kafka send failed, drop event",
			"doc", evt.DocID, "op", evt.OperationID, "version", evt.Version, "worker", workerID, "err", err)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
