package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appliedEvent(t *testing.T) AppliedEvent {
	t.Helper()
	r := newTestReplica(newTestEngine(), "alice")
	op, err := r.LocalInsert(0, "hey")
	require.NoError(t, err)
	return AppliedEvent{DocumentID: testDoc, Applied: Applied{Op: op, Version: 1, AppliedAt: time.UnixMilli(1_000)}}
}

func TestKafkaDispatcherSendsAppliedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != "OP_APPLIED" || evt.DocID != testDoc || evt.OperationID != "alice:1" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(2), KafkaDispatcherOptions{QueueSize: 4})
	d.OnApplied(appliedEvent(t))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherRetriesTransientFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	d.OnApplied(appliedEvent(t))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherDropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(errors.New("broker down"))
	}

	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	d.OnApplied(appliedEvent(t))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherClosedRejectsEnqueue(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{})
	d.Close()
	d.OnApplied(appliedEvent(t))
	err := d.Enqueue(t.Context(), NewDocOpEvent(appliedEvent(t)))
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	require.NoError(t, s.Acquire(t.Context()))
	assert.Equal(t, 1, s.InUse())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
}
