package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/schederr"
	"github.com/cuemby/shardsched/pkg/types"
)

func TestWriteThenConsistentReadSeesTheWrite(t *testing.T) {
	s := New(NewMemStore(), nil)

	task := types.ScheduledTask{AssignedTask: types.AssignedTask{TaskID: "t1"}, Status: types.ScheduleStatusPending}
	err := s.Write("save", func(txn *Txn) error {
		return txn.Tasks().Save(task)
	})
	require.NoError(t, err)

	var fetched []types.ScheduledTask
	err = s.ConsistentRead("fetch", func(provider StoreProvider) error {
		var err error
		fetched, err = provider.Tasks().Fetch(query.ByTaskID("t1"))
		return err
	})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, types.ScheduleStatusPending, fetched[0].Status)
}

func TestWriteWrapsBackendErrorInStorageError(t *testing.T) {
	s := New(NewMemStore(), nil)

	sentinel := errors.New("boom")
	err := s.Write("failing_op", func(txn *Txn) error {
		return sentinel
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schederr.ErrStorage))

	var se *schederr.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "failing_op", se.Op)
}

func TestConsistentReadWrapsBackendErrorInStorageError(t *testing.T) {
	s := New(NewMemStore(), nil)

	sentinel := errors.New("read boom")
	err := s.ConsistentRead("failing_read", func(provider StoreProvider) error {
		return sentinel
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schederr.ErrStorage))
}

func TestWritePublishesEnqueuedEventsAfterUnlock(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	s := New(NewMemStore(), broker)

	err := s.Write("save_with_event", func(txn *Txn) error {
		txn.Enqueue(&events.Event{Type: events.EventTaskStateChange, TaskID: "t1"})
		return nil
	})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventTaskStateChange, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestWriteDoesNotPublishEventsOnFailure(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	s := New(NewMemStore(), broker)

	err := s.Write("failing_with_event", func(txn *Txn) error {
		txn.Enqueue(&events.Event{Type: events.EventTaskStateChange, TaskID: "t1"})
		return errors.New("fail before commit")
	})
	require.Error(t, err)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event published after failed write: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWeaklyConsistentReadSeesCommittedWrites(t *testing.T) {
	s := New(NewMemStore(), nil)
	require.NoError(t, s.Write("save", func(txn *Txn) error {
		return txn.Tasks().Save(types.ScheduledTask{AssignedTask: types.AssignedTask{TaskID: "t1"}})
	}))

	var fetched []types.ScheduledTask
	err := s.WeaklyConsistentRead("weak_fetch", func(provider StoreProvider) error {
		var err error
		fetched, err = provider.Tasks().Fetch(query.New())
		return err
	})
	require.NoError(t, err)
	assert.Len(t, fetched, 1)
}

func TestCloseDelegatesToBackend(t *testing.T) {
	s := New(NewMemStore(), nil)
	assert.NoError(t, s.Close())
}

func TestNewHonorsConfiguredSlowQueryThreshold(t *testing.T) {
	before := testutil.ToFloat64(metrics.SlowQueriesTotal)

	s := New(NewMemStore(), nil, time.Nanosecond)
	require.NoError(t, s.ConsistentRead("tiny_threshold", func(provider StoreProvider) error {
		return nil
	}))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SlowQueriesTotal))
}

func TestNewDefaultsSlowQueryThresholdWhenOmitted(t *testing.T) {
	s := New(NewMemStore(), nil)
	assert.Equal(t, defaultSlowQueryThreshold, s.slowQueryThreshold)
}
