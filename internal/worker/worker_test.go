package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/mimus/internal/backend"
	"github.com/devrev/mimus/internal/codec"
	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"github.com/devrev/mimus/internal/operation"
	"github.com/devrev/mimus/internal/queue"
	"github.com/devrev/mimus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockExecutor is a mock implementation of Executor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, env *model.Envelope) (*operation.Outcome, error) {
	args := m.Called(ctx, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*operation.Outcome), args.Error(1)
}

// MockPublisher is a mock implementation of queue.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return nil
}

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

// flakyBackend reports the backend as unreachable while down is set
type flakyBackend struct {
	Executor
	down     atomic.Bool
	failures atomic.Int32
}

func (f *flakyBackend) Execute(ctx context.Context, env *model.Envelope) (*operation.Outcome, error) {
	if f.down.Load() {
		f.failures.Add(1)
		return nil, brokererrors.BackendUnavailable("connection refused", nil)
	}
	return f.Executor.Execute(ctx, env)
}

func (f *flakyBackend) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// committingConsumer hands out messages in order and, like a Kafka group reader,
// has no release: acking a message commits every offset before it
type committingConsumer struct {
	mu        sync.Mutex
	messages  [][]byte
	next      int
	committed int
	onCommit  func(offset int, key string)
}

func (c *committingConsumer) Fetch(ctx context.Context) (*queue.Delivery, error) {
	c.mu.Lock()
	if c.next == len(c.messages) {
		c.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	offset := c.next
	c.next++
	value := c.messages[offset]
	c.mu.Unlock()

	env, err := codec.Decode(value)
	if err != nil {
		return nil, err
	}
	msg := queue.Message{Key: env.CorrelationID, Value: value, Source: fmt.Sprintf("requests/0/%d", offset)}
	ack := func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.onCommit != nil {
			c.onCommit(offset, msg.Key)
		}
		c.committed = max(c.committed, offset+1)
		return nil
	}
	return queue.NewDelivery(msg, ack, nil), nil
}

func (c *committingConsumer) Committed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

func (c *committingConsumer) Close() error { return nil }

// failingResults fails result writes while failures remains positive
type failingResults struct {
	*store.MemoryResultStore
	failures atomic.Int32
}

func (f *failingResults) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return f.MemoryResultStore.SetIfAbsent(ctx, key, value, ttl)
}

func encoded(t *testing.T, op model.Operation, payload interface{}) (string, []byte) {
	t.Helper()
	cid, data, err := codec.New("test").Encode(op, payload)
	require.NoError(t, err)
	return cid, data
}

func testConfig() Config {
	return Config{
		WorkerID:           "w",
		MaxAttempts:        3,
		RetryInitial:       time.Millisecond,
		RetryMax:           5 * time.Millisecond,
		BackendWaitInitial: 2 * time.Millisecond,
		BackendWaitMax:     10 * time.Millisecond,
		ResultTTL:          time.Minute,
		DeadLetterAttempts: 2,
	}
}

func sqliteExecutor(t *testing.T) *operation.Executor {
	t.Helper()
	b, err := backend.OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Migrate(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return operation.NewExecutor(b, model.DefaultLoadout(), zap.NewNop())
}

func publish(t *testing.T, q queue.Publisher, op model.Operation, payload interface{}, opts ...codec.EncodeOption) string {
	t.Helper()
	cid, data, err := codec.New("test").Encode(op, payload, opts...)
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), cid, data))
	return cid
}

func fetch(t *testing.T, q queue.Consumer) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Fetch(ctx)
	require.NoError(t, err)
	return d
}

func result(t *testing.T, rs store.ResultStore, cid string) *model.Result {
	t.Helper()
	data, err := rs.Get(context.Background(), cid)
	require.NoError(t, err)
	res, err := codec.DecodeResult(data)
	require.NoError(t, err)
	return res
}

func TestWorker_Success(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	w := NewWorker(q, Deps{Results: rs, Executor: sqliteExecutor(t), Backend: okPinger{}}, testConfig())

	cid := publish(t, q, model.OpUpsertPlayer, model.Player{PlayerID: 42, Level: 7})
	w.Handle(context.Background(), fetch(t, q))

	res := result(t, rs, cid)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "w", res.WorkerID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(1), res.Affected)

	var p model.Player
	require.NoError(t, codec.UnmarshalPayload(res.Payload, &p))
	assert.Equal(t, int32(7), p.Level)

	assert.Zero(t, q.Len())
	assert.Zero(t, q.InFlight())
}

func TestWorker_RedeliveryYieldsConsistentResult(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := sqliteExecutor(t)

	cid := publish(t, q, model.OpUpsertPlayer, model.Player{PlayerID: 42, Level: 7, Version: 1})
	var records [][]byte
	for i := 0; i < 3; i++ {
		d := fetch(t, q)
		// each redelivery lands on a different worker
		cfg := testConfig()
		cfg.WorkerID = fmt.Sprintf("w%d", i)
		NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, cfg).Handle(context.Background(), d)

		data, err := rs.Get(context.Background(), cid)
		require.NoError(t, err)
		records = append(records, data)
		// simulate a lost ack by putting the same bytes back
		require.NoError(t, q.Publish(context.Background(), d.Key, d.Value))
	}

	assert.Equal(t, records[0], records[1])
	assert.Equal(t, records[1], records[2])
	assert.Equal(t, "w0", result(t, rs, cid).WorkerID)

	out, err := exec.Execute(context.Background(), mustEnvelope(t, model.OpReadPlayer, model.PlayerKey{PlayerID: 42}))
	require.NoError(t, err)
	assert.Equal(t, int32(7), out.Payload.(*model.Player).Level)
}

func TestWorker_ShortCircuitsExistingResult(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(&operation.Outcome{Payload: model.Affected{Rows: 1}, Affected: 1}, nil).Once()

	cfg := testConfig()
	cfg.ShortCircuit = true
	w := NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, cfg)

	publish(t, q, model.OpRetireCards, model.RetireCardsRequest{CardIDs: []int64{1}})
	d := fetch(t, q)
	w.Handle(context.Background(), d)

	require.NoError(t, q.Publish(context.Background(), d.Key, d.Value))
	w.Handle(context.Background(), fetch(t, q))

	exec.AssertNumberOfCalls(t, "Execute", 1)
	assert.Zero(t, q.InFlight())
}

func TestWorker_PoisonMessageIsDeadLettered(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	dlq := queue.NewMemoryQueue("requests-dlq", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	w := NewWorker(q, Deps{Results: rs, DeadLetter: dlq, Executor: exec, Backend: okPinger{}}, testConfig())

	require.NoError(t, q.Publish(context.Background(), "bad", []byte("not msgpack at all")))
	w.Handle(context.Background(), fetch(t, q))

	assert.Zero(t, q.Len())
	assert.Zero(t, q.InFlight())
	require.Equal(t, 1, dlq.Len())
	dead := fetch(t, dlq)
	assert.Equal(t, "bad", dead.Key)
	assert.Equal(t, []byte("not msgpack at all"), dead.Value)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestWorker_PoisonDroppedWhenDeadLetterFails(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	dlq := new(MockPublisher)
	dlq.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("dlq down"))

	w := NewWorker(q, Deps{Results: rs, DeadLetter: dlq, Executor: new(MockExecutor), Backend: okPinger{}}, testConfig())

	require.NoError(t, q.Publish(context.Background(), "bad", []byte{0xc1}))
	w.Handle(context.Background(), fetch(t, q))

	dlq.AssertNumberOfCalls(t, "Publish", 2)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.InFlight())
}

func TestWorker_PermanentErrorFailsAfterOneAttempt(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(nil, brokererrors.PermanentBackend("check constraint violated", nil))

	w := NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, testConfig())

	cid := publish(t, q, model.OpUpsertPlayer, model.Player{PlayerID: 1, Level: 70000})
	w.Handle(context.Background(), fetch(t, q))

	res := result(t, rs, cid)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "check constraint violated", res.Reason)
	assert.Equal(t, 1, res.Attempts)
	exec.AssertNumberOfCalls(t, "Execute", 1)
	assert.Zero(t, q.InFlight())
}

func TestWorker_TransientErrorRetriedThenFails(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(nil, brokererrors.TransientBackend("deadlock detected", nil))

	w := NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, testConfig())

	cid := publish(t, q, model.OpReadCards, model.PlayerKey{PlayerID: 1})
	w.Handle(context.Background(), fetch(t, q))

	res := result(t, rs, cid)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 3, res.Attempts)
	exec.AssertNumberOfCalls(t, "Execute", 3)
}

func TestWorker_TransientErrorRecovers(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(nil, brokererrors.TransientBackend("serialization failure", nil)).Once()
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(&operation.Outcome{Payload: model.CardList{PlayerID: 1}}, nil).Once()

	w := NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, testConfig())

	cid := publish(t, q, model.OpReadCards, model.PlayerKey{PlayerID: 1})
	w.Handle(context.Background(), fetch(t, q))

	res := result(t, rs, cid)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 2, res.Attempts)
}

func TestWorker_BackendOutageHoldsMessage(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	flaky := &flakyBackend{Executor: sqliteExecutor(t)}
	flaky.down.Store(true)

	w := NewWorker(q, Deps{Results: rs, Executor: flaky, Backend: flaky}, testConfig())

	cid := publish(t, q, model.OpCreatePlayer, model.CreatePlayerRequest{PlayerID: 3})
	done := make(chan struct{})
	go func() {
		w.Handle(context.Background(), fetch(t, q))
		close(done)
	}()

	require.Eventually(t, func() bool { return flaky.failures.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	// nothing written, nothing acked while the backend is away
	exists, err := rs.Exists(context.Background(), cid)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1, q.InFlight())
	assert.Zero(t, q.Len())

	flaky.down.Store(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not resume after the backend came back")
	}

	res := result(t, rs, cid)
	assert.True(t, res.Succeeded())
	assert.Zero(t, q.InFlight())
}

func TestWorker_BackendUnavailableThreeTimesThenSucceeds(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(nil, brokererrors.BackendUnavailable("connection refused", nil)).Times(3)
	exec.On("Execute", mock.Anything, mock.Anything).
		Return(&operation.Outcome{Payload: model.Affected{Rows: 2}, Affected: 2}, nil).Once()

	w := NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, testConfig())

	cid := publish(t, q, model.OpRetireCards, model.RetireCardsRequest{CardIDs: []int64{1, 2}})
	w.Handle(context.Background(), fetch(t, q))

	res := result(t, rs, cid)
	assert.True(t, res.Succeeded())
	assert.Equal(t, int64(2), res.Affected)
	assert.Equal(t, 4, res.Attempts)
	exec.AssertExpectations(t)
}

func TestWorker_ShutdownDuringOutageReleasesMessage(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	flaky := &flakyBackend{Executor: new(MockExecutor)}
	flaky.down.Store(true)
	w := NewWorker(q, Deps{Results: rs, Executor: flaky, Backend: flaky}, testConfig())

	publish(t, q, model.OpReadPlayer, model.PlayerKey{PlayerID: 1})
	d := fetch(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w.Handle(ctx, d)

	assert.Equal(t, 1, q.Len())
	assert.Zero(t, q.InFlight())
}

func TestWorker_DropsExpiredEnvelope(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	exec := new(MockExecutor)
	cfg := testConfig()
	cfg.DropExpired = true
	w := NewWorker(q, Deps{Results: rs, Executor: exec, Backend: okPinger{}}, cfg)

	cid := publish(t, q, model.OpReadPlayer, model.PlayerKey{PlayerID: 1},
		codec.WithDeadline(time.Now().Add(-time.Second)))
	w.Handle(context.Background(), fetch(t, q))

	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	exists, err := rs.Exists(context.Background(), cid)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, q.InFlight())
}

func mustEnvelope(t *testing.T, op model.Operation, payload interface{}) *model.Envelope {
	t.Helper()
	env, err := codec.New("test").NewEnvelope(op, payload)
	require.NoError(t, err)
	return env
}

func TestWorker_UnreleasableDeliveryHeldUntilResultStored(t *testing.T) {
	rs := &failingResults{MemoryResultStore: store.NewMemoryResultStore(0, zap.NewNop())}
	defer rs.Close()
	// outlasts the local retries of the first write
	rs.failures.Store(5)

	cid1, m1 := encoded(t, model.OpUpsertPlayer, model.Player{PlayerID: 1, Level: 1, Version: 1})
	cid2, m2 := encoded(t, model.OpUpsertPlayer, model.Player{PlayerID: 2, Level: 2, Version: 1})

	var answered []bool
	consumer := &committingConsumer{messages: [][]byte{m1, m2}}
	consumer.onCommit = func(offset int, key string) {
		ok, err := rs.Exists(context.Background(), key)
		assert.NoError(t, err)
		answered = append(answered, ok)
	}

	w := NewWorker(consumer, Deps{Results: rs, Executor: sqliteExecutor(t), Backend: okPinger{}}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return consumer.Committed() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, result(t, rs, cid1).Succeeded())
	assert.True(t, result(t, rs, cid2).Succeeded())
	consumer.mu.Lock()
	assert.Equal(t, []bool{true, true}, answered)
	consumer.mu.Unlock()
}

func TestWorker_UnreleasableDeliveryNotCommittedOnShutdown(t *testing.T) {
	rs := &failingResults{MemoryResultStore: store.NewMemoryResultStore(0, zap.NewNop())}
	defer rs.Close()
	rs.failures.Store(1 << 30)

	_, m1 := encoded(t, model.OpUpsertPlayer, model.Player{PlayerID: 1, Level: 1, Version: 1})
	_, m2 := encoded(t, model.OpUpsertPlayer, model.Player{PlayerID: 2, Level: 2, Version: 1})
	consumer := &committingConsumer{messages: [][]byte{m1, m2}}

	w := NewWorker(consumer, Deps{Results: rs, Executor: sqliteExecutor(t), Backend: okPinger{}}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the worker stays on the first message instead of moving on
	time.Sleep(100 * time.Millisecond)
	consumer.mu.Lock()
	assert.Equal(t, 1, consumer.next)
	consumer.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, consumer.Committed())
}
