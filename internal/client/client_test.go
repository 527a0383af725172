package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devrev/mimus/internal/codec"
	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"github.com/devrev/mimus/internal/queue"
	"github.com/devrev/mimus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

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

func testConfig() Config {
	return Config{
		Source:          "test-host",
		PollInitial:     2 * time.Millisecond,
		PollMultiplier:  2,
		PollMax:         20 * time.Millisecond,
		PublishAttempts: 3,
	}
}

// respond plays the worker side: it answers every request with fn's result
func respond(t *testing.T, ctx context.Context, q *queue.MemoryQueue, rs store.ResultStore, fn func(env *model.Envelope) *model.Result) {
	t.Helper()
	go func() {
		for {
			d, err := q.Fetch(ctx)
			if err != nil {
				return
			}
			env, err := codec.Decode(d.Value)
			if err != nil {
				return
			}
			res := fn(env)
			if res != nil {
				data, err := codec.EncodeResultRecord(res)
				if err != nil {
					return
				}
				_ = rs.Set(ctx, env.CorrelationID, data, time.Minute)
			}
			_ = d.Ack(ctx)
		}
	}()
}

func TestClient_Success(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	respond(t, ctx, q, rs, func(env *model.Envelope) *model.Result {
		var p model.Player
		require.NoError(t, codec.UnmarshalPayload(env.Payload, &p))
		body, err := codec.MarshalPayload(&p)
		require.NoError(t, err)
		return &model.Result{
			Version:       model.CurrentVersion(),
			CorrelationID: env.CorrelationID,
			Status:        model.StatusSuccess,
			Payload:       body,
			CompletedAt:   time.Now(),
			Attempts:      1,
			Affected:      1,
		}
	})

	c := New(q, rs, testConfig(), nil, zap.NewNop())

	var stored model.Player
	res, err := c.ExecuteInto(ctx, model.OpUpsertPlayer, model.Player{PlayerID: 42, Level: 7}, time.Second, &stored)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, int64(42), stored.PlayerID)
	assert.Equal(t, int32(7), stored.Level)
}

func TestClient_BackendFailureIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	calls := make(chan struct{}, 10)
	respond(t, ctx, q, rs, func(env *model.Envelope) *model.Result {
		calls <- struct{}{}
		return &model.Result{
			Version:       model.CurrentVersion(),
			CorrelationID: env.CorrelationID,
			Status:        model.StatusFailure,
			Reason:        "player not found",
			CompletedAt:   time.Now(),
		}
	})

	c := New(q, rs, testConfig(), nil, zap.NewNop())

	_, err := c.Execute(ctx, model.OpReadPlayer, model.PlayerKey{PlayerID: 9}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrBackend)
	assert.Equal(t, "player not found", err.Error())
	assert.Len(t, calls, 1)
	assert.Zero(t, q.Len())
}

func TestClient_TimeoutBounds(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	cfg := testConfig()
	c := New(q, rs, cfg, nil, zap.NewNop())

	timeout := 100 * time.Millisecond
	start := time.Now()
	_, err := c.Execute(context.Background(), model.OpReadPlayer, model.PlayerKey{PlayerID: 1}, timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	// one poll interval plus scheduling slack
	assert.Less(t, elapsed, timeout+cfg.PollMax+50*time.Millisecond)

	// the request stays queued; a worker may still execute it
	assert.Equal(t, 1, q.Len())
}

func TestClient_NotifyWakesPoller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	respond(t, ctx, q, rs, func(env *model.Envelope) *model.Result {
		time.Sleep(30 * time.Millisecond)
		return &model.Result{
			Version:       model.CurrentVersion(),
			CorrelationID: env.CorrelationID,
			Status:        model.StatusSuccess,
			CompletedAt:   time.Now(),
		}
	})

	cfg := testConfig()
	cfg.UseNotify = true
	cfg.PollInitial = time.Second
	cfg.PollMax = time.Second
	c := New(q, rs, cfg, nil, zap.NewNop())

	start := time.Now()
	_, err := c.Execute(ctx, model.OpReadPlayer, model.PlayerKey{PlayerID: 1}, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClient_PublishRetryUsesFreshCorrelationID(t *testing.T) {
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	pub := new(MockPublisher)
	var keys []string
	var attempts []int
	record := func(args mock.Arguments) {
		keys = append(keys, args.String(1))
		env, err := codec.Decode(args.Get(2).([]byte))
		require.NoError(t, err)
		attempts = append(attempts, env.Attempt)
	}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("broker down")).Times(2).Run(record)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once().Run(func(args mock.Arguments) {
		record(args)
		data, err := codec.EncodeResult(args.String(1), model.StatusSuccess, model.Affected{Rows: 1})
		require.NoError(t, err)
		require.NoError(t, rs.Set(context.Background(), args.String(1), data, time.Minute))
	})

	c := New(pub, rs, testConfig(), nil, zap.NewNop())

	res, err := c.Execute(context.Background(), model.OpRetireCards, model.RetireCardsRequest{CardIDs: []int64{1}}, time.Second)
	require.NoError(t, err)
	pub.AssertExpectations(t)

	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[1])
	assert.NotEqual(t, keys[1], keys[2])
	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Equal(t, keys[2], res.CorrelationID)
}

func TestClient_PublishExhausted(t *testing.T) {
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	c := New(pub, rs, testConfig(), nil, zap.NewNop())

	_, err := c.Execute(context.Background(), model.OpReadPlayer, model.PlayerKey{PlayerID: 1}, time.Second)
	require.Error(t, err)
	assert.Equal(t, brokererrors.ErrCodeQueueUnavailable, brokererrors.GetCode(err))
	pub.AssertNumberOfCalls(t, "Publish", 3)
}

func TestClient_MalformedResultPropagates(t *testing.T) {
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		require.NoError(t, rs.Set(context.Background(), args.String(1), []byte{0xc1}, time.Minute))
	})

	c := New(pub, rs, testConfig(), nil, zap.NewNop())

	_, err := c.Execute(context.Background(), model.OpReadPlayer, model.PlayerKey{PlayerID: 1}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrMalformedEnvelope)
}

func TestClient_ContextCancel(t *testing.T) {
	q := queue.NewMemoryQueue("requests", time.Minute)
	rs := store.NewMemoryResultStore(0, zap.NewNop())
	defer rs.Close()

	c := New(q, rs, testConfig(), nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, model.OpReadPlayer, model.PlayerKey{PlayerID: 1}, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
