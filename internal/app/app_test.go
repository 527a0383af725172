package app

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/mimus/internal/config"
	"github.com/devrev/mimus/internal/model"
	"github.com/devrev/mimus/internal/queue"
	"github.com/devrev/mimus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := config.DefaultConfig().Backend
	cfg.Driver = "sqlite"
	cfg.Path = ":memory:"

	b, err := OpenBackend(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	p, err := b.CreatePlayer(context.Background(), 1, model.DefaultLoadout())
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.PlayerID)
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig().Backend
	cfg.Driver = "mysql"
	_, err := OpenBackend(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenResultStore(t *testing.T) {
	cfg := config.DefaultConfig().Results
	cfg.Driver = "memory"
	rs, err := OpenResultStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer rs.Close()
	assert.IsType(t, &store.MemoryResultStore{}, rs)

	cfg.Driver = "dynamo"
	_, err = OpenResultStore(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenTransport_Memory(t *testing.T) {
	cfg := config.DefaultConfig().Queue
	cfg.Driver = "memory"

	tr, err := OpenTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	defer tr.Close()
	require.NotNil(t, tr.DeadLetter)

	consumer, err := tr.Consumers(0)
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish(context.Background(), "loadgen:1", []byte("body")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := consumer.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "loadgen:1", d.Key)
	require.NoError(t, d.Ack(ctx))

	require.NoError(t, tr.Close())
	_, err = consumer.Fetch(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestTransport_Ping(t *testing.T) {
	cfg := config.DefaultConfig().Queue
	cfg.Driver = "memory"

	tr, err := OpenTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tr.Ping(context.Background()))

	require.NoError(t, tr.Close())
	err = tr.Ping(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestTransport_PingUnreachableBroker(t *testing.T) {
	cfg := config.DefaultConfig().Queue
	cfg.Driver = "kafka"
	cfg.Brokers = "127.0.0.1:1"
	cfg.Topic = "requests"
	cfg.GroupID = "workers"
	cfg.DeadLetterTopic = ""

	tr, err := OpenTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = tr.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request queue unreachable")
}

func TestOpenTransport_NoDeadLetterTopic(t *testing.T) {
	cfg := config.DefaultConfig().Queue
	cfg.Driver = "memory"
	cfg.DeadLetterTopic = ""

	tr, err := OpenTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	defer tr.Close()
	assert.Nil(t, tr.DeadLetter)
}

func TestOpenTransport_UnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig().Queue
	cfg.Driver = "sqs"
	_, err := OpenTransport(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()

	wc := WorkerConfig(cfg)
	assert.Equal(t, cfg.Worker.ID, wc.WorkerID)
	assert.Equal(t, cfg.Results.TTL, wc.ResultTTL)
	assert.Equal(t, cfg.Worker.DeadLetterAttempts, wc.DeadLetterAttempts)

	cc := ClientConfig(cfg.Client)
	assert.Equal(t, cfg.Client.Timeout, cc.DefaultTimeout)
	assert.Equal(t, cfg.Client.Notify, cc.UseNotify)

	assert.Equal(t, model.DefaultLoadout(), Loadout(cfg.Loadout))
}


func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: format})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(-1))
	}
}
