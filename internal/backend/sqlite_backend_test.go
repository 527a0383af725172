package backend

import (
	"context"
	"testing"

	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Migrate(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackend_MigrateIsRerunnable(t *testing.T) {
	b := newTestSQLite(t)
	assert.NoError(t, b.Migrate(context.Background()))
}

func TestSQLiteBackend_ReadMissingPlayer(t *testing.T) {
	b := newTestSQLite(t)

	_, err := b.ReadPlayer(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteBackend_CreatePlayerIsIdempotent(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	first, err := b.CreatePlayer(ctx, 7, model.DefaultLoadout())
	require.NoError(t, err)
	assert.Equal(t, int32(1000), first.Points)
	assert.Equal(t, int32(5), first.Stones)
	assert.Equal(t, int32(50), first.Slots)

	// A replay with a different loadout must not overwrite the stored row
	second, err := b.CreatePlayer(ctx, 7, model.Loadout{Points: 1})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSQLiteBackend_UpsertPlayerReplay(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	p := &model.Player{PlayerID: 42, Level: 5, Version: 1}
	first, err := b.UpsertPlayer(ctx, p)
	require.NoError(t, err)
	second, err := b.UpsertPlayer(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stored, err := b.ReadPlayer(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int32(5), stored.Level)
}

func TestSQLiteBackend_UpsertPlayerIgnoresStaleVersion(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.UpsertPlayer(ctx, &model.Player{PlayerID: 1, Level: 9, Version: 3})
	require.NoError(t, err)

	stored, err := b.UpsertPlayer(ctx, &model.Player{PlayerID: 1, Level: 2, Version: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(9), stored.Level)
	assert.Equal(t, int64(3), stored.Version)
}

func TestSQLiteBackend_CheckViolationIsPermanent(t *testing.T) {
	b := newTestSQLite(t)

	_, err := b.UpsertPlayer(context.Background(), &model.Player{PlayerID: 1, Level: MaxSmallInt + 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrPermanentBackend)
	assert.False(t, brokererrors.IsRetriable(err))
}

func TestSQLiteBackend_Cards(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	for _, c := range []model.Card{
		{CardID: 3, OwnerID: 10, Type: 100, Level: 1},
		{CardID: 1, OwnerID: 10, Type: 200, Level: 2},
		{CardID: 2, OwnerID: 11, Type: 300},
	} {
		card := c
		_, err := b.UpsertCard(ctx, &card)
		require.NoError(t, err)
	}

	cards, err := b.ReadCards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, int64(1), cards[0].CardID)
	assert.Equal(t, int64(3), cards[1].CardID)

	empty, err := b.ReadCards(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteBackend_RetireCardsCountIsReplayStable(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, err := b.UpsertCard(ctx, &model.Card{CardID: id, OwnerID: 10, Type: 1})
		require.NoError(t, err)
	}

	n, err := b.RetireCards(ctx, []int64{1, 2, 99})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = b.RetireCards(ctx, []int64{1, 2, 99})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cards, err := b.ReadCards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, int64(3), cards[0].CardID)

	n, err = b.RetireCards(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteBackend_RetireBumpsCardVersion(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	owned := &model.Card{CardID: 7, OwnerID: 10, Type: 5, Version: 1}
	_, err := b.UpsertCard(ctx, owned)
	require.NoError(t, err)

	_, err = b.RetireCards(ctx, []int64{7})
	require.NoError(t, err)
	// retiring again leaves the version alone
	_, err = b.RetireCards(ctx, []int64{7})
	require.NoError(t, err)

	card, err := b.UpsertCard(ctx, owned)
	require.NoError(t, err)
	assert.Equal(t, model.Card{CardID: 7, OwnerID: 0, Type: 5, Version: 2}, *card)

	// same version with different content is ignored too
	changed := *owned
	changed.Type = 6
	changed.Version = 2
	card, err = b.UpsertCard(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, int32(5), card.Type)

	cards, err := b.ReadCards(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestSQLiteBackend_ClosedIsUnavailable(t *testing.T) {
	b, err := OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = b.Ping(context.Background())
	assert.ErrorIs(t, err, brokererrors.ErrBackendUnavailable)

	_, err = b.ReadPlayer(context.Background(), 1)
	assert.ErrorIs(t, err, brokererrors.ErrBackendUnavailable)
}
