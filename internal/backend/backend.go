// Package backend is the relational system of record the workers write to.
//
// Every write is idempotent under replay: creates are insert-if-absent, updates are
// upserts guarded by a caller supplied version, and retirement sets an absolute value.
// Errors leave this package classified as transient, permanent or unavailable.
package backend

import (
	"context"
	"errors"

	"github.com/devrev/mimus/internal/model"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("row not found")

// Backend executes storage operations against the relational database
type Backend interface {
	// Player operations
	ReadPlayer(ctx context.Context, playerID int64) (*model.Player, error)
	CreatePlayer(ctx context.Context, playerID int64, loadout model.Loadout) (*model.Player, error)
	UpsertPlayer(ctx context.Context, player *model.Player) (*model.Player, error)

	// Card operations. RetireCards reports the number of matching cards, which
	// stays the same when the call is replayed.
	ReadCards(ctx context.Context, playerID int64) ([]model.Card, error)
	UpsertCard(ctx context.Context, card *model.Card) (*model.Card, error)
	RetireCards(ctx context.Context, cardIDs []int64) (int64, error)

	// Schema and lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Column bounds, matching the integer widths of the game schema
const (
	MaxSmallInt  = 65535
	MaxMediumInt = 16777215
)
