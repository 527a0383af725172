package model

// Player is a row of the player table
type Player struct {
	PlayerID int64 `msgpack:"player_id" json:"player_id"`
	Level    int32 `msgpack:"level" json:"level"`
	Points   int32 `msgpack:"points" json:"points"`
	Stones   int32 `msgpack:"stones" json:"stones"`
	Stamina  int32 `msgpack:"stamina" json:"stamina"`
	Slots    int32 `msgpack:"slots" json:"slots"`
	Version  int64 `msgpack:"version" json:"version"`
}

// Card is a row of the card table. OwnerID 0 means the card was consumed.
type Card struct {
	CardID  int64 `msgpack:"card_id" json:"card_id"`
	OwnerID int64 `msgpack:"owner_id" json:"owner_id"`
	Type    int32 `msgpack:"type" json:"type"`
	Level   int32 `msgpack:"level" json:"level"`
	XP      int32 `msgpack:"xp" json:"xp"`
	Version int64 `msgpack:"version" json:"version"`
}

// Loadout is what a freshly created player starts with
type Loadout struct {
	Points  int32 `msgpack:"points" yaml:"points"`
	Stones  int32 `msgpack:"stones" yaml:"stones"`
	Stamina int32 `msgpack:"stamina" yaml:"stamina"`
	Slots   int32 `msgpack:"slots" yaml:"slots"`
}

// DefaultLoadout mirrors the load test's initial player configuration
func DefaultLoadout() Loadout {
	return Loadout{Points: 1000, Stones: 5, Stamina: 5, Slots: 50}
}

// PlayerKey identifies a player in read payloads
type PlayerKey struct {
	PlayerID int64 `msgpack:"player_id"`
}

// CreatePlayerRequest is the payload of create_player
type CreatePlayerRequest struct {
	PlayerID int64    `msgpack:"player_id"`
	Loadout  *Loadout `msgpack:"loadout,omitempty"`
}

// RetireCardsRequest is the payload of retire_cards
type RetireCardsRequest struct {
	CardIDs []int64 `msgpack:"card_ids"`
}

// CardList is the result payload of read_cards
type CardList struct {
	PlayerID int64  `msgpack:"player_id"`
	Cards    []Card `msgpack:"cards"`
}

// Affected is the result payload of operations that only report a row count
type Affected struct {
	Rows int64 `msgpack:"rows"`
}

// ReasonPlayerNotFound is the failure reason of read_player for an unknown id
const ReasonPlayerNotFound = "player not found"
