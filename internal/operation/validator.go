package operation

import (
	"fmt"

	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
)

const (
	// MaxRetireBatch bounds the number of cards one retire_cards request may name
	MaxRetireBatch = 1000
)

// Validator checks operation payloads before they reach the backend.
// Column ranges are left to the database CHECK constraints.
type Validator struct {
	maxRetireBatch int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return &Validator{maxRetireBatch: MaxRetireBatch}
}

// ValidatePlayerID validates a player id
func (v *Validator) ValidatePlayerID(playerID int64) error {
	if playerID <= 0 {
		return invalid(fmt.Sprintf("player_id must be positive, got %d", playerID))
	}
	return nil
}

// ValidatePlayer validates an upsert_player payload
func (v *Validator) ValidatePlayer(p *model.Player) error {
	if err := v.ValidatePlayerID(p.PlayerID); err != nil {
		return err
	}
	if p.Version < 0 {
		return invalid("version cannot be negative")
	}
	return nil
}

// ValidateCard validates an upsert_card payload
func (v *Validator) ValidateCard(c *model.Card) error {
	if c.CardID <= 0 {
		return invalid(fmt.Sprintf("card_id must be positive, got %d", c.CardID))
	}
	if c.OwnerID < 0 {
		return invalid("owner_id cannot be negative")
	}
	if c.Version < 0 {
		return invalid("version cannot be negative")
	}
	return nil
}

// ValidateRetire validates a retire_cards payload
func (v *Validator) ValidateRetire(req *model.RetireCardsRequest) error {
	if len(req.CardIDs) == 0 {
		return invalid("card_ids cannot be empty")
	}
	if len(req.CardIDs) > v.maxRetireBatch {
		return invalid(fmt.Sprintf("card_ids exceeds maximum batch of %d", v.maxRetireBatch))
	}
	for _, id := range req.CardIDs {
		if id <= 0 {
			return invalid(fmt.Sprintf("card_id must be positive, got %d", id))
		}
	}
	return nil
}

func invalid(reason string) error {
	return brokererrors.PermanentBackend("invalid payload: "+reason, nil).WithDetail("reason", reason)
}
