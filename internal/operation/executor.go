// Package operation maps envelope operation tags onto backend calls.
package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/mimus/internal/backend"
	"github.com/devrev/mimus/internal/codec"
	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"go.uber.org/zap"
)

// Outcome is the successful result of one operation
type Outcome struct {
	Payload  interface{}
	Affected int64
}

// Executor runs envelopes against a backend
type Executor struct {
	backend   backend.Backend
	validator *Validator
	loadout   model.Loadout
	logger    *zap.Logger
}

// NewExecutor creates an executor. Players created without an explicit loadout get loadout.
func NewExecutor(b backend.Backend, loadout model.Loadout, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		backend:   b,
		validator: NewValidator(),
		loadout:   loadout,
		logger:    logger,
	}
}

// Execute runs the operation named by env. Errors are BrokerErrors classified
// as transient, permanent or unavailable.
func (e *Executor) Execute(ctx context.Context, env *model.Envelope) (*Outcome, error) {
	switch env.Operation {
	case model.OpReadPlayer:
		var req model.PlayerKey
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := e.validator.ValidatePlayerID(req.PlayerID); err != nil {
			return nil, err
		}
		p, err := e.backend.ReadPlayer(ctx, req.PlayerID)
		if err != nil {
			return nil, notFoundAs(err, model.ReasonPlayerNotFound)
		}
		return &Outcome{Payload: p}, nil

	case model.OpCreatePlayer:
		var req model.CreatePlayerRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := e.validator.ValidatePlayerID(req.PlayerID); err != nil {
			return nil, err
		}
		loadout := e.loadout
		if req.Loadout != nil {
			loadout = *req.Loadout
		}
		p, err := e.backend.CreatePlayer(ctx, req.PlayerID, loadout)
		if err != nil {
			return nil, err
		}
		return &Outcome{Payload: p, Affected: 1}, nil

	case model.OpUpsertPlayer:
		var req model.Player
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := e.validator.ValidatePlayer(&req); err != nil {
			return nil, err
		}
		p, err := e.backend.UpsertPlayer(ctx, &req)
		if err != nil {
			return nil, err
		}
		if p.Version > req.Version {
			e.logger.Debug("Stale player write ignored",
				zap.String("correlation_id", env.CorrelationID),
				zap.Int64("player_id", req.PlayerID),
				zap.Int64("stored_version", p.Version),
				zap.Int64("request_version", req.Version))
		}
		return &Outcome{Payload: p, Affected: 1}, nil

	case model.OpReadCards:
		var req model.PlayerKey
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := e.validator.ValidatePlayerID(req.PlayerID); err != nil {
			return nil, err
		}
		cards, err := e.backend.ReadCards(ctx, req.PlayerID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Payload: &model.CardList{PlayerID: req.PlayerID, Cards: cards}}, nil

	case model.OpUpsertCard:
		var req model.Card
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := e.validator.ValidateCard(&req); err != nil {
			return nil, err
		}
		c, err := e.backend.UpsertCard(ctx, &req)
		if err != nil {
			return nil, err
		}
		return &Outcome{Payload: c, Affected: 1}, nil

	case model.OpRetireCards:
		var req model.RetireCardsRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		if err := e.validator.ValidateRetire(&req); err != nil {
			return nil, err
		}
		n, err := e.backend.RetireCards(ctx, req.CardIDs)
		if err != nil {
			return nil, err
		}
		return &Outcome{Payload: &model.Affected{Rows: n}, Affected: n}, nil

	default:
		return nil, brokererrors.PermanentBackend(fmt.Sprintf("unsupported operation %q", env.Operation), nil)
	}
}

func decode(env *model.Envelope, v interface{}) error {
	if err := codec.UnmarshalPayload(env.Payload, v); err != nil {
		return brokererrors.PermanentBackend("invalid payload for "+string(env.Operation), err)
	}
	return nil
}

func notFoundAs(err error, reason string) error {
	if errors.Is(err, backend.ErrNotFound) {
		return brokererrors.PermanentBackend(reason, nil)
	}
	return err
}
