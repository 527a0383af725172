// Package session simulates one player. A Session owns its cached copy of the
// player row and card collection; the broker is read through on load and
// written behind after every local mutation.
package session

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"math/rand"
	"sort"
	"time"

	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/metrics"
	"github.com/devrev/mimus/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoStamina is returned by PlayStage once the session has spent its stamina
var ErrNoStamina = stderrors.New("no stamina left")

// Broker runs one storage operation and decodes its result payload into out
type Broker interface {
	ExecuteInto(ctx context.Context, op model.Operation, payload interface{}, timeout time.Duration, out interface{}) (*model.Result, error)
}

// Action is what a simulated player chose to do
type Action string

const (
	ActionNone    Action = "none"
	ActionRefresh Action = "refresh"
	ActionStage   Action = "stage"
	ActionLevel   Action = "level"
	ActionEvolve  Action = "evolve"
)

// Options configures a Session
type Options struct {
	Rules Rules
	// Timeout bounds every broker call; zero uses the client default
	Timeout time.Duration
	// MaxActions stops Run after that many steps; zero runs until the player is done
	MaxActions int
	// MaxFailures is the number of consecutive failed steps Run tolerates
	MaxFailures int
	// Think returns how long the player spends on an action, broker time included
	Think   func(action Action, success bool) time.Duration
	Rand    *rand.Rand
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Stats counts what a session did
type Stats struct {
	Stages     int `json:"stages"`
	StagesLost int `json:"stages_lost"`
	Levels     int `json:"levels"`
	Evolves    int `json:"evolves"`
	Failures   int `json:"failures"`
}

func (s *Stats) record(action Action, success bool) {
	switch action {
	case ActionStage:
		if success {
			s.Stages++
		} else {
			s.StagesLost++
		}
	case ActionLevel:
		s.Levels++
	case ActionEvolve:
		s.Evolves++
	}
}

// Session is the state of one simulated player
type Session struct {
	playerID    int64
	broker      Broker
	rules       Rules
	timeout     time.Duration
	maxActions  int
	maxFailures int
	think       func(Action, bool) time.Duration
	rng         *rand.Rand
	metrics     *metrics.Metrics
	logger      *zap.Logger

	player  model.Player
	cards   map[int64]model.Card
	stamina int32
	stale   bool
}

// PlayerID derives a stable player id from a player name
func PlayerID(name string) int64 {
	id := int64(crc32.ChecksumIEEE([]byte(name)))
	if id == 0 {
		id = 1
	}
	return id
}

// Open loads the player through the broker, creating it with its starting
// cards when it does not exist yet. The session starts with full stamina.
func Open(ctx context.Context, playerID int64, broker Broker, opts Options) (*Session, error) {
	if opts.Rules == (Rules{}) {
		opts.Rules = DefaultRules()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano() ^ playerID))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Session{
		playerID:    playerID,
		broker:      broker,
		rules:       opts.Rules,
		timeout:     opts.Timeout,
		maxActions:  opts.MaxActions,
		maxFailures: opts.MaxFailures,
		think:       opts.Think,
		rng:         opts.Rand,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With(zap.Int64("player_id", playerID)),
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.stamina = s.player.Stamina
	return s, nil
}

// PlayerID returns the id of the simulated player
func (s *Session) PlayerID() int64 {
	return s.playerID
}

// Player returns the cached player row
func (s *Session) Player() model.Player {
	return s.player
}

// Cards returns the cached collection ordered by card id
func (s *Session) Cards() []model.Card {
	cards := make([]model.Card, 0, len(s.cards))
	for _, c := range s.cards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].CardID < cards[j].CardID })
	return cards
}

// Stamina returns the stamina left in this session
func (s *Session) Stamina() int32 {
	return s.stamina
}

// Stale reports whether a failed write left the cache out of sync with the backend
func (s *Session) Stale() bool {
	return s.stale
}

// Run steps the player until it has nothing left to do, ctx is done,
// MaxActions is reached, or MaxFailures steps fail in a row.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	s.metrics.SessionStarted()
	defer s.metrics.SessionStopped()

	var stats Stats
	consecutive := 0
	for n := 0; s.maxActions <= 0 || n < s.maxActions; n++ {
		start := time.Now()
		action, success, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failures++
			consecutive++
			s.metrics.RecordSessionAction(string(action), "error")
			s.logger.Warn("Session action failed", zap.String("action", string(action)), zap.Error(err))
			if consecutive >= s.maxFailures {
				return stats, fmt.Errorf("player %d gave up after %d consecutive failures: %w", s.playerID, consecutive, err)
			}
		} else {
			consecutive = 0
			if action == ActionNone {
				s.logger.Debug("Session finished", zap.Int32("stamina", s.stamina), zap.Int("cards", len(s.cards)))
				return stats, nil
			}
			stats.record(action, success)
			s.metrics.RecordSessionAction(string(action), outcomeLabel(success))
		}

		if s.think != nil {
			if wait := s.think(action, err == nil && success) - time.Since(start); wait > 0 {
				if !sleep(ctx, wait) {
					return stats, ctx.Err()
				}
			}
		}
	}
	return stats, nil
}

// Step performs the next action a player would choose: play a stage while
// stamina and slots allow, otherwise level or evolve a card. It returns
// ActionNone when nothing is left to do.
func (s *Session) Step(ctx context.Context) (Action, bool, error) {
	if s.stale {
		if err := s.refresh(ctx); err != nil {
			return ActionRefresh, false, err
		}
	}

	free := s.player.Slots - int32(len(s.cards))
	if s.stamina > 0 && free >= s.rules.MinFreeSlots {
		cleared, err := s.PlayStage(ctx)
		return ActionStage, cleared, err
	}
	if dest, consume, ok := s.LevelPlan(); ok {
		err := s.Level(ctx, dest, consume)
		return ActionLevel, err == nil, err
	}
	if dest, consume, ok := s.EvolvePlan(); ok {
		err := s.Evolve(ctx, dest, consume)
		return ActionEvolve, err == nil, err
	}
	return ActionNone, false, nil
}

// PlayStage spends one stamina. A cleared stage rolls for card drops and
// awards points; a lost stage changes nothing else.
func (s *Session) PlayStage(ctx context.Context) (bool, error) {
	if s.stamina <= 0 {
		return false, ErrNoStamina
	}
	s.stamina--
	if s.rng.Float64() > s.rules.StageClearChance {
		return false, nil
	}

	var drops []model.Card
	for round := 0; round < s.rules.StageRounds; round++ {
		if int32(len(s.cards)+len(drops)) >= s.player.Slots {
			s.logger.Debug("Collection full, discarding remaining drops", zap.Int("round", round))
			break
		}
		if s.rng.Float64() <= s.rules.StandardLoot.DropChance {
			drops = append(drops, s.newCard(s.rules.StandardLoot))
		}
	}

	for _, c := range drops {
		s.cards[c.CardID] = c
	}
	awarded := s.player.Points+s.rules.PointsPerStage <= MaxStat
	if awarded {
		s.player.Points += s.rules.PointsPerStage
		s.player.Version++
	}

	for _, c := range drops {
		if err := s.write(ctx, model.OpUpsertCard, c, nil); err != nil {
			return false, err
		}
	}
	if awarded {
		var stored model.Player
		if err := s.write(ctx, model.OpUpsertPlayer, s.player, &stored); err != nil {
			return false, err
		}
		s.player = stored
	}
	return true, nil
}

// Level feeds the consumed cards into dest, adding experience
func (s *Session) Level(ctx context.Context, destID int64, consume []int64) error {
	dest, err := s.take(destID, consume)
	if err != nil {
		return err
	}
	xp := dest.XP + s.rules.XPPerCard*int32(len(consume))
	if xp > MaxCardValue {
		xp = MaxCardValue
	}
	dest.XP = xp
	dest.Version++
	return s.consumeInto(ctx, dest, consume)
}

// Evolve feeds the consumed cards into dest, turning it into the next rarer
// type with no experience
func (s *Session) Evolve(ctx context.Context, destID int64, consume []int64) error {
	dest, err := s.take(destID, consume)
	if err != nil {
		return err
	}
	if dest.Type < MaxCardValue {
		dest.Type++
	}
	dest.XP = 0
	dest.Version++
	return s.consumeInto(ctx, dest, consume)
}

// LevelPlan picks a rare card to level and the low experience cards to feed it.
// It only plans when the collection is large enough and levelable cards
// outnumber evolvable ones.
func (s *Session) LevelPlan() (int64, []int64, bool) {
	levelable, evolvable := s.partition()
	if len(evolvable) >= len(levelable) || len(s.cards) <= s.rules.MinCollection {
		return 0, nil, false
	}

	rare := byRarity(levelable)
	targets := rare[:len(rare)/3]
	if len(targets) == 0 {
		return 0, nil, false
	}
	fodder := byXP(rare[len(rare)/3:])

	n := s.between(s.rules.MinConsumeCards, min(s.rules.MaxConsumeCards, len(targets)))
	n = min(n, len(fodder))
	if n <= 0 {
		return 0, nil, false
	}
	return targets[s.rng.Intn(len(targets))].CardID, ids(fodder[:n]), true
}

// EvolvePlan picks one of the rarest evolvable cards and common, low
// experience cards to consume into it
func (s *Session) EvolvePlan() (int64, []int64, bool) {
	_, evolvable := s.partition()
	if len(evolvable) == 0 || len(s.cards) < s.rules.MinCollection {
		return 0, nil, false
	}

	rare := byRarity(evolvable)
	targets := rare[:len(rare)/3]
	if len(targets) == 0 {
		return 0, nil, false
	}
	exclude := make(map[int64]bool, len(targets))
	for _, c := range targets {
		exclude[c.CardID] = true
	}
	var rest []model.Card
	for _, c := range s.cards {
		if !exclude[c.CardID] {
			rest = append(rest, c)
		}
	}
	// keep the rarest third of the remaining cards out of the fodder
	rest = byRarity(rest)
	fodder := byXP(rest[len(rest)/3:])
	if len(fodder) == 0 {
		return 0, nil, false
	}

	n := s.between(s.rules.MinConsumeCards, min(s.rules.MaxConsumeCards, len(fodder)))
	return targets[s.rng.Intn(len(targets))].CardID, ids(fodder[:n]), true
}

func (s *Session) refresh(ctx context.Context) error {
	var p model.Player
	_, err := s.broker.ExecuteInto(ctx, model.OpReadPlayer, model.PlayerKey{PlayerID: s.playerID}, s.timeout, &p)
	if isPlayerNotFound(err) {
		if err := s.create(ctx, &p); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("failed to read player %d: %w", s.playerID, err)
	}

	var list model.CardList
	if _, err := s.broker.ExecuteInto(ctx, model.OpReadCards, model.PlayerKey{PlayerID: s.playerID}, s.timeout, &list); err != nil {
		return fmt.Errorf("failed to read cards of player %d: %w", s.playerID, err)
	}

	s.player = p
	s.cards = make(map[int64]model.Card, len(list.Cards))
	for _, c := range list.Cards {
		s.cards[c.CardID] = c
	}
	s.stale = false
	return nil
}

func (s *Session) create(ctx context.Context, out *model.Player) error {
	s.logger.Info("Creating player")
	if _, err := s.broker.ExecuteInto(ctx, model.OpCreatePlayer, model.CreatePlayerRequest{PlayerID: s.playerID}, s.timeout, out); err != nil {
		return fmt.Errorf("failed to create player %d: %w", s.playerID, err)
	}

	var starting []model.Card
	for i := 0; i < s.rules.InitialCards; i++ {
		starting = append(starting, s.newCard(s.rules.StandardLoot))
	}
	for i := 0; i < s.rules.InitialStoneCards; i++ {
		starting = append(starting, s.newCard(s.rules.StoneLoot))
	}
	for _, c := range starting {
		if _, err := s.broker.ExecuteInto(ctx, model.OpUpsertCard, c, s.timeout, nil); err != nil {
			return fmt.Errorf("failed to create starting cards of player %d: %w", s.playerID, err)
		}
	}
	return nil
}

// take checks that dest and every consumed card are owned and distinct, then
// removes the consumed cards from the cache
func (s *Session) take(destID int64, consume []int64) (model.Card, error) {
	dest, ok := s.cards[destID]
	if !ok {
		return model.Card{}, fmt.Errorf("card %d is not owned by player %d", destID, s.playerID)
	}
	if len(consume) == 0 {
		return model.Card{}, fmt.Errorf("no cards to consume into card %d", destID)
	}
	seen := make(map[int64]bool, len(consume))
	for _, id := range consume {
		if id == destID || seen[id] {
			return model.Card{}, fmt.Errorf("card %d cannot be consumed into card %d", id, destID)
		}
		if _, ok := s.cards[id]; !ok {
			return model.Card{}, fmt.Errorf("card %d is not owned by player %d", id, s.playerID)
		}
		seen[id] = true
	}
	for _, id := range consume {
		delete(s.cards, id)
	}
	return dest, nil
}

func (s *Session) consumeInto(ctx context.Context, dest model.Card, consume []int64) error {
	s.cards[dest.CardID] = dest
	if err := s.write(ctx, model.OpRetireCards, model.RetireCardsRequest{CardIDs: consume}, nil); err != nil {
		return err
	}
	var stored model.Card
	if err := s.write(ctx, model.OpUpsertCard, dest, &stored); err != nil {
		return err
	}
	s.cards[stored.CardID] = stored
	return nil
}

// write sends one write-behind operation. A failure marks the cache stale so
// the next step reloads it from the backend.
func (s *Session) write(ctx context.Context, op model.Operation, payload, out interface{}) error {
	if _, err := s.broker.ExecuteInto(ctx, op, payload, s.timeout, out); err != nil {
		s.stale = true
		return fmt.Errorf("%s for player %d: %w", op, s.playerID, err)
	}
	return nil
}

func (s *Session) partition() (levelable, evolvable []model.Card) {
	for _, c := range s.cards {
		if c.XP >= s.rules.CardXPLimit {
			evolvable = append(evolvable, c)
		} else {
			levelable = append(levelable, c)
		}
	}
	return levelable, evolvable
}

func (s *Session) newCard(loot LootTable) model.Card {
	return model.Card{
		CardID:  newCardID(),
		OwnerID: s.playerID,
		Type:    int32(s.between(int(loot.Min), int(loot.Max))),
		Version: 1,
	}
}

// between returns a uniform integer in [lo, hi], or lo when the range is empty
func (s *Session) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Intn(hi-lo+1)
}

// newCardID draws a positive 63-bit id from a random UUID
func newCardID() int64 {
	u := uuid.New()
	id := int64(binary.BigEndian.Uint64(u[:8]) >> 1)
	if id == 0 {
		id = 1
	}
	return id
}

func isPlayerNotFound(err error) bool {
	var be *brokererrors.BrokerError
	return stderrors.As(err, &be) &&
		be.Code == brokererrors.ErrCodeBackend &&
		be.Message == model.ReasonPlayerNotFound
}

// byRarity returns a copy sorted rarest first
func byRarity(cards []model.Card) []model.Card {
	out := append([]model.Card(nil), cards...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type > out[j].Type
		}
		return out[i].CardID < out[j].CardID
	})
	return out
}

// byXP returns a copy sorted by ascending experience
func byXP(cards []model.Card) []model.Card {
	out := append([]model.Card(nil), cards...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].XP != out[j].XP {
			return out[i].XP < out[j].XP
		}
		return out[i].CardID < out[j].CardID
	})
	return out
}

func ids(cards []model.Card) []int64 {
	out := make([]int64, len(cards))
	for i, c := range cards {
		out[i] = c.CardID
	}
	return out
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
