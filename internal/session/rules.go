package session

// MaxStat is the largest value a player counter column accepts
const MaxStat = 65535

// MaxCardValue bounds card type and xp columns
const MaxCardValue = 1<<24 - 1

// LootTable is a range of card types a roll can drop
type LootTable struct {
	DropChance float64 `yaml:"drop_chance"`
	Min        int32   `yaml:"min"`
	Max        int32   `yaml:"max"`
}

// Rules are the game mechanics a simulated player follows
type Rules struct {
	InitialCards      int       `yaml:"initial_cards"`
	InitialStoneCards int       `yaml:"initial_stone_cards"`
	StandardLoot      LootTable `yaml:"standard_loot"`
	StoneLoot         LootTable `yaml:"stone_loot"`

	StageRounds      int     `yaml:"stage_rounds"`
	StageClearChance float64 `yaml:"stage_clear_chance"`
	PointsPerStage   int32   `yaml:"points_per_stage"`
	MinFreeSlots     int32   `yaml:"min_free_slots"`

	CardXPLimit     int32 `yaml:"card_xp_limit"`
	XPPerCard       int32 `yaml:"xp_per_card"`
	MinCollection   int   `yaml:"min_collection"`
	MinConsumeCards int   `yaml:"min_consume_cards"`
	MaxConsumeCards int   `yaml:"max_consume_cards"`
}

// DefaultRules returns the stock game configuration
func DefaultRules() Rules {
	return Rules{
		InitialCards:      5,
		InitialStoneCards: 1,
		StandardLoot:      LootTable{DropChance: 0.35, Min: 1, Max: 500},
		StoneLoot:         LootTable{DropChance: 1.0, Min: 500, Max: 1000},
		StageRounds:       5,
		StageClearChance:  0.9,
		PointsPerStage:    10,
		MinFreeSlots:      5,
		CardXPLimit:       10000,
		XPPerCard:         100,
		MinCollection:     15,
		MinConsumeCards:   1,
		MaxConsumeCards:   5,
	}
}
