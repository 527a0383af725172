// Package loadgen drives many simulated player sessions against the broker.
package loadgen

import (
	"fmt"
	"os"
	"time"

	"github.com/devrev/mimus/internal/session"
	"gopkg.in/yaml.v3"
)

// ThinkTime is how long a player spends on an action, broker time included
type ThinkTime struct {
	Min  time.Duration `yaml:"min"`
	Max  time.Duration `yaml:"max"`
	Fail time.Duration `yaml:"fail"`
}

// SessionSettings tunes every session a scenario starts
type SessionSettings struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxActions  int           `yaml:"max_actions"`
	MaxFailures int           `yaml:"max_failures"`
}

// Scenario describes one load test run
type Scenario struct {
	Name         string `yaml:"name"`
	Players      int    `yaml:"players"`
	PlayerPrefix string `yaml:"player_prefix"`
	Concurrency  int    `yaml:"concurrency"`

	// ArrivalRate is sessions started per second; zero starts them as fast as
	// the pool accepts
	ArrivalRate float64       `yaml:"arrival_rate"`
	Burst       int           `yaml:"burst"`
	Duration    time.Duration `yaml:"duration"`
	Seed        int64         `yaml:"seed"`

	// ThinkScale multiplies every think time; zero disables pacing
	ThinkScale float64                      `yaml:"think_scale"`
	Think      map[session.Action]ThinkTime `yaml:"think"`

	Config SessionSettings `yaml:"session"`
	Rules  session.Rules   `yaml:"rules"`
}

// DefaultScenario returns a small scenario with stock game rules and pacing
func DefaultScenario() *Scenario {
	return &Scenario{
		Name:         "default",
		Players:      100,
		PlayerPrefix: "player-",
		Concurrency:  20,
		ArrivalRate:  10,
		Burst:        1,
		ThinkScale:   1,
		Think: map[session.Action]ThinkTime{
			session.ActionStage:  {Min: 30 * time.Second, Max: 90 * time.Second, Fail: 30 * time.Second},
			session.ActionLevel:  {Min: 3 * time.Second, Max: 3 * time.Second, Fail: 3 * time.Second},
			session.ActionEvolve: {Min: 3 * time.Second, Max: 3 * time.Second, Fail: 3 * time.Second},
		},
		Config: SessionSettings{
			Timeout:     30 * time.Second,
			MaxFailures: 3,
		},
		Rules: session.DefaultRules(),
	}
}

// LoadScenario reads a YAML scenario on top of DefaultScenario
func LoadScenario(path string) (*Scenario, error) {
	sc := DefaultScenario()
	if path == "" {
		return sc, sc.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return sc, nil
}

// Validate validates the scenario
func (s *Scenario) Validate() error {
	if s.Players <= 0 {
		return fmt.Errorf("players must be positive")
	}
	if s.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if s.ArrivalRate < 0 {
		return fmt.Errorf("arrival_rate cannot be negative")
	}
	if s.ArrivalRate > 0 && s.Burst <= 0 {
		return fmt.Errorf("burst must be positive when arrival_rate is set")
	}
	if s.Duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if s.ThinkScale < 0 {
		return fmt.Errorf("think_scale cannot be negative")
	}
	for action, t := range s.Think {
		if t.Min < 0 || t.Max < t.Min || t.Fail < 0 {
			return fmt.Errorf("invalid think time for %s", action)
		}
	}
	if s.Config.Timeout < 0 {
		return fmt.Errorf("session timeout cannot be negative")
	}

	r := s.Rules
	if r.StageClearChance < 0 || r.StageClearChance > 1 {
		return fmt.Errorf("stage_clear_chance must be within [0, 1]")
	}
	for name, loot := range map[string]session.LootTable{"standard_loot": r.StandardLoot, "stone_loot": r.StoneLoot} {
		if loot.DropChance < 0 || loot.DropChance > 1 {
			return fmt.Errorf("%s drop_chance must be within [0, 1]", name)
		}
		if loot.Min < 0 || loot.Max < loot.Min || loot.Max > session.MaxCardValue {
			return fmt.Errorf("%s type range is invalid", name)
		}
	}
	if r.MinConsumeCards <= 0 || r.MaxConsumeCards < r.MinConsumeCards {
		return fmt.Errorf("consume card range is invalid")
	}
	if r.PointsPerStage < 0 || r.XPPerCard < 0 {
		return fmt.Errorf("points_per_stage and xp_per_card cannot be negative")
	}
	return nil
}
