package validator

import (
	"sort"
	"sync"
	"time"

	"github.com/atmx/incentive-engine/internal/checkpoint"
	"github.com/atmx/incentive-engine/internal/elimination"
	"github.com/atmx/incentive-engine/internal/model"
	"github.com/atmx/incentive-engine/internal/risk"
	"github.com/atmx/incentive-engine/internal/store"
)

// MinerStats is the last computed view of one miner.
type MinerStats struct {
	ROI         float64                         `json:"roi"`
	WinRate     float64                         `json:"win_rate"`
	Positions   map[string]model.PositionReport `json:"positions,omitempty"`
	Serenity    float64                         `json:"serenity"`
	MaxDrawdown float64                         `json:"mdd"`
	Checkpoints int                             `json:"checkpoints"`
}

// RoundResult summarizes one scoring round.
type RoundResult struct {
	ID        string             `json:"round_id"`
	StartedAt time.Time          `json:"started_at"`
	NewOrders int                `json:"new_orders"`
	Scores    map[string]float64 `json:"scores"`
	Weights   map[string]int     `json:"weights"` // every weighted miner, zeros included
	Vote      map[string]int     `json:"vote"`    // the submitted, non-zero subset
	Excluded  []string           `json:"excluded"`
	Voted     bool               `json:"voted"`
}

// State is everything the round loop and the elimination tasks share. All
// fields are guarded by mu.
type State struct {
	mu         sync.Mutex
	accounts   map[string]*model.Account
	aggregator *checkpoint.Aggregator
	registry   *elimination.Registry
	updateTime int64
	stats      map[string]MinerStats
	last       *RoundResult
}

func newState(agg *checkpoint.Aggregator) *State {
	return &State{
		accounts:   make(map[string]*model.Account),
		aggregator: agg,
		registry:   elimination.NewRegistry(),
		stats:      make(map[string]MinerStats),
	}
}

// restore replaces in-memory state with a persisted snapshot.
func (s *State) restore(st *store.State) {
	s.accounts = make(map[string]*model.Account, len(st.Accounts))
	for id, acc := range st.Accounts {
		if acc == nil {
			continue
		}
		acc.Normalize()
		s.accounts[id] = acc
	}
	s.aggregator.Restore(st.Checkpoints)
	s.updateTime = st.UpdateTime
}

// snapshot builds the persisted form. Callers hold mu until it is saved.
func (s *State) snapshot(now time.Time) *store.State {
	return &store.State{
		Accounts:    s.accounts,
		Checkpoints: s.aggregator.Checkpoints(),
		UpdateTime:  s.updateTime,
		Timestamp:   store.Timestamp(now),
	}
}

// seed creates a fresh account for every registered miner without one.
func (s *State) seed(ids map[string]int, tokens []string) int {
	added := 0
	for id := range ids {
		if _, ok := s.accounts[id]; ok {
			continue
		}
		s.accounts[id] = model.NewAccount(tokens)
		added++
	}
	return added
}

// riskProfile computes serenity and max-drawdown for every miner with a
// return series.
func (s *State) riskProfile() (serenity, mdd map[string]float64) {
	returns := s.aggregator.GenerateReturns()
	serenity = make(map[string]float64, len(returns))
	mdd = make(map[string]float64, len(returns))
	for id, series := range returns {
		serenity[id], mdd[id] = risk.SafeSerenity(series, series)
	}
	return serenity, mdd
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
