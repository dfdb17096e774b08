// Package scoring turns per-miner risk metrics into a bounded score and
// distributes an integer weight budget over the ranked miners.
package scoring

import (
	"math"
	"sort"
)

const (
	// DefaultBudget is the total weight submitted per vote.
	DefaultBudget = 1000

	// MinCheckpoints is the history a miner needs before it is scored.
	MinCheckpoints = 3

	// fixedTierPopulation is the population at which tier sizes stop being
	// percentages and become the literal counts in fixedTiers.
	fixedTierPopulation = 100

	tierShare = 0.25
)

var (
	tierPercents = [4]float64{0.03, 0.1, 0.25, 0.5}
	fixedTiers   = [4]int{3, 10, 25, 50}
)

// Penalty returns the drawdown coefficient applied to a normalized score:
// 1.0 up to a 10% drawdown, 0.9 up to 20%, 0.7 beyond.
func Penalty(mdd float64) float64 {
	pct := math.Abs(mdd) * 100
	switch {
	case pct > 20:
		return 0.7
	case pct > 10:
		return 0.9
	default:
		return 1.0
	}
}

// Score min-max normalizes serenity across the miners in mdd and scales
// each by its drawdown Penalty. When every serenity is equal the normalized
// value is 0 for all miners.
func Score(mdd, serenity map[string]float64) map[string]float64 {
	scores := make(map[string]float64, len(mdd))
	if len(mdd) == 0 {
		return scores
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range serenity {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	for id, dd := range mdd {
		norm := 0.0
		if hi > lo {
			norm = (serenity[id] - lo) / (hi - lo)
		}
		scores[id] = norm * Penalty(dd)
	}
	return scores
}

// Eligible splits miners by checkpoint history: scored have at least
// minCheckpoints valued checkpoints, the rest take the default weight.
func Eligible(counts map[string]int, minCheckpoints int) (scored, defaulted []string) {
	for id, n := range counts {
		if n >= minCheckpoints {
			scored = append(scored, id)
		} else {
			defaulted = append(defaulted, id)
		}
	}
	sort.Strings(scored)
	sort.Strings(defaulted)
	return scored, defaulted
}

// tierBounds returns the exclusive rank bounds of the four tiers.
func tierBounds(n int) [4]int {
	if n >= fixedTierPopulation {
		return fixedTiers
	}
	var b [4]int
	for i, p := range tierPercents {
		b[i] = int(float64(n) * p)
	}
	// A lone miner still forms a top-50% tier.
	if b[3] == 0 && n > 0 {
		b[3] = 1
	}
	return b
}

type ranked struct {
	id    string
	score float64
}

func rank(scores map[string]float64, eliminated map[string]struct{}) []ranked {
	out := make([]ranked, 0, len(scores))
	for id, s := range scores {
		if _, drop := eliminated[id]; drop {
			continue
		}
		out = append(out, ranked{id: id, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// Distribute ranks non-eliminated miners by score and splits budget over
// four tiers (top 3%, 10%, 25%, 50%), each worth a quarter of the budget
// and shared in proportion to score. Whatever truncation leaves over is
// spread evenly across the top-50% members. Miners below the top half get
// 0. Every non-eliminated miner appears in the result.
func Distribute(scores map[string]float64, eliminated map[string]struct{}, budget int) map[string]int {
	list := rank(scores, eliminated)
	weights := make(map[string]int, len(list))
	if len(list) == 0 {
		return weights
	}

	bounds := tierBounds(len(list))
	pool := tierShare * float64(budget)
	lower := 0
	for _, upper := range bounds {
		if upper > len(list) {
			upper = len(list)
		}
		var sum float64
		for _, r := range list[lower:upper] {
			sum += r.score
		}
		for _, r := range list[lower:upper] {
			weights[r.id] = 0
			if sum > 0 {
				weights[r.id] = int(r.score / sum * pool)
			}
		}
		lower = upper
	}
	for _, r := range list[lower:] {
		weights[r.id] = 0
	}

	top := bounds[3]
	if top > len(list) {
		top = len(list)
	}
	allocated := 0
	for _, w := range weights {
		allocated += w
	}
	if remain := budget - allocated; remain > 0 && top > 0 {
		share := float64(remain) / float64(bounds[3])
		for _, r := range list[:top] {
			weights[r.id] = int(float64(weights[r.id]) + share)
		}
	}
	return weights
}

// Allocate combines tiered weights with a flat default weight for miners
// that are not scored yet. The defaults are reserved out of budget first,
// capped so their total never exceeds it; the rest is distributed.
func Allocate(scores map[string]float64, defaulted []string, eliminated map[string]struct{}, defaultWeight, budget int) map[string]int {
	var pending []string
	for _, id := range defaulted {
		if _, drop := eliminated[id]; !drop {
			pending = append(pending, id)
		}
	}

	per := defaultWeight
	if n := len(pending); n > 0 && per*n > budget {
		per = budget / n
	}
	if per < 0 {
		per = 0
	}

	weights := Distribute(scores, eliminated, budget-per*len(pending))
	for _, id := range pending {
		if _, scored := weights[id]; !scored {
			weights[id] = per
		}
	}
	return weights
}

// VoteWeights drops zero weights; the remaining map is what is submitted.
func VoteWeights(weights map[string]int) map[string]int {
	out := make(map[string]int, len(weights))
	for id, w := range weights {
		if w > 0 {
			out[id] = w
		}
	}
	return out
}

// Sum adds all weights.
func Sum(weights map[string]int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	return total
}
