// Package elimination implements the detectors that flag miners for
// exclusion from weight distribution, and the registry that records flags
// and registration protection.
//
// Detectors are pure: every input, including the current time, is passed
// explicitly so a scheduler can run each one on its own cadence.
package elimination

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/incentive-engine/internal/checkpoint"
	"github.com/atmx/incentive-engine/internal/model"
)

const (
	day = 24 * time.Hour

	// ProtectionWindow is how long a newly registered miner is exempt.
	ProtectionWindow = 7 * day

	// CopyWindow is the trailing order history compared for copy trading.
	CopyWindow = 7 * day

	// CopyLag is how far before A's order a matching order from B may lie.
	CopyLag = 30 // seconds

	// CopyRate is the share of A's orders that must match to flag a copy.
	CopyRate = 0.95

	// MinCopyOrders is the per-miner order count needed to be compared.
	MinCopyOrders = 5

	// DrawdownLimit is the max-drawdown below which a miner is flagged.
	DrawdownLimit = -0.5

	// MinDrawdownCheckpoints gates the drawdown detector.
	MinDrawdownCheckpoints = 3

	// ROILimit is the percent ROI below which a day counts as a breach.
	ROILimit = -50.0

	ROIWindow      = 30 * day
	ROIConsecutive = 2
	ROITotal       = 5

	minActiveOrders = 4
	minActiveOpens  = 2

	copyWorkers = 8
)

// ErrUndecided is returned when a copy-trading comparison exhausts the
// orders without reaching either threshold.
var ErrUndecided = errors.New("elimination: copy-trading comparison undecided")

// Verdict is the outcome of comparing one miner's orders against another's.
type Verdict int

const (
	Undecided Verdict = iota
	Match
	NoMatch
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case NoMatch:
		return "no_match"
	default:
		return "undecided"
	}
}

func dayStart(now time.Time) int64 {
	return checkpoint.DayStart(now.Unix())
}

// Protected returns the miners registered within the trailing protection
// window.
func Protected(registrations map[string]int64, now time.Time) []string {
	since := now.Add(-ProtectionWindow).Unix()
	var out []string
	for id, reg := range registrations {
		if reg >= since {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Inactive returns the miners whose protection window has just expired
// (registered between 8 and 7 days before today's UTC midnight) and who did
// not place at least four orders, two of them opens, while protected.
func Inactive(orders []model.Order, registrations map[string]int64, now time.Time) []string {
	today := dayStart(now)
	begin := today - int64(8*day/time.Second)
	end := today - int64(7*day/time.Second) - 1

	expired := make(map[string]int64)
	for id, reg := range registrations {
		if reg >= begin && reg <= end {
			expired[id] = reg
		}
	}
	if len(expired) == 0 {
		return nil
	}

	type activity struct{ orders, opens int }
	seen := make(map[string]*activity, len(expired))
	window := int64(ProtectionWindow / time.Second)
	for _, o := range orders {
		reg, ok := expired[o.MinerID]
		if !ok || o.Timestamp < reg || o.Timestamp > reg+window {
			continue
		}
		a := seen[o.MinerID]
		if a == nil {
			a = &activity{}
			seen[o.MinerID] = a
		}
		a.orders++
		if !o.IsClose {
			a.opens++
		}
	}

	var out []string
	for id := range expired {
		a := seen[id]
		if a == nil || a.orders < minActiveOrders || a.opens < minActiveOpens {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// CompareOrders decides whether a copies b. For each of a's orders it looks
// for an order of b with the same token, direction, leverage and close flag
// placed within CopyLag seconds before it. The scan stops as soon as either
// the match count reaches ceil(n·CopyRate) or the miss count reaches
// ceil(n·(1-CopyRate)).
func CompareOrders(a, b []model.Order) Verdict {
	n := float64(len(a))
	needMatch := int(math.Ceil(n * CopyRate))
	needMiss := int(math.Ceil(n * (1 - CopyRate - 1e-6)))

	matched, missed := 0, 0
	for _, oa := range a {
		if copied(oa, b) {
			matched++
		} else {
			missed++
		}
		switch {
		case matched >= needMatch:
			return Match
		case missed >= needMiss:
			return NoMatch
		}
	}
	return Undecided
}

func copied(oa model.Order, b []model.Order) bool {
	for _, ob := range b {
		if ob.Token == oa.Token &&
			ob.Direction == oa.Direction &&
			ob.IsClose == oa.IsClose &&
			ob.Leverage.Equal(oa.Leverage) &&
			ob.Timestamp < oa.Timestamp &&
			ob.Timestamp >= oa.Timestamp-CopyLag {
			return true
		}
	}
	return false
}

// CopyTrading compares every ordered pair of miners with at least
// MinCopyOrders orders in the trailing CopyWindow. The result maps each
// copier to the miner it copied; when several leaders match, the last in
// identifier order wins. An undecided comparison aborts the scan with
// ErrUndecided.
func CopyTrading(ctx context.Context, orders []model.Order, now time.Time) (map[string]string, error) {
	since := now.Add(-CopyWindow).Unix()
	byMiner := make(map[string][]model.Order)
	for _, o := range orders {
		if o.Timestamp >= since {
			byMiner[o.MinerID] = append(byMiner[o.MinerID], o)
		}
	}

	var miners []string
	for id, list := range byMiner {
		if len(list) >= MinCopyOrders {
			miners = append(miners, id)
		}
	}
	sort.Strings(miners)

	var mu sync.Mutex
	result := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyWorkers)
	for _, a := range miners {
		a := a
		g.Go(func() error {
			leader := ""
			for _, b := range miners {
				if a == b {
					continue
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				switch CompareOrders(byMiner[a], byMiner[b]) {
				case Match:
					leader = b
				case Undecided:
					return fmt.Errorf("%w: %s against %s", ErrUndecided, a, b)
				}
			}
			if leader != "" {
				mu.Lock()
				result[a] = leader
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// MaxDrawdown returns the miners whose max-drawdown is below DrawdownLimit.
// When counts is non-nil only miners with at least MinDrawdownCheckpoints
// checkpoints are considered.
func MaxDrawdown(mdd map[string]float64, counts map[string]int) []string {
	var out []string
	for id, v := range mdd {
		if counts != nil && counts[id] < MinDrawdownCheckpoints {
			continue
		}
		if v < DrawdownLimit {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ROI returns the miners whose checkpoint ROI fell below ROILimit on
// ROIConsecutive consecutive days, or on ROITotal days overall, within the
// trailing ROIWindow.
func ROI(checkpoints []*model.Checkpoint, now time.Time) []string {
	since := dayStart(now) - int64(ROIWindow/time.Second)

	cps := make([]*model.Checkpoint, 0, len(checkpoints))
	for _, cp := range checkpoints {
		if cp.DayStart >= since && len(cp.ROI) > 0 {
			cps = append(cps, cp)
		}
	}
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].DayStart < cps[j].DayStart })

	type streak struct{ run, total int }
	state := make(map[string]*streak)
	flagged := make(map[string]struct{})
	for _, cp := range cps {
		for id, roi := range cp.ROI {
			if _, done := flagged[id]; done {
				continue
			}
			s := state[id]
			if s == nil {
				s = &streak{}
				state[id] = s
			}
			if roi >= ROILimit {
				s.run = 0
				continue
			}
			s.run++
			s.total++
			if s.run >= ROIConsecutive || s.total >= ROITotal {
				flagged[id] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(flagged))
	for id := range flagged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
