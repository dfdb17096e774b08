// Package checkpoint buckets orders into UTC daily checkpoints and replays
// them through the ledger to produce per-miner return series.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/incentive-engine/internal/ledger"
	"github.com/atmx/incentive-engine/internal/metrics"
	"github.com/atmx/incentive-engine/internal/model"
)

const (
	day = 24 * time.Hour

	// Retention is how far back checkpoints are kept.
	Retention = 30 * day

	// BaselineReturn is the valuation assumed before a miner's first checkpoint.
	BaselineReturn = 10.0

	// fetchConcurrency bounds parallel historical price lookups.
	fetchConcurrency = 4
)

// ErrIncompleteSnapshot reports a price snapshot that cannot value a
// checkpoint. The checkpoint is left pending.
var ErrIncompleteSnapshot = errors.New("checkpoint: incomplete price snapshot")

// PriceSource resolves a token price snapshot. asOf=0 asks for live prices;
// otherwise the snapshot valid at that unix time. Failures are reported as
// an empty map.
type PriceSource interface {
	LatestPrices(ctx context.Context, asOf int64) map[string]decimal.Decimal
}

// Snapshot is the per-miner view of the latest checkpoint.
type Snapshot struct {
	ROI       map[string]float64
	WinRate   map[string]float64
	Positions map[string]map[string]model.PositionReport
}

// Aggregator owns the checkpoint list, kept sorted ascending by day.
// It is not safe for concurrent use.
type Aggregator struct {
	ledger      *ledger.Ledger
	tokens      int
	checkpoints []*model.Checkpoint
	seen        map[string]struct{}
}

// New creates an aggregator. tokens is the number of tokens a complete
// price snapshot is expected to carry; 0 disables the check.
func New(l *ledger.Ledger, tokens int) *Aggregator {
	return &Aggregator{
		ledger: l,
		tokens: tokens,
		seen:   make(map[string]struct{}),
	}
}

// DayStart truncates a unix timestamp to its UTC midnight.
func DayStart(ts int64) int64 {
	t := time.Unix(ts, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

func orderKey(o model.Order) string {
	return fmt.Sprintf("%s/%d/%d", o.MinerID, o.Nonce, o.Timestamp)
}

// GroupByDay appends orders to the checkpoint of their UTC calendar day,
// creating checkpoints as needed. Orders already grouped are skipped, so an
// overlapping fetch window is harmless.
func (a *Aggregator) GroupByDay(orders []model.Order) int {
	batch := make([]model.Order, len(orders))
	copy(batch, orders)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp < batch[j].Timestamp
	})

	byDay := make(map[int64]*model.Checkpoint, len(a.checkpoints))
	for _, cp := range a.checkpoints {
		byDay[cp.DayStart] = cp
	}

	added := 0
	for _, o := range batch {
		key := orderKey(o)
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}

		ds := DayStart(o.Timestamp)
		cp, ok := byDay[ds]
		if !ok {
			cp = model.NewCheckpoint(ds)
			byDay[ds] = cp
			a.checkpoints = append(a.checkpoints, cp)
		}
		cp.Orders = append(cp.Orders, o)
		added++
	}

	sort.SliceStable(a.checkpoints, func(i, j int) bool {
		return a.checkpoints[i].DayStart < a.checkpoints[j].DayStart
	})
	return added
}

// Advance fetches the day-end prices of every pending checkpoint from src
// and applies them. See Apply.
func (a *Aggregator) Advance(ctx context.Context, src PriceSource, accounts map[string]*model.Account, live map[string]decimal.Decimal, now time.Time) (Snapshot, error) {
	historical := FetchHistorical(ctx, src, a.PendingDays())
	return a.Apply(accounts, historical, live, now)
}

// Apply replays pending checkpoints. Every unapplied checkpoint except the
// last is valued at the historical prices of its day end and marked applied.
// The last checkpoint always represents today: its new orders are replayed
// and it is revalued against live prices on every call. Checkpoints older
// than Retention are pruned afterwards.
//
// Replay stops at the first checkpoint whose snapshot is empty or lacks a
// token that is held or traded there. That checkpoint and every later one
// stay pending for the next call, and ErrIncompleteSnapshot is returned.
func (a *Aggregator) Apply(accounts map[string]*model.Account, historical map[int64]map[string]decimal.Decimal, live map[string]decimal.Decimal, now time.Time) (Snapshot, error) {
	snap := Snapshot{
		ROI:       make(map[string]float64),
		WinRate:   make(map[string]float64),
		Positions: make(map[string]map[string]model.PositionReport),
	}
	if len(a.checkpoints) == 0 {
		return snap, nil
	}

	last := len(a.checkpoints) - 1
	for i := 0; i < last; i++ {
		cp := a.checkpoints[i]
		if cp.Applied {
			continue
		}
		prices := historical[cp.DayStart]
		if err := a.checkPrices(cp, accounts, prices); err != nil {
			return snap, err
		}
		a.replay(cp, accounts, prices)
		a.record(i, accounts, prices, nil)
		cp.Applied = true
	}

	cp := a.checkpoints[last]
	if err := a.checkPrices(cp, accounts, live); err != nil {
		return snap, err
	}
	a.replay(cp, accounts, live)
	a.record(last, accounts, live, &snap)
	cp.Applied = true

	a.Prune(now)
	return snap, nil
}

// checkPrices verifies prices can value cp: every token held by an account
// or traded by a pending order must be priced.
func (a *Aggregator) checkPrices(cp *model.Checkpoint, accounts map[string]*model.Account, prices map[string]decimal.Decimal) error {
	dayLabel := time.Unix(cp.DayStart, 0).UTC().Format("2006-01-02")
	var missing []string
	if len(prices) == 0 {
		missing = []string{"*"}
	} else {
		needed := make(map[string]struct{})
		for _, account := range accounts {
			if account == nil {
				continue
			}
			for token, slot := range account.Portfolio {
				if !slot.Amount.IsZero() {
					needed[token] = struct{}{}
				}
			}
		}
		for _, o := range cp.Orders[cp.Replayed:] {
			needed[o.Token] = struct{}{}
		}
		for token := range needed {
			if _, ok := prices[token]; !ok {
				missing = append(missing, token)
			}
		}
		sort.Strings(missing)
	}

	if len(missing) > 0 {
		metrics.IncompleteSnapshots.Inc()
		slog.Error("incomplete price snapshot, replay deferred",
			"day", dayLabel,
			"tokens", len(prices),
			"missing", missing,
		)
		return fmt.Errorf("%w: %s missing %v", ErrIncompleteSnapshot, dayLabel, missing)
	}
	if a.tokens > 0 && len(prices) != a.tokens {
		slog.Warn("partial price snapshot",
			"day", dayLabel,
			"tokens", len(prices),
			"expected", a.tokens,
		)
	}
	return nil
}

// PendingDays lists the day starts of unapplied checkpoints before the last,
// i.e. the days that need a historical price snapshot.
func (a *Aggregator) PendingDays() []int64 {
	var pending []int64
	for i := 0; i < len(a.checkpoints)-1; i++ {
		if !a.checkpoints[i].Applied {
			pending = append(pending, a.checkpoints[i].DayStart)
		}
	}
	return pending
}

// FetchHistorical resolves the day-end snapshot of each day, in parallel.
func FetchHistorical(ctx context.Context, src PriceSource, days []int64) map[int64]map[string]decimal.Decimal {
	results := make([]map[string]decimal.Decimal, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, ds := range days {
		i, ds := i, ds
		g.Go(func() error {
			results[i] = src.LatestPrices(gctx, ds+int64(day/time.Second))
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[int64]map[string]decimal.Decimal, len(days))
	for i, ds := range days {
		out[ds] = results[i]
	}
	return out
}

func (a *Aggregator) replay(cp *model.Checkpoint, accounts map[string]*model.Account, prices map[string]decimal.Decimal) {
	for _, o := range cp.Orders[cp.Replayed:] {
		a.ledger.Apply(accounts, o, prices)
	}
	cp.Replayed = len(cp.Orders)
}

// record values every active account into checkpoint i. When snap is
// non-nil the evaluation is also copied into it.
func (a *Aggregator) record(i int, accounts map[string]*model.Account, prices map[string]decimal.Decimal, snap *Snapshot) {
	cp := a.checkpoints[i]
	ensureMaps(cp)
	for id, account := range accounts {
		if account == nil || !account.Active() {
			continue
		}
		roi, winRate, positions := ledger.Evaluate(account, prices)
		cp.CurRet[id] = ledger.Valuation(account, roi)
		cp.ROI[id] = roi
		cp.PrevRet[id] = BaselineReturn
		if i > 0 {
			if prev, ok := a.checkpoints[i-1].CurRet[id]; ok {
				cp.PrevRet[id] = prev
			}
		}
		if snap != nil {
			snap.ROI[id] = roi
			snap.WinRate[id] = winRate
			snap.Positions[id] = positions
		}
	}
}

// Prune drops checkpoints whose day started before now-Retention.
func (a *Aggregator) Prune(now time.Time) {
	cutoff := now.Add(-Retention).Unix()
	kept := a.checkpoints[:0]
	for _, cp := range a.checkpoints {
		if cp.DayStart >= cutoff {
			kept = append(kept, cp)
		}
	}
	a.checkpoints = kept
	a.reindex()
}

// GenerateReturns returns, per miner, the fractional change (cur-prev)/prev
// of each checkpoint the miner appears in, in checkpoint order.
func (a *Aggregator) GenerateReturns() map[string][]float64 {
	out := make(map[string][]float64)
	for _, cp := range a.checkpoints {
		for id, cur := range cp.CurRet {
			prev, ok := cp.PrevRet[id]
			if !ok {
				prev = BaselineReturn
			}
			out[id] = append(out[id], (cur-prev)/prev)
		}
	}
	return out
}

// Counts returns the number of valued checkpoints per miner.
func (a *Aggregator) Counts() map[string]int {
	out := make(map[string]int)
	for _, cp := range a.checkpoints {
		for id := range cp.CurRet {
			out[id]++
		}
	}
	return out
}

// Checkpoints returns the checkpoint list, oldest first.
func (a *Aggregator) Checkpoints() []*model.Checkpoint {
	return a.checkpoints
}

// Restore replaces the checkpoint list, e.g. from persisted state.
func (a *Aggregator) Restore(cps []*model.Checkpoint) {
	a.checkpoints = append([]*model.Checkpoint(nil), cps...)
	for _, cp := range a.checkpoints {
		ensureMaps(cp)
		if cp.Replayed > len(cp.Orders) {
			cp.Replayed = len(cp.Orders)
		}
	}
	sort.SliceStable(a.checkpoints, func(i, j int) bool {
		return a.checkpoints[i].DayStart < a.checkpoints[j].DayStart
	})
	a.reindex()
}

func (a *Aggregator) reindex() {
	a.seen = make(map[string]struct{})
	for _, cp := range a.checkpoints {
		for _, o := range cp.Orders {
			a.seen[orderKey(o)] = struct{}{}
		}
	}
}

func ensureMaps(cp *model.Checkpoint) {
	if cp.CurRet == nil {
		cp.CurRet = make(map[string]float64)
	}
	if cp.PrevRet == nil {
		cp.PrevRet = make(map[string]float64)
	}
	if cp.ROI == nil {
		cp.ROI = make(map[string]float64)
	}
}
