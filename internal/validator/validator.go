// Package validator drives scoring rounds: it pulls orders and prices from
// the feed, replays them into daily checkpoints, scores miners, applies the
// elimination registry and submits the resulting weight vector. Elimination
// detectors run as scheduled tasks on the same loop.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/incentive-engine/internal/checkpoint"
	"github.com/atmx/incentive-engine/internal/feed"
	"github.com/atmx/incentive-engine/internal/ledger"
	"github.com/atmx/incentive-engine/internal/metrics"
	"github.com/atmx/incentive-engine/internal/model"
	"github.com/atmx/incentive-engine/internal/scheduler"
	"github.com/atmx/incentive-engine/internal/scoring"
	"github.com/atmx/incentive-engine/internal/store"
	"github.com/atmx/incentive-engine/internal/vote"
)

var (
	// ErrUnknownIdentifier aborts a round in which a miner that would
	// receive weight has no registered identifier.
	ErrUnknownIdentifier = errors.New("validator: miner has no registered identifier")

	// ErrNoPrices aborts a round when the live price snapshot is empty.
	ErrNoPrices = errors.New("validator: no live prices")
)

// Registry resolves miner addresses to their registered uid.
type Registry interface {
	Identifiers(ctx context.Context) (map[string]int, error)
}

// Config holds the round parameters.
type Config struct {
	Interval       time.Duration
	Budget         int
	DefaultWeight  int
	MinCheckpoints int
}

// Deps are the collaborators of a Validator. Hub and Scheduler are optional.
type Deps struct {
	Feed      feed.Client
	Sink      vote.Sink
	Registry  Registry
	Store     store.Store
	Ledger    *ledger.Ledger
	Tokens    []string
	Scheduler *scheduler.Scheduler
	Hub       *WSHub
}

// Validator owns the shared state and runs the primary loop.
type Validator struct {
	cfg      Config
	feed     feed.Client
	sink     vote.Sink
	registry Registry
	store    store.Store
	tokens   []string
	sched    *scheduler.Scheduler
	hub      *WSHub
	state    *State
	clock    func() time.Time
}

// New creates a validator. Zero config values fall back to the defaults.
func New(cfg Config, deps Deps) *Validator {
	if cfg.Budget <= 0 {
		cfg.Budget = scoring.DefaultBudget
	}
	if cfg.MinCheckpoints <= 0 {
		cfg.MinCheckpoints = scoring.MinCheckpoints
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	tokens := deps.Tokens
	if len(tokens) == 0 {
		tokens = model.DefaultTokens
	}
	l := deps.Ledger
	if l == nil {
		l = ledger.New(model.MainTokens)
	}
	v := &Validator{
		cfg:      cfg,
		feed:     deps.Feed,
		sink:     deps.Sink,
		registry: deps.Registry,
		store:    deps.Store,
		tokens:   tokens,
		sched:    deps.Scheduler,
		hub:      deps.Hub,
		state:    newState(checkpoint.New(l, len(tokens))),
		clock:    time.Now,
	}
	if v.sched == nil {
		v.sched = scheduler.New(
			scheduler.WithClock(func() time.Time { return v.clock() }),
			scheduler.WithObserver(metrics.ObserveTask),
		)
	}
	return v
}

// SetClock overrides the wall clock, for tests and replays.
func (v *Validator) SetClock(clock func() time.Time) { v.clock = clock }

// Scheduler exposes the task scheduler.
func (v *Validator) Scheduler() *scheduler.Scheduler { return v.sched }

// Load restores accounts, checkpoints and elimination flags from the store.
// A store with nothing saved yet is not an error.
func (v *Validator) Load(ctx context.Context) error {
	now := v.clock()
	v.state.mu.Lock()
	defer v.state.mu.Unlock()

	st, err := v.store.LoadState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Info("no saved state, starting fresh")
	case err != nil:
		return fmt.Errorf("validator: load state: %w", err)
	default:
		v.state.restore(st)
		slog.Info("state restored",
			"accounts", len(v.state.accounts),
			"checkpoints", len(st.Checkpoints),
			"update_time", st.UpdateTime,
		)
	}

	records, err := v.store.LoadEliminations(ctx, now)
	if err != nil {
		return fmt.Errorf("validator: load eliminations: %w", err)
	}
	v.state.registry.Restore(records)
	metrics.ExcludedMiners.Set(float64(len(v.state.registry.Excluded())))
	return nil
}

// Run loads saved state and then loops until ctx is cancelled. Each pass
// runs the due tasks and, once an interval has elapsed since the previous
// round ended, a scoring round. The loop sleeps until the earlier of the
// next round and the next due task.
func (v *Validator) Run(ctx context.Context) error {
	if err := v.Load(ctx); err != nil {
		return err
	}
	slog.Info("validator loop started", "interval", v.cfg.Interval)
	nextRound := v.clock()
	for {
		now := v.clock()
		v.sched.RunDue(ctx, now)
		if ctx.Err() != nil {
			return nil
		}
		if !now.Before(nextRound) {
			if _, err := v.Round(ctx); err != nil {
				slog.Error("round failed", "err", err)
			}
			nextRound = v.clock().Add(v.cfg.Interval)
		}

		wake := nextRound
		if due := v.sched.NextDue(); !due.IsZero() && due.Before(wake) {
			wake = due
		}
		timer := time.NewTimer(wake.Sub(v.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("validator loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Round runs one scoring round and submits its weights. Replay progress is
// saved even when the round is later aborted.
func (v *Validator) Round(ctx context.Context) (*RoundResult, error) {
	start := v.clock()
	res := &RoundResult{ID: uuid.New().String(), StartedAt: start}
	log := slog.With("round", res.ID)

	result, err := v.round(ctx, res, log)
	metrics.RoundDuration.Observe(v.clock().Sub(start).Seconds())
	metrics.RoundsTotal.WithLabelValues(result).Inc()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// round holds the state lock only while it touches state; feed calls run
// unlocked.
func (v *Validator) round(ctx context.Context, res *RoundResult, log *slog.Logger) (string, error) {
	ids, err := v.registry.Identifiers(ctx)
	if err != nil {
		return metrics.ResultError, fmt.Errorf("validator: identifiers: %w", err)
	}

	st := v.state
	st.mu.Lock()
	since := st.updateTime
	st.mu.Unlock()

	orders := v.feed.RecentOrders(ctx, since)
	live := v.feed.LatestPrices(ctx, 0)
	if len(live) == 0 {
		return metrics.ResultAborted, ErrNoPrices
	}

	st.mu.Lock()
	if n := st.seed(ids, v.tokens); n > 0 {
		log.Info("accounts seeded", "count", n)
	}
	res.NewOrders = st.aggregator.GroupByDay(orders)
	for _, o := range orders {
		if o.Timestamp > st.updateTime {
			st.updateTime = o.Timestamp
		}
	}
	pending := st.aggregator.PendingDays()
	st.mu.Unlock()

	historical := checkpoint.FetchHistorical(ctx, v.feed, pending)

	st.mu.Lock()
	snap, replayErr := st.aggregator.Apply(st.accounts, historical, live, res.StartedAt)
	if err := v.store.SaveState(ctx, st.snapshot(res.StartedAt)); err != nil {
		if !errors.Is(err, store.ErrStale) {
			st.mu.Unlock()
			return metrics.ResultError, fmt.Errorf("validator: save state: %w", err)
		}
		log.Warn("state save skipped, stored state is newer")
	}
	if replayErr != nil {
		st.mu.Unlock()
		return metrics.ResultAborted, fmt.Errorf("validator: replay: %w", replayErr)
	}

	serenity, mdd := st.riskProfile()
	counts := st.aggregator.Counts()
	scored, defaulted := scoring.Eligible(counts, v.cfg.MinCheckpoints)

	stats := make(map[string]MinerStats, len(counts))
	for id, n := range counts {
		stats[id] = MinerStats{
			ROI:         snap.ROI[id],
			WinRate:     snap.WinRate[id],
			Positions:   snap.Positions[id],
			Serenity:    serenity[id],
			MaxDrawdown: mdd[id],
			Checkpoints: n,
		}
	}
	st.stats = stats

	scoredSerenity := make(map[string]float64, len(scored))
	scoredMDD := make(map[string]float64, len(scored))
	for _, id := range scored {
		scoredSerenity[id] = serenity[id]
		scoredMDD[id] = mdd[id]
	}
	res.Scores = scoring.Score(scoredMDD, scoredSerenity)
	metrics.ScoredMiners.Set(float64(len(res.Scores)))

	for _, id := range append(append([]string(nil), scored...), defaulted...) {
		if _, ok := ids[id]; !ok {
			st.mu.Unlock()
			return metrics.ResultAborted, fmt.Errorf("%w: %s", ErrUnknownIdentifier, id)
		}
	}

	excluded := st.registry.ExcludedSet()
	res.Excluded = sortedKeys(excluded)
	res.Weights = scoring.Allocate(res.Scores, defaulted, excluded, v.cfg.DefaultWeight, v.cfg.Budget)
	res.Vote = scoring.VoteWeights(res.Weights)
	st.mu.Unlock()

	metrics.ExcludedMiners.Set(float64(len(res.Excluded)))

	result := metrics.ResultOK
	if len(res.Vote) == 0 {
		log.Info("no miner received weight, vote skipped")
		result = metrics.ResultSkipped
	} else if err := v.sink.Vote(ctx, res.Vote); err != nil {
		log.Error("vote abandoned", "err", err)
		result = metrics.ResultError
	} else {
		res.Voted = true
		metrics.VotedWeight.Set(float64(scoring.Sum(res.Vote)))
	}

	st.mu.Lock()
	st.last = res
	st.mu.Unlock()

	log.Info("round completed",
		"new_orders", res.NewOrders,
		"scored", len(scored),
		"defaulted", len(defaulted),
		"excluded", len(res.Excluded),
		"weight", scoring.Sum(res.Vote),
		"voted", res.Voted,
	)
	v.hub.Broadcast(Message{
		Type:      MessageRoundCompleted,
		RoundID:   res.ID,
		Weights:   res.Vote,
		Voted:     res.Voted,
		Timestamp: v.clock().UTC(),
	})
	return result, nil
}

// LastRound returns the most recent completed round, or nil.
func (v *Validator) LastRound() *RoundResult {
	v.state.mu.Lock()
	defer v.state.mu.Unlock()
	return v.state.last
}
