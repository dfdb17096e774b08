package validator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/incentive-engine/internal/checkpoint"
	"github.com/atmx/incentive-engine/internal/elimination"
	"github.com/atmx/incentive-engine/internal/metrics"
	"github.com/atmx/incentive-engine/internal/model"
)

// Scheduled task names.
const (
	TaskProtection  = "protection"
	TaskInactivity  = "inactivity"
	TaskCopyTrading = "copy_trading"
	TaskDrawdown    = "drawdown"
	TaskROI         = "roi"
)

// Schedule holds one cron spec per elimination task.
type Schedule struct {
	Protection  string
	Inactivity  string
	CopyTrading string
	Drawdown    string
	ROI         string
}

// RegisterTasks adds the elimination detectors to the scheduler. Protection
// is registered first so that a pass never flags a miner it would protect.
func (v *Validator) RegisterTasks(s Schedule) error {
	tasks := []struct {
		name, spec string
		fn         func(context.Context, time.Time) error
	}{
		{TaskProtection, s.Protection, v.RefreshProtection},
		{TaskInactivity, s.Inactivity, v.EliminateInactive},
		{TaskCopyTrading, s.CopyTrading, v.EliminateCopyTrading},
		{TaskDrawdown, s.Drawdown, v.EliminateDrawdown},
		{TaskROI, s.ROI, v.EliminateROI},
	}
	for _, t := range tasks {
		if err := v.sched.Add(t.name, t.spec, t.fn); err != nil {
			return fmt.Errorf("validator: task %s: %w", t.name, err)
		}
	}
	return nil
}

// RefreshProtection marks every miner registered within the protection
// window as protected and drops the protection of everyone else.
func (v *Validator) RefreshProtection(ctx context.Context, now time.Time) error {
	regs := v.feed.RegistrationTimes(ctx, now.Add(-elimination.ProtectionWindow).Unix())
	ids := elimination.Protected(regs, now)

	v.state.mu.Lock()
	v.state.registry.RefreshProtections(ids, now)
	excluded := len(v.state.registry.Excluded())
	v.state.mu.Unlock()

	metrics.ExcludedMiners.Set(float64(excluded))
	slog.Info("protection refreshed", "protected", len(ids))
	return nil
}

// EliminateInactive flags miners that left their protection window without
// trading enough.
func (v *Validator) EliminateInactive(ctx context.Context, now time.Time) error {
	since := checkpoint.DayStart(now.Unix()) - int64(8*24*time.Hour/time.Second)
	orders := v.feed.RecentOrders(ctx, since)
	if len(orders) == 0 {
		return nil
	}
	regs := v.feed.RegistrationTimes(ctx, since)
	return v.flag(ctx, elimination.Inactive(orders, regs, now), model.ReasonNotActive, now)
}

// EliminateCopyTrading flags miners whose recent orders mirror another
// miner's.
func (v *Validator) EliminateCopyTrading(ctx context.Context, now time.Time) error {
	orders := v.feed.RecentOrders(ctx, now.Add(-elimination.CopyWindow).Unix())
	if len(orders) == 0 {
		return nil
	}
	pairs, err := elimination.CopyTrading(ctx, orders, now)
	if err != nil {
		return err
	}
	for copier, leader := range pairs {
		slog.Warn("copy trading detected", "miner", copier, "leader", leader)
	}
	return v.flag(ctx, sortedKeys(pairs), model.ReasonCopyTrading, now)
}

// EliminateDrawdown flags miners whose max-drawdown breached the limit.
func (v *Validator) EliminateDrawdown(ctx context.Context, now time.Time) error {
	v.state.mu.Lock()
	_, mdd := v.state.riskProfile()
	counts := v.state.aggregator.Counts()
	v.state.mu.Unlock()

	return v.flag(ctx, elimination.MaxDrawdown(mdd, counts), model.ReasonMaxDrawdown, now)
}

// EliminateROI flags miners with repeated deep daily losses.
func (v *Validator) EliminateROI(ctx context.Context, now time.Time) error {
	v.state.mu.Lock()
	ids := elimination.ROI(v.state.aggregator.Checkpoints(), now)
	v.state.mu.Unlock()

	return v.flag(ctx, ids, model.ReasonROI, now)
}

// flag records ids under reason, persists the registry when anything
// changed and announces every new elimination.
func (v *Validator) flag(ctx context.Context, ids []string, reason model.Reason, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	v.state.mu.Lock()
	var added []string
	for _, id := range ids {
		if v.state.registry.Flag(id, reason, now) {
			added = append(added, id)
		}
	}
	records := v.state.registry.Records()
	excluded := len(v.state.registry.Excluded())
	v.state.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	metrics.EliminationsTotal.WithLabelValues(string(reason)).Add(float64(len(added)))
	metrics.ExcludedMiners.Set(float64(excluded))

	for _, id := range added {
		slog.Info("miner eliminated", "miner", id, "reason", reason)
		v.hub.Broadcast(Message{
			Type:      MessageMinerEliminated,
			MinerID:   id,
			Reason:    string(reason),
			Timestamp: now.UTC(),
		})
	}

	if err := v.store.SaveEliminations(ctx, records, now); err != nil {
		return fmt.Errorf("validator: save eliminations: %w", err)
	}
	return nil
}
