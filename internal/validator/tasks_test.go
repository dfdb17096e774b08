package validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/incentive-engine/internal/checkpoint"
	"github.com/atmx/incentive-engine/internal/model"
	"github.com/atmx/incentive-engine/internal/scheduler"
	"github.com/atmx/incentive-engine/internal/store"
)

func defaultSchedule() Schedule {
	return Schedule{
		Protection:  "@every 5m",
		Inactivity:  "@every 24h",
		CopyTrading: "@every 24h",
		Drawdown:    "@every 24h",
		ROI:         "@every 24h",
	}
}

func TestRegisterTasks(t *testing.T) {
	e := newEnv(t, fakeRegistry{})
	require.NoError(t, e.v.RegisterTasks(defaultSchedule()))

	var names []string
	for _, st := range e.v.Scheduler().Statuses() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{TaskProtection, TaskInactivity, TaskCopyTrading, TaskDrawdown, TaskROI}, names)

	// registering twice collides on names
	assert.ErrorIs(t, e.v.RegisterTasks(defaultSchedule()), scheduler.ErrDuplicateTask)

	bad := defaultSchedule()
	bad.ROI = "every now and then"
	e = newEnv(t, fakeRegistry{})
	assert.ErrorIs(t, e.v.RegisterTasks(bad), scheduler.ErrInvalidSpec)
}

func TestRefreshProtection(t *testing.T) {
	e := newEnv(t, fakeRegistry{})
	e.feed.regs = map[string]int64{
		"fresh":   now.Add(-24 * time.Hour).Unix(),
		"veteran": now.Add(-10 * 24 * time.Hour).Unix(),
	}
	e.v.state.registry.Flag("fresh", model.ReasonMaxDrawdown, now)
	require.Equal(t, []string{"fresh"}, e.v.state.registry.Excluded())

	require.NoError(t, e.v.RefreshProtection(context.Background(), now))
	assert.True(t, e.v.state.registry.IsProtected("fresh"))
	assert.False(t, e.v.state.registry.IsProtected("veteran"))
	// protection hides the flag without erasing it
	assert.Empty(t, e.v.state.registry.Excluded())
	_, flagged := e.v.state.registry.Lookup("fresh")
	assert.True(t, flagged)
}

func TestEliminateInactive(t *testing.T) {
	e := newEnv(t, fakeRegistry{})
	today := time.Unix(checkpoint.DayStart(now.Unix()), 0).UTC()
	reg := today.Add(-8*24*time.Hour + time.Hour)
	e.feed.regs = map[string]int64{"busy": reg.Unix(), "idle": reg.Unix()}
	for i := int64(1); i <= 4; i++ {
		e.feed.orders = append(e.feed.orders,
			order("busy", "0xa", 1, i, 100, reg.Add(time.Duration(i)*time.Hour), false))
	}
	e.feed.orders = append(e.feed.orders, order("idle", "0xa", 1, 1, 100, reg.Add(time.Hour), false))

	ctx := context.Background()
	require.NoError(t, e.v.EliminateInactive(ctx, now))
	assert.Equal(t, []string{"idle"}, e.v.state.registry.Excluded())

	saved, err := e.store.LoadEliminations(ctx, now)
	require.NoError(t, err)
	require.Contains(t, saved, "idle")
	assert.Equal(t, model.ReasonNotActive, saved["idle"].Reason)
}

func TestEliminateCopyTrading(t *testing.T) {
	e := newEnv(t, fakeRegistry{})
	base := now.Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * 100 * time.Second)
		e.feed.orders = append(e.feed.orders,
			order("leader", "0xa", 1, int64(i), 100, ts, false),
			order("copier", "0xa", 1, int64(i), 100, ts.Add(10*time.Second), false),
		)
	}

	require.NoError(t, e.v.EliminateCopyTrading(context.Background(), now))
	assert.Equal(t, []string{"copier"}, e.v.state.registry.Excluded())
	rec, ok := e.v.state.registry.Lookup("copier")
	require.True(t, ok)
	assert.Equal(t, model.ReasonCopyTrading, rec.Reason)
}

func restoreCheckpoints(t *testing.T, e *env, cps ...*model.Checkpoint) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.SaveState(ctx, &store.State{Checkpoints: cps, Timestamp: 1}))
	require.NoError(t, e.v.Load(ctx))
}

func TestEliminateDrawdown(t *testing.T) {
	e := newEnv(t, fakeRegistry{})
	today := checkpoint.DayStart(now.Unix())
	var cps []*model.Checkpoint
	// sinker compounds 0%, -60%, -50%: an 80% drawdown.
	series := [][2]float64{{10, 10}, {4, 10}, {2, 4}}
	for i, pair := range series {
		cp := model.NewCheckpoint(today - int64(2-i)*86400)
		cp.CurRet["sinker"], cp.PrevRet["sinker"] = pair[0], pair[1]
		cp.CurRet["steady"], cp.PrevRet["steady"] = 10, 10
		cps = append(cps, cp)
	}
	// a single bad day is not enough history to judge
	young := cps[2]
	young.CurRet["young"], young.PrevRet["young"] = 1, 10
	restoreCheckpoints(t, e, cps...)

	require.NoError(t, e.v.EliminateDrawdown(context.Background(), now))
	assert.Equal(t, []string{"sinker"}, e.v.state.registry.Excluded())
}

func TestEliminateROI(t *testing.T) {
	e := newEnv(t, fakeRegistry{})
	today := checkpoint.DayStart(now.Unix())
	yesterday := model.NewCheckpoint(today - 86400)
	yesterday.ROI["loser"], yesterday.ROI["fine"] = -60, 5
	todayCP := model.NewCheckpoint(today)
	todayCP.ROI["loser"], todayCP.ROI["fine"] = -70, -80
	restoreCheckpoints(t, e, yesterday, todayCP)

	require.NoError(t, e.v.EliminateROI(context.Background(), now))
	assert.Equal(t, []string{"loser"}, e.v.state.registry.Excluded())

	// flags are written once; a second pass changes nothing
	require.NoError(t, e.v.EliminateROI(context.Background(), now.Add(time.Hour)))
	rec, _ := e.v.state.registry.Lookup("loser")
	assert.Equal(t, now.Format(time.RFC3339), rec.Timestamp)
}
