package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

var base = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

func TestRunDue_ReArmsFromCompletionTime(t *testing.T) {
	clock := &fakeClock{now: base}
	s := New(WithClock(clock.Now))

	var fast, slow int
	require.NoError(t, s.Add("fast", "@every 5m", func(context.Context, time.Time) error {
		fast++
		return nil
	}))
	require.NoError(t, s.Add("slow", "@every 24h", func(context.Context, time.Time) error {
		slow++
		clock.now = clock.now.Add(10 * time.Minute)
		return nil
	}))

	ran := s.RunDue(context.Background(), base)
	assert.Equal(t, []string{"fast", "slow"}, ran)

	st := s.Statuses()
	assert.Equal(t, base.Add(5*time.Minute), st[0].Next)
	assert.Equal(t, base.Add(10*time.Minute+24*time.Hour), st[1].Next)
	assert.Equal(t, base.Add(5*time.Minute), s.NextDue())

	assert.Empty(t, s.RunDue(context.Background(), base.Add(4*time.Minute)))

	ran = s.RunDue(context.Background(), clock.now)
	assert.Equal(t, []string{"fast"}, ran)
	assert.Equal(t, 2, fast)
	assert.Equal(t, 1, slow)
	assert.Equal(t, clock.now.Add(5*time.Minute), s.Statuses()[0].Next)
}

func TestRunDue_FailureIsRecordedAndReArmed(t *testing.T) {
	clock := &fakeClock{now: base}
	var observed []string
	s := New(WithClock(clock.Now), WithObserver(func(name string, _ time.Duration, err error) {
		if err != nil {
			observed = append(observed, name)
		}
	}))
	boom := errors.New("boom")
	require.NoError(t, s.Add("copy", "@every 24h", func(context.Context, time.Time) error { return boom }))

	s.RunDue(context.Background(), base)

	st := s.Statuses()[0]
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, "boom", st.LastErr)
	assert.Equal(t, base.Add(24*time.Hour), st.Next)
	assert.Equal(t, []string{"copy"}, observed)
}

func TestRunDue_StopsOnCancelledContext(t *testing.T) {
	s := New(WithClock((&fakeClock{now: base}).Now))
	require.NoError(t, s.Add("a", "@every 1m", func(context.Context, time.Time) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, s.RunDue(ctx, base))
}

func TestAdd_Errors(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("a", "@daily", func(context.Context, time.Time) error { return nil }))

	err := s.Add("a", "@every 1h", func(context.Context, time.Time) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicateTask)

	err = s.Add("b", "not a spec", func(context.Context, time.Time) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestNextDue_Empty(t *testing.T) {
	assert.True(t, New().NextDue().IsZero())
}
