package scheduler_test

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/metrics"
	"github.com/yourorg/payment-reconciler/internal/scheduler"
	"github.com/yourorg/payment-reconciler/internal/scheduler/schedulertest"
)

func newTestScheduler() (*scheduler.Scheduler, *schedulertest.FakeClock, *metrics.Metrics) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := schedulertest.NewFakeClock()
	m := metrics.New(nil)
	return scheduler.NewScheduler(clock, logrus.NewEntry(logger), m), clock, m
}

func TestNewScheduler_PanicsOnNil(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())
	assert.Panics(t, func() { scheduler.NewScheduler(nil, nil, metrics.New(nil)) })
	assert.Panics(t, func() { scheduler.NewScheduler(nil, entry, nil) })
	assert.NotPanics(t, func() { scheduler.NewScheduler(nil, entry, metrics.New(nil)) }, "nil clock defaults to the real clock")
}

func TestScheduler_AdmitIsMonotonic(t *testing.T) {
	s, _, m := newTestScheduler()
	assert.Equal(t, uint64(0), s.Current())

	g1 := s.Admit()
	g2 := s.Admit()
	assert.Equal(t, uint64(1), g1)
	assert.Equal(t, uint64(2), g2)
	assert.False(t, s.IsCurrent(g1))
	assert.True(t, s.IsCurrent(g2))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Admissions))

	s.Invalidate()
	assert.Equal(t, uint64(3), s.Current(), "Invalidate advances instead of resetting")
	assert.False(t, s.IsCurrent(g2))
}

func TestScheduler_ScheduleRecheck_FiresForCurrentGeneration(t *testing.T) {
	s, clock, _ := newTestScheduler()
	gen := s.Admit()

	var fired []uint64
	s.ScheduleRecheck(gen, time.Second, func(g uint64) { fired = append(fired, g) })
	assert.Equal(t, 1, s.Pending())

	clock.Advance(999 * time.Millisecond)
	assert.Empty(t, fired, "must not fire before the delay")

	clock.Advance(time.Millisecond)
	assert.Equal(t, []uint64{gen}, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_ScheduleRecheck_DropsSupersededGeneration(t *testing.T) {
	s, clock, m := newTestScheduler()
	stale := s.Admit()

	ran := false
	s.ScheduleRecheck(stale, time.Second, func(uint64) { ran = true })
	s.Admit()

	clock.Advance(time.Second)
	assert.False(t, ran, "superseded check must be a no-op")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SupersededChecks))
}

func TestScheduler_Invalidate_StopsPendingTimers(t *testing.T) {
	s, clock, _ := newTestScheduler()
	gen := s.Admit()

	ran := 0
	s.ScheduleRecheck(gen, time.Second, func(uint64) { ran++ })
	s.ScheduleRecheck(gen, 2*time.Second, func(uint64) { ran++ })
	require.Equal(t, 2, clock.Pending())

	s.Invalidate()
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, ran)
}

func TestScheduler_ChainedRechecks(t *testing.T) {
	s, clock, _ := newTestScheduler()
	gen := s.Admit()

	count := 0
	var step func(uint64)
	step = func(g uint64) {
		count++
		if count < 3 {
			s.ScheduleRecheck(g, time.Second, step)
		}
	}
	s.ScheduleRecheck(gen, time.Second, step)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestRealClock_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	scheduler.RealClock{}.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real clock callback did not fire")
	}
}
