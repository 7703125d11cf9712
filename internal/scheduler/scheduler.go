// Package scheduler paces and gates status re-checks.
//
// Every top-level poll request is admitted as a new generation. A delayed re-check
// captures the generation when it is scheduled and only runs if that generation is
// still current when its timer fires; checks from superseded chains are dropped.
// Generations only increase: Invalidate advances the counter instead of resetting
// it, so a timer left over from an earlier cycle can never match a later one.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/payment-reconciler/internal/metrics"
)

// Timer is the cancel handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. RealClock wraps time.AfterFunc.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock runs callbacks on runtime timers.
type RealClock struct{}

// AfterFunc implements Clock.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler owns the poll generation counter and the pending re-check timers.
type Scheduler struct {
	mu         sync.Mutex
	clock      Clock
	generation uint64
	pending    map[Timer]struct{}
	logger     *logrus.Entry
	metrics    *metrics.Metrics
}

// NewScheduler creates a Scheduler. A nil clock uses RealClock.
func NewScheduler(clock Clock, logger *logrus.Entry, m *metrics.Metrics) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	if m == nil {
		panic("metrics cannot be nil")
	}
	return &Scheduler{
		clock:   clock,
		pending: make(map[Timer]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Admit starts a new poll chain and returns its generation.
func (s *Scheduler) Admit() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.metrics.Admissions.Inc()
	s.logger.WithField("generation", s.generation).Info("poll admitted")
	return s.generation
}

// Current returns the live generation.
func (s *Scheduler) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// IsCurrent reports whether gen is still the live generation.
func (s *Scheduler) IsCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// Superseded records a dropped check or reply belonging to gen.
func (s *Scheduler) Superseded(gen uint64, what string) {
	s.metrics.SupersededChecks.Inc()
	s.logger.WithFields(logrus.Fields{
		"generation": gen,
		"current":    s.Current(),
	}).Debugf("%s cancelled, superseded", what)
}

// ScheduleRecheck runs fn(gen) after delay if gen is still current at that point.
func (s *Scheduler) ScheduleRecheck(gen uint64, delay time.Duration, fn func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var timer Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, timer)
		live := gen == s.generation
		s.mu.Unlock()

		if !live {
			s.Superseded(gen, "scheduled check")
			return
		}
		fn(gen)
	})
	s.pending[timer] = struct{}{}
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Invalidate supersedes every chain and stops the pending timers.
func (s *Scheduler) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	for t := range s.pending {
		t.Stop()
		delete(s.pending, t)
	}
}
