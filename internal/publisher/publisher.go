// Package publisher delivers the terminal outcome of a reconciliation cycle to the
// registered sinks at most once per cycle.
package publisher

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/payment-reconciler/internal/domain"
	"github.com/yourorg/payment-reconciler/internal/metrics"
)

// Sink receives delivered outcomes.
type Sink interface {
	Deliver(ctx context.Context, o domain.Outcome) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, o domain.Outcome) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, o domain.Outcome) error {
	return f(ctx, o)
}

type namedSink struct {
	name string
	sink Sink
}

// Publisher tracks the open cycle and fans its outcome out to the sinks.
// A sink failure is logged and counted; it never blocks the other sinks.
type Publisher struct {
	mu        sync.Mutex
	open      string
	openTxn   string
	delivered int
	sinks     []namedSink
	logger    *logrus.Entry
	metrics   *metrics.Metrics
}

// NewPublisher creates a Publisher with no sinks.
func NewPublisher(logger *logrus.Entry, m *metrics.Metrics) *Publisher {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if m == nil {
		panic("metrics cannot be nil")
	}
	return &Publisher{logger: logger, metrics: m}
}

// AddSink registers s under name, which labels its error metric.
func (p *Publisher) AddSink(name string, s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, namedSink{name: name, sink: s})
}

// Begin opens a cycle for txnID and returns its id. Any cycle left open is abandoned.
func (p *Publisher) Begin(txnID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open != "" {
		p.logger.WithFields(logrus.Fields{
			"cycle_id":       p.open,
			"transaction_id": p.openTxn,
		}).Warn("abandoning open cycle without an outcome")
	}
	p.open = uuid.NewString()
	p.openTxn = txnID
	return p.open
}

// Emit delivers o for cycleID. It returns false, delivering nothing, when cycleID is not
// the open cycle or the cycle already emitted.
func (p *Publisher) Emit(ctx context.Context, cycleID string, o domain.Outcome) bool {
	p.mu.Lock()
	if cycleID == "" || cycleID != p.open {
		p.mu.Unlock()
		p.logger.WithField("cycle_id", cycleID).Debug("duplicate or stale outcome dropped")
		return false
	}
	p.open = ""
	p.openTxn = ""
	p.delivered++
	sinks := append([]namedSink(nil), p.sinks...)
	p.mu.Unlock()

	o.CycleID = cycleID
	result := "failure"
	if o.Succeeded {
		result = "success"
	}
	p.metrics.Outcomes.WithLabelValues(result).Inc()
	p.logger.WithFields(logrus.Fields{
		"cycle_id":       cycleID,
		"transaction_id": o.TransactionID,
		"succeeded":      o.Succeeded,
	}).Infof("outcome delivered: %s", o.Message)

	for _, s := range sinks {
		if err := s.sink.Deliver(ctx, o); err != nil {
			p.metrics.SinkErrors.WithLabelValues(s.name).Inc()
			p.logger.WithError(err).WithField("sink", s.name).Error("outcome sink failed")
		}
	}
	return true
}

// Delivered returns how many outcomes have been emitted.
func (p *Publisher) Delivered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered
}
