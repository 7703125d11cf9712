package reporting

import (
	"context"
	"sync"
	"time"

	"github.com/yourorg/payment-reconciler/internal/domain"
)

// OutcomeLog is an in-memory sink that keeps every delivered outcome for reporting.
type OutcomeLog struct {
	mu      sync.Mutex
	entries []domain.Outcome
}

// NewOutcomeLog creates an empty OutcomeLog.
func NewOutcomeLog() *OutcomeLog {
	return &OutcomeLog{}
}

// Deliver implements publisher.Sink.
func (l *OutcomeLog) Deliver(_ context.Context, o domain.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, o)
	return nil
}

// Entries returns a copy of the recorded outcomes in delivery order.
func (l *OutcomeLog) Entries() []domain.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Outcome(nil), l.entries...)
}

// RetrospectiveReport summarizes delivered outcomes.
type RetrospectiveReport struct {
	TotalOutcomes       int            `json:"total_outcomes"`
	SuccessfulPayments  int            `json:"successful_payments"`
	FailedPayments      int            `json:"failed_payments"`
	TimedOutPayments    int            `json:"timed_out_payments"`
	FailureBreakdown    map[string]int `json:"failure_breakdown"`     // by failure reason
	TransactionOutcomes map[string]int `json:"transaction_outcomes"` // outcomes per merchant transaction id
	DateFrom            time.Time      `json:"date_from"`
	DateTo              time.Time      `json:"date_to"`
	ProcessingDuration  time.Duration  `json:"processing_duration"`
}

// RetrospectiveReporter generates retrospective reports from outcomes.
type RetrospectiveReporter struct{}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

// GenerateRetrospective analyzes outcomes and produces a RetrospectiveReport.
func (rr *RetrospectiveReporter) GenerateRetrospective(outcomes []domain.Outcome) (*RetrospectiveReport, error) {
	report := &RetrospectiveReport{
		FailureBreakdown:    make(map[string]int),
		TransactionOutcomes: make(map[string]int),
	}

	first := true
	for _, o := range outcomes {
		report.TotalOutcomes++
		report.TransactionOutcomes[o.TransactionID]++

		if !o.CompletedAt.IsZero() {
			if first || o.CompletedAt.Before(report.DateFrom) {
				report.DateFrom = o.CompletedAt
			}
			if first || o.CompletedAt.After(report.DateTo) {
				report.DateTo = o.CompletedAt
			}
			first = false
		}

		if o.Succeeded {
			report.SuccessfulPayments++
			continue
		}
		report.FailedPayments++
		reason := o.Reason
		if reason == "" {
			reason = "unspecified"
		}
		report.FailureBreakdown[reason]++
		if o.Reason == domain.ReasonTimeout {
			report.TimedOutPayments++
		}
	}

	if !first {
		report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	}
	return report, nil
}
