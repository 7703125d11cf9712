// Package domain holds the data carried through one payment reconciliation cycle:
// the caller's Transaction, the processor-issued PrepareData and the final Outcome.
package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Transaction is the immutable identifier set supplied by the caller at Start.
type Transaction struct {
	MerchantTransactionID string `json:"merchant_transaction_id" validate:"required"`
	UserCode              string `json:"user_code" validate:"required"`
	ProcessorID           string `json:"processor_id" validate:"required"`
	Amount                int64  `json:"amount" validate:"gte=0"`
	OrderName             string `json:"order_name,omitempty"`
}

// Validate reports missing identifiers.
func (t Transaction) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}
	return nil
}

// PrepareData represents the session artifacts the processor issues after a successful prepare.
// Every later status or approve call on the transaction needs them.
type PrepareData struct {
	ProcessorTransactionID string `json:"imp_uid"`
	IdempotencyKey         string `json:"idempotencyKey"`
	PublicAPIKey           string `json:"publicAPIKey"`
	PaymentID              string `json:"paymentId"`
	ReturnURL              string `json:"returnUrl,omitempty"`
}

// ApprovalTransactionID returns the id sent with the final approval.
// Processors that issue no transaction id accept the idempotency key in its place.
func (p PrepareData) ApprovalTransactionID() string {
	if p.ProcessorTransactionID != "" {
		return p.ProcessorTransactionID
	}
	return p.IdempotencyKey
}

// Outcome is the terminal record delivered to the caller once per cycle.
type Outcome struct {
	Succeeded              bool      `json:"succeeded"`
	TransactionID          string    `json:"transaction_id"`
	ProcessorTransactionID string    `json:"processor_transaction_id,omitempty"`
	Message                string    `json:"message"`
	Reason                 string    `json:"reason,omitempty"`
	CycleID                string    `json:"cycle_id"`
	CompletedAt            time.Time `json:"completed_at"`
}

// Failure reasons attached to failed outcomes.
const (
	ReasonPrepareFailed  = "prepare_failed"
	ReasonNetworkError   = "network_error"
	ReasonProcessorError = "processor_error"
	ReasonStatusFailed   = "status_failed"
	ReasonApprovalFailed = "approval_failed"
	ReasonTimeout        = "timeout"
)

// NewSuccess builds a successful outcome. prepare may be nil when no session was established.
func NewSuccess(txn Transaction, prepare *PrepareData, msg string) Outcome {
	return newOutcome(true, txn, prepare, msg)
}

// NewFailure builds a failed outcome. prepare may be nil when no session was established.
func NewFailure(txn Transaction, prepare *PrepareData, msg string) Outcome {
	return newOutcome(false, txn, prepare, msg)
}

// WithReason returns a copy of o tagged with reason.
func (o Outcome) WithReason(reason string) Outcome {
	o.Reason = reason
	return o
}

func newOutcome(ok bool, txn Transaction, prepare *PrepareData, msg string) Outcome {
	o := Outcome{
		Succeeded:     ok,
		TransactionID: txn.MerchantTransactionID,
		Message:       msg,
		CompletedAt:   time.Now().UTC(),
	}
	if prepare != nil {
		o.ProcessorTransactionID = prepare.ProcessorTransactionID
	}
	return o
}
