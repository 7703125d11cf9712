// Package adapter defines the contract for the remote status client: the merchant
// backend's prepare and approve calls and the processor's status check.
// Implementations own all transport concerns (serialization, HTTP status mapping)
// and normalize every reply into a Result so that transient and terminal failures
// drive ordinary control flow instead of surfacing as Go errors.
package adapter

import (
	"context"
	"fmt"

	"github.com/yourorg/payment-reconciler/internal/domain"
)

// Kind tags a Result.
type Kind int

const (
	KindSuccess Kind = iota
	// KindNetworkError means the call failed before any processor response existed. Retryable.
	KindNetworkError
	// KindGenericError means the processor or backend explicitly rejected the call. Terminal.
	KindGenericError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNetworkError:
		return "network_error"
	case KindGenericError:
		return "generic_error"
	default:
		return "unknown"
	}
}

// Result is the closed sum type returned by every remote operation. Build it only
// through Success, NetworkError and GenericError.
type Result[T any] struct {
	kind    Kind
	value   T
	code    int
	message string
}

// Success wraps a decoded reply.
func Success[T any](v T) Result[T] {
	return Result[T]{kind: KindSuccess, value: v}
}

// NetworkError carries only a message: no processor response exists.
func NetworkError[T any](msg string) Result[T] {
	return Result[T]{kind: KindNetworkError, message: msg}
}

// GenericError carries the processor's numeric code and message.
func GenericError[T any](code int, msg string) Result[T] {
	return Result[T]{kind: KindGenericError, code: code, message: msg}
}

func (r Result[T]) Kind() Kind      { return r.kind }
func (r Result[T]) Value() T        { return r.value }
func (r Result[T]) Code() int       { return r.code }
func (r Result[T]) Message() string { return r.message }

// Describe renders a failure the way it is shown to users, e.g. "GenericError 400 invalid".
func (r Result[T]) Describe() string {
	switch r.kind {
	case KindNetworkError:
		return fmt.Sprintf("NetworkError %s", r.message)
	case KindGenericError:
		return fmt.Sprintf("GenericError %d %s", r.code, r.message)
	default:
		return "success"
	}
}

// RemoteStatus is the processor-side payment status.
type RemoteStatus string

const (
	StatusWaiting          RemoteStatus = "waiting"
	StatusPrepared         RemoteStatus = "prepared"
	StatusApproved         RemoteStatus = "approved"
	StatusConfirmed        RemoteStatus = "confirmed"
	StatusPartialConfirmed RemoteStatus = "partial_confirmed"
	StatusUserCanceled     RemoteStatus = "user_canceled"
	StatusCanceled         RemoteStatus = "canceled"
	StatusFailed           RemoteStatus = "failed"
	StatusTimeout          RemoteStatus = "timeout"
	StatusUnknown          RemoteStatus = "unknown"
)

// ParseRemoteStatus maps a raw status string; anything unrecognized becomes StatusUnknown.
func ParseRemoteStatus(s string) RemoteStatus {
	switch st := RemoteStatus(s); st {
	case StatusWaiting, StatusPrepared, StatusApproved, StatusConfirmed, StatusPartialConfirmed,
		StatusUserCanceled, StatusCanceled, StatusFailed, StatusTimeout:
		return st
	default:
		return StatusUnknown
	}
}

// PrepareResponse is the merchant backend's reply to prepare. Code 0 means accepted.
type PrepareResponse struct {
	Code    int                `json:"code"`
	Message string             `json:"msg"`
	Data    domain.PrepareData `json:"data"`
}

// StatusReply is the processor's reply to a status check. Raw keeps the original
// string so unrecognized values can be reported verbatim.
type StatusReply struct {
	Status RemoteStatus
	Raw    string
}

// ApproveRequest carries everything the final settlement call needs.
type ApproveRequest struct {
	UserCode       string
	TransactionID  string
	PaymentID      string
	IdempotencyKey string
	Status         RemoteStatus
	PlatformTag    string
}

// ApprovalOutcome is the backend's reply to approve. Code 0 means settled.
type ApprovalOutcome struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// RemoteStatusClient is implemented by every transport for the three remote operations.
// Implementations have no local side effects.
type RemoteStatusClient interface {
	Prepare(ctx context.Context, txn domain.Transaction) Result[PrepareResponse]
	CheckStatus(ctx context.Context, idempotencyKey, apiKey, paymentID string) Result[StatusReply]
	Approve(ctx context.Context, req ApproveRequest) Result[ApprovalOutcome]
}
