package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/domain"
	"github.com/yourorg/payment-reconciler/internal/metrics"
	"github.com/yourorg/payment-reconciler/internal/router/circuitbreaker"
)

// Operation names, also used as circuit and metric labels.
const (
	OpPrepare     = "prepare"
	OpCheckStatus = "check_status"
	OpApprove     = "approve"
)

var errTransient = errors.New("transient remote failure")

// Router routes every remote operation through its own circuit, records a span and
// metrics, and hands the tagged result back untouched. An open circuit is reported
// as a NetworkError so the state machine treats it like any other transient failure.
type Router struct {
	client         adapter.RemoteStatusClient
	circuitBreaker *circuitbreaker.CircuitBreaker
	metrics        *metrics.Metrics
}

// NewRouter creates a Router. It panics on nil collaborators.
func NewRouter(client adapter.RemoteStatusClient, cb *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *Router {
	if client == nil {
		panic("remote status client cannot be nil")
	}
	if cb == nil {
		panic("circuit breaker cannot be nil")
	}
	if m == nil {
		panic("metrics cannot be nil")
	}
	return &Router{client: client, circuitBreaker: cb, metrics: m}
}

// Prepare implements adapter.RemoteStatusClient.
func (r *Router) Prepare(ctx context.Context, txn domain.Transaction) adapter.Result[adapter.PrepareResponse] {
	return guard(ctx, r, OpPrepare, func(ctx context.Context) adapter.Result[adapter.PrepareResponse] {
		return r.client.Prepare(ctx, txn)
	})
}

// CheckStatus implements adapter.RemoteStatusClient.
func (r *Router) CheckStatus(ctx context.Context, idempotencyKey, apiKey, paymentID string) adapter.Result[adapter.StatusReply] {
	return guard(ctx, r, OpCheckStatus, func(ctx context.Context) adapter.Result[adapter.StatusReply] {
		return r.client.CheckStatus(ctx, idempotencyKey, apiKey, paymentID)
	})
}

// Approve implements adapter.RemoteStatusClient.
func (r *Router) Approve(ctx context.Context, req adapter.ApproveRequest) adapter.Result[adapter.ApprovalOutcome] {
	return guard(ctx, r, OpApprove, func(ctx context.Context) adapter.Result[adapter.ApprovalOutcome] {
		return r.client.Approve(ctx, req)
	})
}

func guard[T any](ctx context.Context, r *Router, op string, call func(context.Context) adapter.Result[T]) adapter.Result[T] {
	ctx, span := otel.Tracer("router").Start(ctx, "Router."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	var res adapter.Result[T]
	err := r.circuitBreaker.Execute(op, func() error {
		res = call(ctx)
		// Only transport failures count against the circuit; a rejection is a healthy reply.
		if res.Kind() == adapter.KindNetworkError {
			return errTransient
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		res = adapter.NetworkError[T](fmt.Sprintf("%s unavailable: %v", op, err))
	}
	r.metrics.RemoteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	r.metrics.RemoteCalls.WithLabelValues(op, res.Kind().String()).Inc()

	span.SetAttributes(attribute.String("remote.result", res.Kind().String()))
	if res.Kind() != adapter.KindSuccess {
		span.SetStatus(codes.Error, res.Describe())
	}
	return res
}
