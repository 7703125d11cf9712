// Package orchestrator drives one payment transaction from prepare to a terminal outcome.
//
// The Orchestrator prepares the transaction with the merchant backend, waits for the
// processor's app to hand control back, then polls the processor until the payment is
// confirmed, approved and settled, rejected, or timed out. Poll chains are gated by the
// scheduler's generation counter so that only the latest chain can move the state
// machine, and every cycle ends in exactly one outcome handed to the publisher.
//
// Remote calls run without the state lock. Every reply re-checks its generation after
// the lock is re-acquired and is dropped if a newer chain was admitted meanwhile.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robbyt/go-fsm"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/domain"
	"github.com/yourorg/payment-reconciler/internal/events"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/metrics"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/scheduler"
	"github.com/yourorg/payment-reconciler/internal/visibility"
)

// Machine states.
const (
	StateIdle           = "idle"
	StatePreparing      = "preparing"
	StateAwaitingLaunch = "awaiting_launch"
	StatePolling        = "polling"
	StateApproving      = "approving"
	// StateDormant holds a transaction whose session data was cleared after a hold or a
	// timeout. Only a caller hook or a new Start moves it on.
	StateDormant   = "dormant"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Transitions is the allowed state table.
var Transitions = map[string][]string{
	StateIdle:           {StatePreparing},
	StatePreparing:      {StateAwaitingLaunch, StateFailed},
	StateAwaitingLaunch: {StatePolling, StateFailed},
	StatePolling:        {StateApproving, StateDormant, StateSucceeded, StateFailed},
	StateApproving:      {StateSucceeded, StateFailed},
	StateDormant:        {StatePolling, StateFailed, StateIdle},
	StateSucceeded:      {StateIdle},
	StateFailed:         {StateIdle},
}

var (
	// ErrBusy is returned by Start while a cycle is in flight.
	ErrBusy = errors.New("a transaction is already in progress")
	// ErrNoTransaction is returned by the caller hooks when no transaction was started.
	ErrNoTransaction = errors.New("no transaction in progress")
)

// Outcome messages.
const (
	msgConfirmed        = "merchant approval complete (payment succeeded): %s"
	msgPartialConfirmed = "partially cancelled payment: %s"
	msgStatusFailed     = "payment failed: %s"
	msgResumeNetwork    = "payment failed: NetworkError %s"
	msgApproveNetwork   = "final approval request failed: %s"
	msgApproved         = "payment succeeded"
	msgTimedOut         = "payment timed out: not completed within %d minutes, please retry"
)

// CadencePolicy decides how polling continues after a non-terminal reply.
type CadencePolicy interface {
	Evaluate(in policy.CadenceInput) (policy.PolicyDecision, error)
}

// OutcomePublisher delivers one outcome per cycle.
type OutcomePublisher interface {
	Begin(txnID string) string
	Emit(ctx context.Context, cycleID string, o domain.Outcome) bool
}

// Navigator receives the one-shot return URL after a successful prepare.
type Navigator interface {
	Navigate(ev events.NavigateEvent)
}

// Config tunes polling.
type Config struct {
	PollingDelay   time.Duration
	TimeoutMinutes int
	// TimeoutCount is the attempt count after which the transaction times out.
	TimeoutCount int
	PlatformTag  string
}

// DefaultConfig polls every second for five minutes.
func DefaultConfig() Config {
	return Config{
		PollingDelay:   time.Second,
		TimeoutMinutes: 5,
		TimeoutCount:   300,
		PlatformTag:    "aos",
	}
}

// Dependencies are the Orchestrator's collaborators. All are required.
type Dependencies struct {
	Client     adapter.RemoteStatusClient
	Policy     CadencePolicy
	Scheduler  *scheduler.Scheduler
	Publisher  OutcomePublisher
	Navigator  Navigator
	Visibility visibility.Signal
	Logger     *logrus.Entry
	Metrics    *metrics.Metrics
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State          string `json:"state"`
	TransactionID  string `json:"transaction_id,omitempty"`
	CycleID        string `json:"cycle_id,omitempty"`
	Generation     uint64 `json:"generation"`
	RetryCount     int    `json:"retry_count"`
	NetworkError   string `json:"network_error,omitempty"`
	TimedOut       bool   `json:"timed_out"`
	HasPrepareData bool   `json:"has_prepare_data"`
	PendingChecks  int    `json:"pending_checks"`
}

// Orchestrator is the status reconciliation state machine. It handles one transaction
// at a time; Start is refused until the previous cycle has published its outcome.
type Orchestrator struct {
	mu        sync.Mutex
	machine   *fsm.Machine
	client    adapter.RemoteStatusClient
	policy    CadencePolicy
	scheduler *scheduler.Scheduler
	publisher OutcomePublisher
	navigator Navigator
	visible   visibility.Signal
	logger    *logrus.Entry
	metrics   *metrics.Metrics
	cfg       Config

	txn          *domain.Transaction
	prepare      *domain.PrepareData
	cycleID      string
	retryCount   int
	networkErr   string
	hasNetworkEr bool
	timedOut     bool

	// processorTxnID outlives prepare so late failures still name the processor's id.
	processorTxnID string
}

// NewOrchestrator creates an idle Orchestrator. It panics on missing dependencies and
// returns an error for an unusable Config.
func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Client == nil:
		panic("remote status client cannot be nil")
	case deps.Policy == nil:
		panic("cadence policy cannot be nil")
	case deps.Scheduler == nil:
		panic("scheduler cannot be nil")
	case deps.Publisher == nil:
		panic("publisher cannot be nil")
	case deps.Navigator == nil:
		panic("navigator cannot be nil")
	case deps.Visibility == nil:
		panic("visibility signal cannot be nil")
	case deps.Logger == nil:
		panic("logger cannot be nil")
	case deps.Metrics == nil:
		panic("metrics cannot be nil")
	}
	if cfg.PollingDelay <= 0 {
		return nil, fmt.Errorf("polling delay must be positive, got %s", cfg.PollingDelay)
	}
	if cfg.TimeoutCount < 1 || cfg.TimeoutMinutes < 1 {
		return nil, fmt.Errorf("timeout must be at least one attempt and one minute, got %d/%d", cfg.TimeoutCount, cfg.TimeoutMinutes)
	}

	machine, err := fsm.New(logging.SlogHandler(deps.Logger.Logger), StateIdle, Transitions)
	if err != nil {
		return nil, fmt.Errorf("build state machine: %w", err)
	}
	return &Orchestrator{
		machine:   machine,
		client:    deps.Client,
		policy:    deps.Policy,
		scheduler: deps.Scheduler,
		publisher: deps.Publisher,
		navigator: deps.Navigator,
		visible:   deps.Visibility,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		cfg:       cfg,
	}, nil
}

// Start prepares txn with the merchant backend. Prepare failures end the cycle with a
// failed outcome and are not returned as errors. A dormant transaction left behind by
// an earlier cycle is abandoned.
func (o *Orchestrator) Start(ctx context.Context, txn domain.Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.Start")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", txn.MerchantTransactionID))

	o.mu.Lock()
	switch o.machine.GetState() {
	case StateIdle:
	case StateDormant:
		o.logger.WithField("transaction_id", o.txnID()).Warn("abandoning dormant transaction")
		o.resetLocked()
	default:
		o.mu.Unlock()
		return ErrBusy
	}
	o.txn = &txn
	o.cycleID = o.publisher.Begin(txn.MerchantTransactionID)
	o.transitionLocked(StatePreparing)
	log := o.logger.WithFields(logrus.Fields{"transaction_id": txn.MerchantTransactionID, "cycle_id": o.cycleID})
	o.mu.Unlock()

	log.Info("preparing transaction")
	res := o.client.Prepare(ctx, txn)

	o.mu.Lock()
	switch res.Kind() {
	case adapter.KindNetworkError, adapter.KindGenericError:
		o.finishLocked(ctx, domain.NewFailure(txn, nil, res.Describe()).WithReason(domain.ReasonPrepareFailed))
		o.mu.Unlock()
		return nil
	}

	reply := res.Value()
	if reply.Code != 0 {
		log.WithField("code", reply.Code).Warn(reply.Message)
		o.finishLocked(ctx, domain.NewFailure(txn, nil, reply.Message).WithReason(domain.ReasonPrepareFailed))
		o.mu.Unlock()
		return nil
	}

	data := reply.Data
	o.prepare = &data
	o.processorTxnID = data.ProcessorTransactionID
	o.transitionLocked(StateAwaitingLaunch)
	o.mu.Unlock()

	log.Info("transaction prepared, awaiting processor app")
	// Navigate runs unlocked: a launcher may report the return from inside it.
	if data.ReturnURL != "" {
		o.navigator.Navigate(events.NavigateEvent{TransactionID: txn.MerchantTransactionID, URL: data.ReturnURL})
	}
	return nil
}

// OnExternalAppReturned reports that the processor's app handed control back.
func (o *Orchestrator) OnExternalAppReturned(ctx context.Context) error {
	return o.requestPoll(ctx, "external app returned")
}

// OnExplicitPollRequest asks for an immediate status check. A timed-out transaction
// fails instead.
func (o *Orchestrator) OnExplicitPollRequest(ctx context.Context) error {
	return o.requestPoll(ctx, "explicit poll request")
}

// OnHostResumed surfaces a deferred timeout or network failure, or polls again.
func (o *Orchestrator) OnHostResumed(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	o.mu.Lock()
	if o.txn == nil {
		o.mu.Unlock()
		return ErrNoTransaction
	}
	if o.timedOut {
		o.finishLocked(ctx, o.timeoutOutcomeLocked())
		o.mu.Unlock()
		return nil
	}
	if o.hasNetworkEr {
		msg := fmt.Sprintf(msgResumeNetwork, o.networkErr)
		o.finishLocked(ctx, domain.NewFailure(*o.txn, o.sessionLocked(), msg).WithReason(domain.ReasonNetworkError))
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	return o.requestPoll(ctx, "host resumed")
}

// Snapshot returns the current machine state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:          o.machine.GetState(),
		TransactionID:  o.txnID(),
		CycleID:        o.cycleID,
		Generation:     o.scheduler.Current(),
		RetryCount:     o.retryCount,
		NetworkError:   o.networkErr,
		TimedOut:       o.timedOut,
		HasPrepareData: o.prepare != nil,
		PendingChecks:  o.scheduler.Pending(),
	}
}

// requestPoll admits and runs a poll chain. The chain is detached from the caller's
// cancellation; a dropped caller must not turn into a network error.
func (o *Orchestrator) requestPoll(ctx context.Context, trigger string) error {
	ctx = context.WithoutCancel(ctx)
	gen, err := o.admit(ctx, trigger)
	if err != nil || gen == 0 {
		return err
	}
	o.check(ctx, gen)
	return nil
}

// admit opens a new poll chain and returns its generation, or 0 when nothing should run.
func (o *Orchestrator) admit(ctx context.Context, trigger string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.txn == nil {
		return 0, ErrNoTransaction
	}
	log := o.logger.WithFields(logrus.Fields{"transaction_id": o.txnID(), "trigger": trigger})

	switch state := o.machine.GetState(); state {
	case StatePreparing, StateApproving, StateSucceeded, StateFailed:
		log.WithField("state", state).Debug("poll request ignored")
		return 0, nil
	}
	if o.timedOut {
		o.finishLocked(ctx, o.timeoutOutcomeLocked())
		return 0, nil
	}
	if o.prepare == nil {
		log.Debug("polling stopped, no prepare data")
		return 0, nil
	}

	gen := o.scheduler.Admit()
	o.transitionLocked(StatePolling)
	return gen, nil
}

// check runs one remote status check for gen.
func (o *Orchestrator) check(ctx context.Context, gen uint64) {
	o.mu.Lock()
	if !o.scheduler.IsCurrent(gen) {
		o.mu.Unlock()
		o.scheduler.Superseded(gen, "status check")
		return
	}
	if o.prepare == nil {
		o.mu.Unlock()
		o.logger.Debug("polling stopped, no prepare data")
		return
	}
	data := *o.prepare
	o.mu.Unlock()

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.checkStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("poll.generation", int64(gen)))
	res := o.client.CheckStatus(ctx, data.IdempotencyKey, data.PublicAPIKey, data.PaymentID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.scheduler.IsCurrent(gen) {
		o.scheduler.Superseded(gen, "status reply")
		return
	}

	switch res.Kind() {
	case adapter.KindNetworkError:
		o.retryCount++
		o.networkErr = res.Message()
		o.hasNetworkEr = true
		if o.retryCount > o.cfg.TimeoutCount {
			o.timeOutLocked()
			o.clearNetworkErrorLocked()
			return
		}
		o.applyCadenceLocked(ctx, gen, policy.ReasonNetworkError, nil)
	case adapter.KindGenericError:
		o.clearNetworkErrorLocked()
		o.finishLocked(ctx, domain.NewFailure(*o.txn, o.prepare, res.Describe()).WithReason(domain.ReasonProcessorError))
	default:
		o.clearNetworkErrorLocked()
		o.processStatusLocked(ctx, gen, res.Value())
	}
}

// replay re-evaluates a pending reply without calling the processor.
func (o *Orchestrator) replay(ctx context.Context, gen uint64, reply adapter.StatusReply) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.scheduler.IsCurrent(gen) {
		o.scheduler.Superseded(gen, "status replay")
		return
	}
	if o.prepare == nil {
		return
	}
	o.processStatusLocked(ctx, gen, reply)
}

// processStatusLocked dispatches on a processor status. Called with o.mu held.
func (o *Orchestrator) processStatusLocked(ctx context.Context, gen uint64, reply adapter.StatusReply) {
	o.retryCount++
	txn := *o.txn
	log := o.logger.WithFields(logrus.Fields{
		"transaction_id": txn.MerchantTransactionID,
		"status":         reply.Raw,
		"attempt":        o.retryCount,
	})

	switch reply.Status {
	case adapter.StatusApproved:
		o.approveLocked(ctx)
	case adapter.StatusConfirmed:
		o.finishLocked(ctx, domain.NewSuccess(txn, o.prepare, fmt.Sprintf(msgConfirmed, reply.Raw)))
	case adapter.StatusPartialConfirmed:
		o.finishLocked(ctx, domain.NewSuccess(txn, o.prepare, fmt.Sprintf(msgPartialConfirmed, reply.Raw)))
	case adapter.StatusWaiting, adapter.StatusPrepared:
		if o.retryCount > o.cfg.TimeoutCount {
			o.timeOutLocked()
			return
		}
		log.Debug("payment pending")
		o.applyCadenceLocked(ctx, gen, policy.ReasonPending, &reply)
	default:
		o.finishLocked(ctx, domain.NewFailure(txn, o.prepare, fmt.Sprintf(msgStatusFailed, reply.Raw)).WithReason(domain.ReasonStatusFailed))
	}
}

// approveLocked requests final settlement. The lock is released for the remote call;
// the approving state keeps every other trigger out meanwhile.
func (o *Orchestrator) approveLocked(ctx context.Context) {
	o.transitionLocked(StateApproving)
	txn, data := *o.txn, *o.prepare
	o.mu.Unlock()

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.approve")
	res := o.client.Approve(ctx, adapter.ApproveRequest{
		UserCode:       txn.UserCode,
		TransactionID:  data.ApprovalTransactionID(),
		PaymentID:      data.PaymentID,
		IdempotencyKey: data.IdempotencyKey,
		Status:         adapter.StatusApproved,
		PlatformTag:    o.cfg.PlatformTag,
	})
	span.End()

	o.mu.Lock()
	if o.machine.GetState() != StateApproving {
		return
	}
	switch {
	case res.Kind() == adapter.KindNetworkError:
		o.finishLocked(ctx, domain.NewFailure(txn, &data, fmt.Sprintf(msgApproveNetwork, res.Describe())).WithReason(domain.ReasonApprovalFailed))
	case res.Kind() == adapter.KindGenericError:
		o.finishLocked(ctx, domain.NewFailure(txn, &data, res.Describe()).WithReason(domain.ReasonApprovalFailed))
	case res.Value().Code == 0:
		o.finishLocked(ctx, domain.NewSuccess(txn, &data, msgApproved))
	default:
		o.finishLocked(ctx, domain.NewFailure(txn, &data, res.Value().Message).WithReason(domain.ReasonApprovalFailed))
	}
}

// applyCadenceLocked asks the policy how to continue after a non-terminal reply.
func (o *Orchestrator) applyCadenceLocked(ctx context.Context, gen uint64, reason policy.Reason, reply *adapter.StatusReply) {
	host := o.visible()
	decision, err := o.policy.Evaluate(policy.CadenceInput{
		Reason:     reason,
		Foreground: host.Foreground,
		ScreenOn:   host.ScreenOn,
	})
	if err != nil {
		o.logger.WithError(err).Warn("cadence policy failed, holding")
		decision.Cadence = policy.CadenceHold
	}
	cadence := decision.Cadence
	if cadence == policy.CadenceReplay && reply == nil {
		cadence = policy.CadenceRecheck
	}
	o.metrics.CadenceDecisions.WithLabelValues(string(reason), string(cadence)).Inc()
	o.logger.WithFields(logrus.Fields{
		"generation": gen,
		"reason":     reason,
		"cadence":    cadence,
		"rule":       decision.RuleID,
		"foreground": host.Foreground,
		"screen_on":  host.ScreenOn,
	}).Debug("cadence decided")

	// Scheduled work outlives the request that triggered it.
	bg := context.WithoutCancel(ctx)
	switch cadence {
	case policy.CadenceRecheck:
		o.scheduler.ScheduleRecheck(gen, o.cfg.PollingDelay, func(g uint64) {
			o.check(bg, g)
		})
	case policy.CadenceReplay:
		last := *reply
		o.scheduler.ScheduleRecheck(gen, o.cfg.PollingDelay, func(g uint64) {
			o.replay(bg, g, last)
		})
	default:
		o.clearDataLocked()
		o.transitionLocked(StateDormant)
	}
}

func (o *Orchestrator) timeOutLocked() {
	o.timedOut = true
	o.metrics.Timeouts.Inc()
	o.logger.WithFields(logrus.Fields{
		"transaction_id": o.txnID(),
		"attempts":       o.retryCount,
	}).Info("poll attempts exhausted, waiting for caller to report timeout")
	o.clearDataLocked()
	o.transitionLocked(StateDormant)
}

func (o *Orchestrator) timeoutOutcomeLocked() domain.Outcome {
	msg := fmt.Sprintf(msgTimedOut, o.cfg.TimeoutMinutes)
	return domain.NewFailure(*o.txn, o.sessionLocked(), msg).WithReason(domain.ReasonTimeout)
}

// sessionLocked returns the live session data or, once it was cleared, a record that
// still carries the processor transaction id.
func (o *Orchestrator) sessionLocked() *domain.PrepareData {
	if o.prepare != nil || o.processorTxnID == "" {
		return o.prepare
	}
	return &domain.PrepareData{ProcessorTransactionID: o.processorTxnID}
}

// finishLocked ends the cycle with out. The lock is released while the publisher runs
// so sinks may call back into the Orchestrator; the terminal state refuses Start and
// ignores hooks until the reset that follows. A second call is a no-op.
func (o *Orchestrator) finishLocked(ctx context.Context, out domain.Outcome) {
	target := StateFailed
	if out.Succeeded {
		target = StateSucceeded
	}
	switch o.machine.GetState() {
	case StateIdle, StateSucceeded, StateFailed:
		return
	}
	o.transitionLocked(target)
	o.scheduler.Invalidate()
	cycleID := o.cycleID

	o.mu.Unlock()
	o.publisher.Emit(ctx, cycleID, out)
	o.mu.Lock()

	o.resetLocked()
}

// clearDataLocked drops the session data and supersedes every pending check.
func (o *Orchestrator) clearDataLocked() {
	o.prepare = nil
	o.retryCount = 0
	o.scheduler.Invalidate()
}

func (o *Orchestrator) clearNetworkErrorLocked() {
	o.networkErr = ""
	o.hasNetworkEr = false
}

func (o *Orchestrator) resetLocked() {
	o.clearDataLocked()
	o.clearNetworkErrorLocked()
	o.timedOut = false
	o.txn = nil
	o.processorTxnID = ""
	o.cycleID = ""
	o.transitionLocked(StateIdle)
}

func (o *Orchestrator) transitionLocked(to string) {
	from := o.machine.GetState()
	if from == to {
		return
	}
	if err := o.machine.Transition(to); err != nil {
		o.logger.WithError(err).Errorf("illegal transition %s -> %s", from, to)
		return
	}
	o.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state changed")
}

func (o *Orchestrator) txnID() string {
	if o.txn == nil {
		return ""
	}
	return o.txn.MerchantTransactionID
}
