package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/cache"
	"github.com/yourorg/payment-reconciler/internal/config"
	"github.com/yourorg/payment-reconciler/internal/domain"
	"github.com/yourorg/payment-reconciler/internal/events"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/metrics"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/publisher"
	"github.com/yourorg/payment-reconciler/internal/reporting"
	"github.com/yourorg/payment-reconciler/internal/router"
	"github.com/yourorg/payment-reconciler/internal/router/circuitbreaker"
	"github.com/yourorg/payment-reconciler/internal/scheduler"
	"github.com/yourorg/payment-reconciler/internal/visibility"
)

const serviceName = "payment-reconciler"

// server holds everything the HTTP handlers touch.
type server struct {
	orc        *orchestrator.Orchestrator
	tracker    *visibility.Tracker
	outcomeLog *reporting.OutcomeLog
	store      *cache.OutcomeStore // nil without redis
	registry   *prometheus.Registry
	logger     *logrus.Entry

	startContract      *monitor.ContractMonitor
	visibilityContract *monitor.ContractMonitor

	mu         sync.Mutex
	returnURLs map[string]string
}

// newServer wires the reconciler around client. A non-nil store is added as an
// outcome sink next to the in-memory log.
func newServer(cfg *config.Config, logger *logrus.Logger, client adapter.RemoteStatusClient, store *cache.OutcomeStore) (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	startContract, err := monitor.Load(cfg.Monitor.SchemaDir, monitor.SchemaStartRequest)
	if err != nil {
		return nil, err
	}
	visibilityContract, err := monitor.Load(cfg.Monitor.SchemaDir, monitor.SchemaVisibility)
	if err != nil {
		return nil, err
	}

	rules, err := policy.NewPaymentPolicyEnforcer(cfg.CadenceRules)
	if err != nil {
		return nil, err
	}

	s := &server{
		tracker:            visibility.NewTracker(visibility.State{Foreground: true, ScreenOn: true}),
		outcomeLog:         reporting.NewOutcomeLog(),
		store:              store,
		registry:           reg,
		logger:             logging.Component(logger, "http"),
		startContract:      startContract,
		visibilityContract: visibilityContract,
		returnURLs:         make(map[string]string),
	}

	pub := publisher.NewPublisher(logging.Component(logger, "publisher"), m)
	pub.AddSink("outcome_log", s.outcomeLog)
	if store != nil {
		pub.AddSink("redis", store)
	}

	nav := events.NewBusNavigator(nil)
	if _, err := nav.Subscribe(s.rememberReturnURL); err != nil {
		return nil, err
	}

	breakerLog := logging.Component(logger, "circuitbreaker")
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: int(cfg.Breaker.FailureThreshold),
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			breakerLog.WithFields(logrus.Fields{"operation": name, "from": from, "to": to}).Warn("circuit state changed")
		},
	})

	s.orc, err = orchestrator.NewOrchestrator(orchestrator.Dependencies{
		Client:     router.NewRouter(client, cb, m),
		Policy:     rules,
		Scheduler:  scheduler.NewScheduler(scheduler.RealClock{}, logging.Component(logger, "scheduler"), m),
		Publisher:  pub,
		Navigator:  nav,
		Visibility: s.tracker.Signal(),
		Logger:     logging.Component(logger, "orchestrator"),
		Metrics:    m,
	}, orchestrator.Config{
		PollingDelay:   cfg.Polling.Delay,
		TimeoutMinutes: cfg.Polling.TimeoutMinutes,
		TimeoutCount:   cfg.Polling.TimeoutCount,
		PlatformTag:    cfg.Polling.PlatformTag,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *server) rememberReturnURL(ev events.NavigateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnURLs[ev.TransactionID] = ev.URL
}

func (s *server) takeReturnURL(txnID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := s.returnURLs[txnID]
	delete(s.returnURLs, txnID)
	return url
}

// latestOutcome prefers the redis store and falls back to the in-memory log.
func (s *server) latestOutcome(ctx context.Context, txnID string) (domain.Outcome, bool, error) {
	if s.store != nil {
		return s.store.Latest(ctx, txnID)
	}
	entries := s.outcomeLog.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].TransactionID == txnID {
			return entries[i], true, nil
		}
	}
	return domain.Outcome{}, false, nil
}

func setupRouter(s *server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), requestLogger(s.logger))

	r.POST("/transactions", s.startHandler)
	r.POST("/transactions/returned", s.hookHandler(s.orc.OnExternalAppReturned))
	r.POST("/transactions/poll", s.hookHandler(s.orc.OnExplicitPollRequest))
	r.POST("/host/resume", s.hookHandler(s.orc.OnHostResumed))
	r.PUT("/host/visibility", s.visibilityHandler)
	r.GET("/transactions/current", s.currentHandler)
	r.GET("/outcomes/report", s.reportHandler)
	r.GET("/outcomes/:transaction_id", s.outcomeHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return r
}

func requestLogger(logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request served")
	}
}

// checkContract reads the body and validates it against cm. It writes the error
// response itself and returns nil when the request is rejected.
func checkContract(c *gin.Context, cm *monitor.ContractMonitor) []byte {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return nil
	}
	valid, violations, err := cm.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return nil
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(violations)})
		return nil
	}
	return body
}

func errorStatus(err error) int {
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoTransaction):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type startResponse struct {
	TransactionID string          `json:"transaction_id"`
	CycleID       string          `json:"cycle_id,omitempty"`
	State         string          `json:"state"`
	ReturnURL     string          `json:"return_url,omitempty"`
	Outcome       *domain.Outcome `json:"outcome,omitempty"`
}

func (s *server) startHandler(c *gin.Context) {
	body := checkContract(c, s.startContract)
	if body == nil {
		return
	}
	var txn domain.Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := s.orc.Start(ctx, txn); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	snap := s.orc.Snapshot()
	resp := startResponse{
		TransactionID: txn.MerchantTransactionID,
		CycleID:       snap.CycleID,
		State:         snap.State,
		ReturnURL:     s.takeReturnURL(txn.MerchantTransactionID),
	}
	if snap.State == orchestrator.StateIdle {
		// The cycle already ended, so prepare failed.
		o, found, err := s.latestOutcome(ctx, txn.MerchantTransactionID)
		if err != nil {
			s.logger.WithError(err).Warn("outcome lookup failed")
		}
		if found {
			resp.Outcome = &o
		}
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *server) hookHandler(hook func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := hook(c.Request.Context()); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.orc.Snapshot())
	}
}

func (s *server) visibilityHandler(c *gin.Context) {
	body := checkContract(c, s.visibilityContract)
	if body == nil {
		return
	}
	var state visibility.State
	if err := json.Unmarshal(body, &state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	s.tracker.Set(state)
	c.JSON(http.StatusOK, state)
}

func (s *server) currentHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.orc.Snapshot())
}

func (s *server) outcomeHandler(c *gin.Context) {
	o, found, err := s.latestOutcome(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no outcome recorded"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *server) reportHandler(c *gin.Context) {
	report, err := reporting.NewRetrospectiveReporter().GenerateRetrospective(s.outcomeLog.Entries())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
