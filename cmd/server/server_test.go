package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/adapter/mock"
	"github.com/yourorg/payment-reconciler/internal/cache"
	"github.com/yourorg/payment-reconciler/internal/config"
	"github.com/yourorg/payment-reconciler/internal/domain"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/reporting"
)

// setupTestRouter builds the service around a scripted client.
func setupTestRouter(t *testing.T, client *mock.MockClient, store *cache.OutcomeStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Polling.TimeoutCount = config.DefaultTimeoutCount(cfg.Polling.TimeoutMinutes, cfg.Polling.Delay)
	srv, err := newServer(&cfg, logging.Discard(), client, store)
	require.NoError(t, err)
	return setupRouter(srv)
}

func acceptingClient() *mock.MockClient {
	client := mock.NewMockClient()
	client.PrepareFunc = func(_ context.Context, txn domain.Transaction) adapter.Result[adapter.PrepareResponse] {
		return mock.Accepted("mock://processor/" + txn.MerchantTransactionID)
	}
	return client
}

func serve(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func startPayload(id string) map[string]interface{} {
	return map[string]interface{}{
		"merchant_transaction_id": id,
		"user_code":               "imp12345",
		"processor_id":            "chai_pg",
		"amount":                  1000,
		"order_name":              "coffee",
	}
}

func TestStartAndReturn_Confirmed(t *testing.T) {
	router := setupTestRouter(t, acceptingClient(), nil)

	w := serve(router, http.MethodPost, "/transactions", startPayload("order-1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.Equal(t, "order-1", started.TransactionID)
	assert.Equal(t, orchestrator.StateAwaitingLaunch, started.State)
	assert.Equal(t, "mock://processor/order-1", started.ReturnURL)
	assert.NotEmpty(t, started.CycleID)
	assert.Nil(t, started.Outcome)

	w = serve(router, http.MethodGet, "/transactions/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.HasPrepareData)

	w = serve(router, http.MethodPost, "/transactions/returned", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, orchestrator.StateIdle, snap.State)

	w = serve(router, http.MethodGet, "/outcomes/order-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var outcome domain.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, started.CycleID, outcome.CycleID)
	assert.Equal(t, "merchant approval complete (payment succeeded): confirmed", outcome.Message)

	w = serve(router, http.MethodGet, "/outcomes/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reporting.RetrospectiveReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalOutcomes)
	assert.Equal(t, 1, report.SuccessfulPayments)
}

func TestStart_Busy(t *testing.T) {
	router := setupTestRouter(t, acceptingClient(), nil)

	require.Equal(t, http.StatusAccepted, serve(router, http.MethodPost, "/transactions", startPayload("order-1")).Code)
	w := serve(router, http.MethodPost, "/transactions", startPayload("order-2"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), orchestrator.ErrBusy.Error())
}

func TestStart_RejectedRequests(t *testing.T) {
	router := setupTestRouter(t, acceptingClient(), nil)

	missing := startPayload("order-1")
	delete(missing, "user_code")
	extra := startPayload("order-1")
	extra["currency"] = "KRW"
	negative := startPayload("order-1")
	negative["amount"] = -5

	tests := []struct {
		name string
		body interface{}
		want string
	}{
		{"not json", "this is not json", "Invalid request format"},
		{"missing user code", missing, "Validation errors"},
		{"unknown field", extra, "Validation errors"},
		{"negative amount", negative, "Validation errors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodPost, "/transactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp gin.H
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Contains(t, resp["error"], tt.want)
		})
	}
}

func TestStart_PrepareFailureReturnsOutcome(t *testing.T) {
	client := mock.NewMockClient().QueuePrepare(adapter.GenericError[adapter.PrepareResponse](500, "boom"))
	router := setupTestRouter(t, client, nil)

	w := serve(router, http.MethodPost, "/transactions", startPayload("order-1"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var started startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.Equal(t, orchestrator.StateIdle, started.State)
	assert.Empty(t, started.ReturnURL)
	require.NotNil(t, started.Outcome)
	assert.False(t, started.Outcome.Succeeded)
	assert.Equal(t, "GenericError 500 boom", started.Outcome.Message)
	assert.Equal(t, domain.ReasonPrepareFailed, started.Outcome.Reason)
}

func TestHooks_WithoutTransaction(t *testing.T) {
	router := setupTestRouter(t, acceptingClient(), nil)

	for _, path := range []string{"/transactions/returned", "/transactions/poll", "/host/resume"} {
		w := serve(router, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/outcomes/order-9", nil).Code)
}

func TestVisibility(t *testing.T) {
	router := setupTestRouter(t, acceptingClient(), nil)

	w := serve(router, http.MethodPut, "/host/visibility", map[string]bool{"foreground": false, "screen_on": true})
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, http.MethodPut, "/host/visibility", map[string]bool{"foreground": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "screen_on")
}

func TestPendingInBackground_SchedulesRecheck(t *testing.T) {
	client := acceptingClient().QueueStatus(mock.Status(adapter.StatusWaiting))
	router := setupTestRouter(t, client, nil)

	require.Equal(t, http.StatusOK, serve(router, http.MethodPut, "/host/visibility", map[string]bool{"foreground": false, "screen_on": true}).Code)
	require.Equal(t, http.StatusAccepted, serve(router, http.MethodPost, "/transactions", startPayload("order-1")).Code)

	w := serve(router, http.MethodPost, "/transactions/returned", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, orchestrator.StatePolling, snap.State)
	assert.Equal(t, 1, snap.PendingChecks)
	assert.Equal(t, 1, snap.RetryCount)
}

func TestOutcomesFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	router := setupTestRouter(t, acceptingClient(), cache.NewOutcomeStore(rdb))

	require.Equal(t, http.StatusAccepted, serve(router, http.MethodPost, "/transactions", startPayload("order-7")).Code)
	require.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/transactions/returned", nil).Code)

	latest, err := mr.Get("outcome:order-7:latest")
	require.NoError(t, err)

	w := serve(router, http.MethodGet, "/outcomes/order-7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var outcome domain.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, latest, outcome.CycleID)
	assert.True(t, outcome.Succeeded)
}

func TestMetricsEndpoint(t *testing.T) {
	router := setupTestRouter(t, acceptingClient(), nil)
	require.Equal(t, http.StatusAccepted, serve(router, http.MethodPost, "/transactions", startPayload("order-1")).Code)

	w := serve(router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `payment_reconciler_remote_calls_total{operation="prepare",result="success"} 1`)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestSchemaDirOverridesContracts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	strict := `{"type": "object", "required": ["merchant_transaction_id", "order_name"], "properties": {"order_name": {"type": "string", "maxLength": 8}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, monitor.SchemaStartRequest), []byte(strict), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, monitor.SchemaVisibility), []byte(`{"type": "object"}`), 0o644))

	cfg := config.Default()
	cfg.Polling.TimeoutCount = config.DefaultTimeoutCount(cfg.Polling.TimeoutMinutes, cfg.Polling.Delay)
	cfg.Monitor.SchemaDir = dir
	srv, err := newServer(&cfg, logging.Discard(), acceptingClient(), nil)
	require.NoError(t, err)
	router := setupRouter(srv)

	long := startPayload("order-1")
	long["order_name"] = "a very long order name"
	w := serve(router, http.MethodPost, "/transactions", long)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "order_name")

	assert.Equal(t, http.StatusAccepted, serve(router, http.MethodPost, "/transactions", startPayload("order-1")).Code)

	cfg.Monitor.SchemaDir = t.TempDir()
	_, err = newServer(&cfg, logging.Discard(), acceptingClient(), nil)
	assert.Error(t, err, "missing schema files fail at startup")
}
