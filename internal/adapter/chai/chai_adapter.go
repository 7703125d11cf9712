package chai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/domain"
)

const (
	defaultBackendBaseURL   = "https://service.iamport.kr"
	defaultProcessorBaseURL = "https://api.chai.finance"
	defaultTimeout          = 10 * time.Second

	prepareChannel  = "mobile"
	prepareProvider = "chai"
)

// Config points the client at the merchant backend and the processor.
type Config struct {
	BackendBaseURL   string
	ProcessorBaseURL string
	Timeout          time.Duration
}

// ChaiClient implements adapter.RemoteStatusClient over HTTP. Prepare and approve go to the
// merchant settlement backend; status checks go straight to the processor.
// Individual calls are not retried here; the poll cadence owns retries.
type ChaiClient struct {
	backend   *resty.Client
	processor *resty.Client
}

// NewChaiClient creates a ChaiClient. A nil httpClient gets a default one.
func NewChaiClient(cfg Config, httpClient *http.Client) *ChaiClient {
	if cfg.BackendBaseURL == "" {
		cfg.BackendBaseURL = defaultBackendBaseURL
	}
	if cfg.ProcessorBaseURL == "" {
		cfg.ProcessorBaseURL = defaultProcessorBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	newClient := func(base string) *resty.Client {
		return resty.NewWithClient(httpClient).
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json")
	}
	return &ChaiClient{
		backend:   newClient(cfg.BackendBaseURL),
		processor: newClient(cfg.ProcessorBaseURL),
	}
}

type prepareRequest struct {
	Channel     string `json:"channel"`
	Provider    string `json:"provider"`
	PgID        string `json:"pg_id"`
	MerchantUID string `json:"merchant_uid"`
	UserCode    string `json:"user_code"`
	Amount      int64  `json:"amount"`
	Name        string `json:"name,omitempty"`
}

func buildPrepareRequest(txn domain.Transaction) prepareRequest {
	return prepareRequest{
		Channel:     prepareChannel,
		Provider:    prepareProvider,
		PgID:        txn.ProcessorID,
		MerchantUID: txn.MerchantTransactionID,
		UserCode:    txn.UserCode,
		Amount:      txn.Amount,
		Name:        txn.OrderName,
	}
}

type paymentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// errorResponse covers the error envelopes of both servers.
type errorResponse struct {
	Msg     string `json:"msg"`
	Message string `json:"message"`
}

// Prepare implements adapter.RemoteStatusClient.
func (c *ChaiClient) Prepare(ctx context.Context, txn domain.Transaction) adapter.Result[adapter.PrepareResponse] {
	resp, err := c.backend.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(buildPrepareRequest(txn)).
		Post("/chai_payments/prepare")
	if err != nil {
		return adapter.NetworkError[adapter.PrepareResponse](err.Error())
	}
	if code, msg, failed := httpFailure(resp); failed {
		return adapter.GenericError[adapter.PrepareResponse](code, msg)
	}

	var out adapter.PrepareResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return adapter.GenericError[adapter.PrepareResponse](resp.StatusCode(), fmt.Sprintf("malformed prepare response: %v", err))
	}
	return adapter.Success(out)
}

// CheckStatus implements adapter.RemoteStatusClient.
func (c *ChaiClient) CheckStatus(ctx context.Context, idempotencyKey, apiKey, paymentID string) adapter.Result[adapter.StatusReply] {
	resp, err := c.processor.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetHeader("Public-API-Key", apiKey).
		SetPathParam("paymentId", paymentID).
		Get("/v1/payment/{paymentId}")
	if err != nil {
		return adapter.NetworkError[adapter.StatusReply](err.Error())
	}
	if code, msg, failed := httpFailure(resp); failed {
		return adapter.GenericError[adapter.StatusReply](code, msg)
	}

	var out paymentResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return adapter.GenericError[adapter.StatusReply](resp.StatusCode(), fmt.Sprintf("malformed status response: %v", err))
	}
	return adapter.Success(adapter.StatusReply{Status: adapter.ParseRemoteStatus(out.Status), Raw: out.Status})
}

// Approve implements adapter.RemoteStatusClient.
func (c *ChaiClient) Approve(ctx context.Context, req adapter.ApproveRequest) adapter.Result[adapter.ApprovalOutcome] {
	resp, err := c.backend.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"userCode": req.UserCode,
			"impUid":   req.TransactionID,
		}).
		SetQueryParams(map[string]string{
			"idempotencyKey": req.IdempotencyKey,
			"paymentId":      req.PaymentID,
			"status":         string(req.Status),
			"native":         req.PlatformTag,
		}).
		Post("/chai_payments/result/{userCode}/{impUid}")
	if err != nil {
		return adapter.NetworkError[adapter.ApprovalOutcome](err.Error())
	}
	if code, msg, failed := httpFailure(resp); failed {
		return adapter.GenericError[adapter.ApprovalOutcome](code, msg)
	}

	var out adapter.ApprovalOutcome
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return adapter.GenericError[adapter.ApprovalOutcome](resp.StatusCode(), fmt.Sprintf("malformed approve response: %v", err))
	}
	return adapter.Success(out)
}

// httpFailure maps a non-2xx reply to a processor code and message.
func httpFailure(resp *resty.Response) (int, string, bool) {
	if !resp.IsError() && resp.StatusCode() < http.StatusMultipleChoices {
		return 0, "", false
	}
	msg := strings.TrimSpace(resp.String())
	var envelope errorResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil {
		switch {
		case envelope.Msg != "":
			msg = envelope.Msg
		case envelope.Message != "":
			msg = envelope.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return resp.StatusCode(), msg, true
}
