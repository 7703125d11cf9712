package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/domain"
)

// MockClient is a scripted RemoteStatusClient. Each operation first consults its Func
// if set, then pops the next queued reply; with an empty queue it returns a default
// success (prepare accepted, status confirmed, approval settled).
type MockClient struct {
	PrepareFunc     func(ctx context.Context, txn domain.Transaction) adapter.Result[adapter.PrepareResponse]
	CheckStatusFunc func(ctx context.Context, idempotencyKey, apiKey, paymentID string) adapter.Result[adapter.StatusReply]
	ApproveFunc     func(ctx context.Context, req adapter.ApproveRequest) adapter.Result[adapter.ApprovalOutcome]

	mu              sync.Mutex
	prepareReplies  []adapter.Result[adapter.PrepareResponse]
	statusReplies   []adapter.Result[adapter.StatusReply]
	approveReplies  []adapter.Result[adapter.ApprovalOutcome]
	prepareCalls    int
	statusCalls     int
	approveCalls    int
	approveRequests []adapter.ApproveRequest
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueuePrepare appends replies returned by successive Prepare calls.
func (m *MockClient) QueuePrepare(replies ...adapter.Result[adapter.PrepareResponse]) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareReplies = append(m.prepareReplies, replies...)
	return m
}

// QueueStatus appends replies returned by successive CheckStatus calls.
func (m *MockClient) QueueStatus(replies ...adapter.Result[adapter.StatusReply]) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusReplies = append(m.statusReplies, replies...)
	return m
}

// QueueApprove appends replies returned by successive Approve calls.
func (m *MockClient) QueueApprove(replies ...adapter.Result[adapter.ApprovalOutcome]) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approveReplies = append(m.approveReplies, replies...)
	return m
}

// Status is shorthand for a successful status reply.
func Status(s adapter.RemoteStatus) adapter.Result[adapter.StatusReply] {
	return adapter.Success(adapter.StatusReply{Status: s, Raw: string(s)})
}

// Accepted is shorthand for a successful prepare with the given return URL.
func Accepted(returnURL string) adapter.Result[adapter.PrepareResponse] {
	return adapter.Success(adapter.PrepareResponse{
		Code: 0,
		Data: domain.PrepareData{
			ProcessorTransactionID: "imp_" + uuid.NewString()[:8],
			IdempotencyKey:         uuid.NewString(),
			PublicAPIKey:           "pk_mock",
			PaymentID:              "pay_" + uuid.NewString()[:8],
			ReturnURL:              returnURL,
		},
	})
}

// Prepare implements adapter.RemoteStatusClient.
func (m *MockClient) Prepare(ctx context.Context, txn domain.Transaction) adapter.Result[adapter.PrepareResponse] {
	m.mu.Lock()
	m.prepareCalls++
	fn := m.PrepareFunc
	var next *adapter.Result[adapter.PrepareResponse]
	if fn == nil && len(m.prepareReplies) > 0 {
		next = &m.prepareReplies[0]
		m.prepareReplies = m.prepareReplies[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, txn)
	}
	if next != nil {
		return *next
	}
	return Accepted("")
}

// CheckStatus implements adapter.RemoteStatusClient.
func (m *MockClient) CheckStatus(ctx context.Context, idempotencyKey, apiKey, paymentID string) adapter.Result[adapter.StatusReply] {
	m.mu.Lock()
	m.statusCalls++
	fn := m.CheckStatusFunc
	var next *adapter.Result[adapter.StatusReply]
	if fn == nil && len(m.statusReplies) > 0 {
		next = &m.statusReplies[0]
		m.statusReplies = m.statusReplies[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, idempotencyKey, apiKey, paymentID)
	}
	if next != nil {
		return *next
	}
	return Status(adapter.StatusConfirmed)
}

// Approve implements adapter.RemoteStatusClient.
func (m *MockClient) Approve(ctx context.Context, req adapter.ApproveRequest) adapter.Result[adapter.ApprovalOutcome] {
	m.mu.Lock()
	m.approveCalls++
	m.approveRequests = append(m.approveRequests, req)
	fn := m.ApproveFunc
	var next *adapter.Result[adapter.ApprovalOutcome]
	if fn == nil && len(m.approveReplies) > 0 {
		next = &m.approveReplies[0]
		m.approveReplies = m.approveReplies[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if next != nil {
		return *next
	}
	return adapter.Success(adapter.ApprovalOutcome{Code: 0, Message: "ok"})
}

// PrepareCalls returns how many times Prepare ran.
func (m *MockClient) PrepareCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareCalls
}

// StatusCalls returns how many times CheckStatus ran.
func (m *MockClient) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

// ApproveCalls returns how many times Approve ran.
func (m *MockClient) ApproveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approveCalls
}

// ApproveRequests returns a copy of every request Approve received.
func (m *MockClient) ApproveRequests() []adapter.ApproveRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapter.ApproveRequest, len(m.approveRequests))
	copy(out, m.approveRequests)
	return out
}
