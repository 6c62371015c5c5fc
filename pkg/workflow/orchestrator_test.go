package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/payment"
	"github.com/finflow/finflow/pkg/store"
)

type memStore struct {
	mu            sync.Mutex
	tenants       map[uuid.UUID]*model.Tenant
	partners      map[uuid.UUID]*model.AdvisoryPartner
	customers     map[uuid.UUID]*model.Customer
	transactions  map[uuid.UUID]*model.Transaction
	requests      map[uuid.UUID]*model.WorkflowRequest
	approvals     map[uuid.UUID]*model.ApprovalItem
	notifications []*model.NotificationRecord
	units         int
}

func newMemStore() *memStore {
	return &memStore{
		tenants:      make(map[uuid.UUID]*model.Tenant),
		partners:     make(map[uuid.UUID]*model.AdvisoryPartner),
		customers:    make(map[uuid.UUID]*model.Customer),
		transactions: make(map[uuid.UUID]*model.Transaction),
		requests:     make(map[uuid.UUID]*model.WorkflowRequest),
		approvals:    make(map[uuid.UUID]*model.ApprovalItem),
	}
}

func (s *memStore) Tenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.tenants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return tenant, nil
}

func (s *memStore) Partner(ctx context.Context, id uuid.UUID) (*model.AdvisoryPartner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	partner, ok := s.partners[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return partner, nil
}

func (s *memStore) Customer(ctx context.Context, tenantID, id uuid.UUID) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[id]
	if !ok || customer.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	return customer, nil
}

func (s *memStore) Customers(ctx context.Context, tenantID uuid.UUID) ([]model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Customer
	for _, c := range s.customers {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) IncomeCategories(ctx context.Context, tenantID uuid.UUID) ([]model.Category, error) {
	return []model.Category{{ID: uuid.New(), TenantID: tenantID, Name: "Consulting", Type: model.TransactionIncome}}, nil
}

func (s *memStore) RecentIncome(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for _, t := range s.transactions {
		if t.TenantID == tenantID && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) GetTransaction(ctx context.Context, tenantID, id uuid.UUID) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok || txn.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *txn
	return &copied, nil
}

func (s *memStore) SetPaymentInstrument(ctx context.Context, tenantID, id uuid.UUID, link, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.transactions[id]
	txn.PaymentLink = &link
	txn.PaymentCode = &code
	return nil
}

func (s *memStore) CreateWorkflowUnit(ctx context.Context, unit store.WorkflowUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units++
	txn := *unit.Transaction
	s.transactions[txn.ID] = &txn
	req := *unit.Request
	s.requests[req.ID] = &req
	if unit.Approval != nil {
		item := *unit.Approval
		s.approvals[item.ID] = &item
	}
	return nil
}

func (s *memStore) GetWorkflowRequest(ctx context.Context, tenantID, id uuid.UUID) (*model.WorkflowRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *req
	return &copied, nil
}

func (s *memStore) WorkflowRequestForTransaction(ctx context.Context, tenantID, transactionID uuid.UUID) (*model.WorkflowRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.TenantID == tenantID && req.TransactionID != nil && *req.TransactionID == transactionID {
			copied := *req
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memStore) AdvanceStage(ctx context.Context, id uuid.UUID, stage model.WorkflowStage, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Stage.IsTerminal() {
		return store.ErrConflict
	}
	req.Stage = stage
	req.ErrorMessage = errorMsg
	return nil
}

func (s *memStore) GetApproval(ctx context.Context, tenantID, id uuid.UUID) (*model.ApprovalItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.approvals[id]
	if !ok || item.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *memStore) ScheduleNotification(ctx context.Context, record *model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, record)
	return nil
}

func (s *memStore) setApprovalStatus(id uuid.UUID, status model.ApprovalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[id].Status = status
}

func (s *memStore) setStage(id uuid.UUID, stage model.WorkflowStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id].Stage = stage
}

func (s *memStore) request(id uuid.UUID) model.WorkflowRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.requests[id]
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (f *fakeIssuer) Issue(ctx context.Context, tenantID, transactionID uuid.UUID) (*issuance.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transactionID)
	if f.err != nil {
		return nil, f.err
	}
	return &issuance.Result{
		TransactionID: transactionID,
		InvoiceNumber: "DEMO-1700000000-ABC123",
		Status:        model.InvoicePending,
		DemoMode:      true,
		Message:       "demo invoice",
	}, nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []*model.ExecutionLog
}

func (l *memLogs) Append(ctx context.Context, entry *model.ExecutionLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

type fakePayments struct{}

func (fakePayments) Generate(ctx context.Context, charge payment.Charge) (*payment.Instrument, error) {
	return &payment.Instrument{ID: "pay_1", Link: "https://pay.example/1", Code: "000201"}, nil
}

type fixture struct {
	store    *memStore
	issuer   *fakeIssuer
	logs     *memLogs
	orch     *Orchestrator
	caller   Caller
	customer *model.Customer
}

func newFixture(t *testing.T, regime model.TaxRegime) *fixture {
	t.Helper()
	st := newMemStore()
	tenant := &model.Tenant{ID: uuid.New(), Name: "Acme", TaxRegime: regime}
	st.tenants[tenant.ID] = tenant
	customer := &model.Customer{ID: uuid.New(), TenantID: tenant.ID, Name: "Globex", Email: "billing@globex.example"}
	st.customers[customer.ID] = customer

	issuer := &fakeIssuer{}
	logs := &memLogs{}
	orch := NewOrchestrator(st, issuer, fakePayments{}, logs, config.WorkflowConfig{
		AgentID:              "billing-agent",
		AutoApproveThreshold: 1000,
		MicroThreshold:       100,
		SuggestionLimit:      3,
		NotificationDelay:    time.Minute,
	}, zap.NewNop())

	return &fixture{
		store:    st,
		issuer:   issuer,
		logs:     logs,
		orch:     orch,
		caller:   Caller{TenantID: tenant.ID, UserID: "user-1"},
		customer: customer,
	}
}

func (f *fixture) submit(t *testing.T, amount int64) *Response {
	t.Helper()
	resp, err := f.orch.Handle(context.Background(), f.caller, &SubmitRequest{InvoiceFields: InvoiceFields{
		CustomerID:  f.customer.ID.String(),
		Description: "Monthly consulting",
		Amount:      decimal.NewFromInt(amount),
		DueDate:     "2024-05-10",
	}})
	require.NoError(t, err)
	return resp
}

func TestSubmitBelowThresholdIssuesInline(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)

	resp := f.submit(t, 500)

	require.NotNil(t, resp.RequiresApproval)
	assert.False(t, *resp.RequiresApproval)
	assert.Nil(t, resp.ApprovalID)
	require.NotNil(t, resp.TransactionID)
	require.NotNil(t, resp.Invoice)
	assert.True(t, *resp.DemoMode)
	require.NotNil(t, resp.Payment)
	assert.Equal(t, "https://pay.example/1", resp.Payment.Link)

	assert.Empty(t, f.store.approvals)
	assert.Equal(t, []uuid.UUID{*resp.TransactionID}, f.issuer.calls)
	assert.Equal(t, model.StageCompleted, f.store.request(*resp.WorkflowRequestID).Stage)

	txn, err := f.store.GetTransaction(context.Background(), f.caller.TenantID, *resp.TransactionID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(460).Equal(txn.NetAmount), "simples nacional withholds 8 percent")
	require.NotNil(t, txn.PaymentLink)

	require.Len(t, f.store.notifications, 1)
	assert.Equal(t, []string{"billing@globex.example"}, []string(f.store.notifications[0].Recipients))

	require.Len(t, f.logs.entries, 1)
	assert.Equal(t, model.ExecutionSuccess, f.logs.entries[0].Status)
}

func TestSubmitAtOrAboveThresholdWaitsForApproval(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)

	resp := f.submit(t, 5000)

	require.NotNil(t, resp.RequiresApproval)
	assert.True(t, *resp.RequiresApproval)
	require.NotNil(t, resp.ApprovalID)
	assert.Equal(t, string(model.StagePendingApproval), resp.Step)
	assert.Empty(t, f.issuer.calls)

	item := f.store.approvals[*resp.ApprovalID]
	require.NotNil(t, item)
	assert.Equal(t, 2, item.Priority)
	assert.Equal(t, ApprovalActionType, item.ActionType)
	assert.Equal(t, resp.TransactionID.String(), item.Payload.String(model.PayloadTransactionID))
	assert.Equal(t, resp.WorkflowRequestID.String(), item.Payload.String(model.PayloadWorkflowRequestID))
	assert.Equal(t, model.StagePendingApproval, f.store.request(*resp.WorkflowRequestID).Stage)

	require.Len(t, f.logs.entries, 1)
	assert.Equal(t, model.ExecutionPendingApproval, f.logs.entries[0].Status)

	exact := f.submit(t, 1000)
	assert.True(t, *exact.RequiresApproval)
}

func TestExecuteApprovedFlow(t *testing.T) {
	f := newFixture(t, model.RegimeLucroPresumido)
	ctx := context.Background()
	submitted := f.submit(t, 5000)
	execute := &ExecuteRequest{ApprovalID: submitted.ApprovalID.String()}

	_, err := f.orch.Handle(ctx, f.caller, execute)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Empty(t, f.issuer.calls)

	f.store.setApprovalStatus(*submitted.ApprovalID, model.ApprovalApproved)
	resp, err := f.orch.Handle(ctx, f.caller, execute)
	require.NoError(t, err)
	require.NotNil(t, resp.Invoice)
	assert.Equal(t, string(model.StageCompleted), resp.Step)
	assert.Equal(t, model.StageCompleted, f.store.request(*submitted.WorkflowRequestID).Stage)
	assert.Len(t, f.issuer.calls, 1)

	assert.Len(t, f.logs.entries, 3)
	assert.Equal(t, model.ExecutionError, f.logs.entries[1].Status)
	assert.Equal(t, model.ExecutionSuccess, f.logs.entries[2].Status)
}

func TestExecuteRejectedApprovalIsValidationError(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	submitted := f.submit(t, 2000)
	f.store.setApprovalStatus(*submitted.ApprovalID, model.ApprovalRejected)

	_, err := f.orch.Handle(context.Background(), f.caller, &ExecuteRequest{ApprovalID: submitted.ApprovalID.String()})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.issuer.calls)
}

func TestExecuteByTransactionAfterRejection(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	submitted := f.submit(t, 5000)
	f.store.setApprovalStatus(*submitted.ApprovalID, model.ApprovalRejected)
	f.store.setStage(*submitted.WorkflowRequestID, model.StageFailed)

	_, err := f.orch.Handle(context.Background(), f.caller, &ExecuteRequest{TransactionID: submitted.TransactionID.String()})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.issuer.calls)
	assert.Equal(t, model.StageFailed, f.store.request(*submitted.WorkflowRequestID).Stage)
}

func TestExecuteByTransactionWhilePending(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	submitted := f.submit(t, 5000)

	_, err := f.orch.Handle(context.Background(), f.caller, &ExecuteRequest{TransactionID: submitted.TransactionID.String()})
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Empty(t, f.issuer.calls)
}

func TestExecuteTransientFailureKeepsRequestOpen(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	ctx := context.Background()
	submitted := f.submit(t, 3000)
	f.store.setApprovalStatus(*submitted.ApprovalID, model.ApprovalApproved)
	execute := &ExecuteRequest{ApprovalID: submitted.ApprovalID.String()}

	f.issuer.err = errors.New("store unavailable")
	_, err := f.orch.Handle(ctx, f.caller, execute)
	require.Error(t, err)

	req := f.store.request(*submitted.WorkflowRequestID)
	assert.Equal(t, model.StageExecuting, req.Stage)
	assert.Contains(t, req.ErrorMessage, "store unavailable")

	f.issuer.err = nil
	_, err = f.orch.Handle(ctx, f.caller, execute)
	require.NoError(t, err)

	req = f.store.request(*submitted.WorkflowRequestID)
	assert.Equal(t, model.StageCompleted, req.Stage)
	assert.Empty(t, req.ErrorMessage)
	assert.Len(t, f.issuer.calls, 2)
}

func TestExecuteNotIssuableMarksRequestFailed(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	submitted := f.submit(t, 3000)
	f.store.setApprovalStatus(*submitted.ApprovalID, model.ApprovalApproved)
	f.issuer.err = issuance.ErrNotIssuable

	_, err := f.orch.Handle(context.Background(), f.caller, &ExecuteRequest{ApprovalID: submitted.ApprovalID.String()})
	require.ErrorIs(t, err, issuance.ErrNotIssuable)

	req := f.store.request(*submitted.WorkflowRequestID)
	assert.Equal(t, model.StageFailed, req.Stage)
	assert.Contains(t, req.ErrorMessage, issuance.ErrNotIssuable.Error())
}

func TestContinueRunsExecute(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	submitted := f.submit(t, 8000)
	f.store.setApprovalStatus(*submitted.ApprovalID, model.ApprovalApproved)

	item, err := f.store.GetApproval(context.Background(), f.caller.TenantID, *submitted.ApprovalID)
	require.NoError(t, err)
	require.NoError(t, f.orch.Continue(context.Background(), item))
	assert.Equal(t, []uuid.UUID{*submitted.TransactionID}, f.issuer.calls)
}

func TestPrepareReturnsPreview(t *testing.T) {
	f := newFixture(t, model.RegimeLucroPresumido)

	resp, err := f.orch.Handle(context.Background(), f.caller, &PrepareRequest{InvoiceFields: InvoiceFields{
		CustomerID:  f.customer.ID.String(),
		Description: "Audit",
		Amount:      decimal.NewFromInt(1000),
		DueDate:     "2024-05-10",
	}})
	require.NoError(t, err)
	require.NotNil(t, resp.Preview)
	assert.True(t, decimal.RequireFromString("836.7").Equal(resp.Preview.Net))
	require.NotNil(t, resp.CanAutoApprove)
	assert.False(t, *resp.CanAutoApprove)
	assert.Empty(t, f.store.transactions)
}

func TestStartListsOptions(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)

	resp, err := f.orch.Handle(context.Background(), f.caller, &StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(model.StageGathering), resp.Step)
	require.Len(t, resp.Customers, 1)
	assert.Equal(t, "Globex", resp.Customers[0].Name)
	assert.Len(t, resp.RequiredFields, 4)
}

func TestHandleValidation(t *testing.T) {
	f := newFixture(t, model.RegimeSimplesNacional)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, Caller{UserID: "orphan"}, &StartRequest{})
	assert.ErrorIs(t, err, ErrNoTenant)
	assert.Empty(t, f.logs.entries)

	cases := []InvoiceFields{
		{},
		{CustomerID: f.customer.ID.String(), Description: "x", Amount: decimal.NewFromInt(-5), DueDate: "2024-05-10"},
		{CustomerID: f.customer.ID.String(), Description: "x", Amount: decimal.RequireFromString("0.004"), DueDate: "2024-05-10"},
		{CustomerID: f.customer.ID.String(), Description: "x", Amount: decimal.NewFromInt(5), DueDate: "10/05/2024"},
		{CustomerID: uuid.NewString(), Description: "x", Amount: decimal.NewFromInt(5), DueDate: "2024-05-10"},
	}
	for _, fields := range cases {
		_, err := f.orch.Handle(ctx, f.caller, &SubmitRequest{InvoiceFields: fields})
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Zero(t, f.store.units)
	assert.Empty(t, f.issuer.calls)
	assert.Len(t, f.logs.entries, len(cases))
}

func TestThresholdResolverPrecedence(t *testing.T) {
	st := newMemStore()
	partnerLimit := decimal.NewFromInt(2500)
	partner := &model.AdvisoryPartner{ID: uuid.New(), AutoApproveThreshold: &partnerLimit}
	st.partners[partner.ID] = partner
	resolver := NewThresholdResolver(st, decimal.NewFromInt(1000))
	ctx := context.Background()

	tenantLimit := decimal.NewFromInt(300)
	got, err := resolver.Resolve(ctx, &model.Tenant{AutoApproveThreshold: &tenantLimit, PartnerID: &partner.ID})
	require.NoError(t, err)
	assert.True(t, tenantLimit.Equal(got))

	got, err = resolver.Resolve(ctx, &model.Tenant{PartnerID: &partner.ID})
	require.NoError(t, err)
	assert.True(t, partnerLimit.Equal(got))

	missing := uuid.New()
	got, err = resolver.Resolve(ctx, &model.Tenant{PartnerID: &missing})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000).Equal(got))
}

func TestPriorityFor(t *testing.T) {
	cases := map[int64]int{50: 5, 1000: 3, 4999: 3, 5000: 2, 10000: 1, 250000: 1}
	for amount, want := range cases {
		assert.Equalf(t, want, PriorityFor(decimal.NewFromInt(amount)), "amount %d", amount)
	}
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"action":"submit_for_approval","customer_id":"c","description":"d","amount":"12.5","due_date":"2024-01-01"}`))
	require.NoError(t, err)
	submit, ok := req.(*SubmitRequest)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("12.5").Equal(submit.Amount))

	req, err = DecodeRequest([]byte(`{"action":"execute_approved","approval_id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionExecute, req.Action())

	_, err = DecodeRequest([]byte(`{"action":"refund"}`))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = DecodeRequest([]byte(`{}`))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = DecodeRequest([]byte(`not json`))
	assert.ErrorIs(t, err, ErrValidation)
}
