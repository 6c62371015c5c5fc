package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/approval"
	"github.com/finflow/finflow/pkg/auth"
	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/monitor"
	"github.com/finflow/finflow/pkg/store"
	"github.com/finflow/finflow/pkg/workflow"
)

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func TestHealthEndpoint(t *testing.T) {
	cfg := &config.Config{}
	server := NewServer(Dependencies{}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()

	server.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	var response healthResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Fatalf("expected status ok, got %q", response.Status)
	}
}

func TestAPIAuthRequired(t *testing.T) {
	cfg := &config.Config{}
	server := NewServer(Dependencies{}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	recorder := httptest.NewRecorder()

	server.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}

	var response errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Error != "missing authorization" {
		t.Fatalf("expected missing authorization error, got %q", response.Error)
	}
}

type fakeWorkflow struct {
	lastReq    workflow.Request
	lastCaller workflow.Caller
	resp       *workflow.Response
	err        error
}

func (f *fakeWorkflow) Handle(_ context.Context, caller workflow.Caller, req workflow.Request) (*workflow.Response, error) {
	f.lastCaller = caller
	f.lastReq = req
	return f.resp, f.err
}

type fakeApprovals struct {
	items    []model.ApprovalItem
	decideIn approval.DecideInput
	err      error
}

func (f *fakeApprovals) ListPending(context.Context, uuid.UUID) ([]model.ApprovalItem, error) {
	return f.items, nil
}

func (f *fakeApprovals) Get(_ context.Context, _, id uuid.UUID) (*model.ApprovalItem, error) {
	for i := range f.items {
		if f.items[i].ID == id {
			return &f.items[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeApprovals) Decide(_ context.Context, in approval.DecideInput) (*model.ApprovalItem, error) {
	f.decideIn = in
	if f.err != nil {
		return nil, f.err
	}
	reviewer := in.Reviewer
	return &model.ApprovalItem{ID: in.ID, TenantID: in.TenantID, Status: model.ApprovalApproved, ReviewedBy: &reviewer}, nil
}

type fakeInvoices struct {
	err error
}

func (f *fakeInvoices) Substitute(_ context.Context, in issuance.SubstituteInput) (*issuance.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &issuance.Result{TransactionID: in.TransactionID, InvoiceNumber: "2", Status: model.InvoicePending}, nil
}

func (f *fakeInvoices) SyncStatus(_ context.Context, _, transactionID uuid.UUID) (*issuance.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &issuance.Result{TransactionID: transactionID, Status: model.InvoiceIssued}, nil
}

type fakeAlerts struct {
	partnerID uuid.UUID
	resolved  *bool
	rules     []model.AlertRule
}

func (f *fakeAlerts) ListAlerts(_ context.Context, partnerID uuid.UUID, resolved *bool, _, _ int) ([]model.Alert, int64, error) {
	f.partnerID = partnerID
	f.resolved = resolved
	return []model.Alert{{ID: uuid.New(), PartnerID: partnerID, RuleType: model.RuleCashCritical, Severity: model.SeverityCritical}}, 1, nil
}

func (f *fakeAlerts) ResolveAlert(context.Context, uuid.UUID, uuid.UUID) (*model.Alert, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeAlerts) ListRules(context.Context, uuid.UUID) ([]model.AlertRule, error) {
	return f.rules, nil
}

func (f *fakeAlerts) ReplaceRules(_ context.Context, _ uuid.UUID, rules []model.AlertRule) ([]model.AlertRule, error) {
	f.rules = rules
	return rules, nil
}

type fakeMonitor struct {
	calls int
}

func (f *fakeMonitor) RunAll(context.Context) ([]*monitor.RunReport, error) {
	f.calls++
	return []*monitor.RunReport{{Kind: monitor.KindClients}, {Kind: monitor.KindMargins}}, nil
}

type fakeLogs struct {
	query store.ExecutionLogQuery
}

func (f *fakeLogs) List(_ context.Context, query store.ExecutionLogQuery) ([]model.ExecutionLog, error) {
	f.query = query
	return []model.ExecutionLog{{ID: uuid.New(), TenantID: query.TenantID, AgentID: "billing-agent", Status: model.ExecutionSuccess}}, nil
}

func (f *fakeLogs) DeleteOldLogs(context.Context, int) error { return nil }

type testEnv struct {
	server    *Server
	tokens    *auth.TokenManager
	workflow  *fakeWorkflow
	approvals *fakeApprovals
	invoices  *fakeInvoices
	alerts    *fakeAlerts
	monitor   *fakeMonitor
	logs      *fakeLogs
	tenantID  uuid.UUID
	partnerID uuid.UUID
}

func newTestEnv() *testEnv {
	env := &testEnv{
		tokens:    auth.NewTokenManager([]byte("test-secret"), time.Hour, "finflow"),
		workflow:  &fakeWorkflow{},
		approvals: &fakeApprovals{},
		invoices:  &fakeInvoices{},
		alerts:    &fakeAlerts{},
		monitor:   &fakeMonitor{},
		logs:      &fakeLogs{},
		tenantID:  uuid.New(),
		partnerID: uuid.New(),
	}
	env.server = NewServer(Dependencies{
		Tokens:    env.tokens,
		Workflow:  env.workflow,
		Approvals: env.approvals,
		Invoices:  env.invoices,
		Alerts:    env.alerts,
		Monitor:   env.monitor,
		Logs:      env.logs,
	}, &config.Config{}, zap.NewNop())
	return env
}

func (e *testEnv) token(t *testing.T, claims auth.Claims) string {
	t.Helper()
	token, err := e.tokens.Generate(claims)
	require.NoError(t, err)
	return token
}

func (e *testEnv) memberToken(t *testing.T) string {
	return e.token(t, auth.Claims{TenantID: e.tenantID.String(), UserID: "user-1", Role: auth.RoleMember})
}

func (e *testEnv) partnerToken(t *testing.T) string {
	return e.token(t, auth.Claims{
		TenantID:  e.tenantID.String(),
		UserID:    "advisor-1",
		PartnerID: e.partnerID.String(),
		Role:      auth.RolePartner,
	})
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var response errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return response.Error
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodGet, "/api/v1/approvals", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "invalid token", decodeError(t, recorder))
}

func TestTokenWithoutTenantIsForbidden(t *testing.T) {
	env := newTestEnv()
	token := env.token(t, auth.Claims{UserID: "user-1"})

	recorder := env.do(t, http.MethodPost, "/api/v1/agents/billing", token, `{"action":"start"}`)
	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Nil(t, env.workflow.lastReq)
}

func TestBillingDispatchesDecodedRequest(t *testing.T) {
	env := newTestEnv()
	requires := true
	approvalID := uuid.New()
	env.workflow.resp = &workflow.Response{Step: "submitted", RequiresApproval: &requires, ApprovalID: &approvalID}

	recorder := env.do(t, http.MethodPost, "/api/v1/agents/billing", env.memberToken(t),
		`{"action":"submit","customer_id":"`+uuid.NewString()+`","amount":"5000","description":"consulting","due_date":"2024-07-01"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	_, ok := env.workflow.lastReq.(*workflow.SubmitRequest)
	assert.True(t, ok)
	assert.Equal(t, env.tenantID, env.workflow.lastCaller.TenantID)
	assert.Equal(t, "user-1", env.workflow.lastCaller.UserID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, true, body["requires_approval"])
	assert.Equal(t, approvalID.String(), body["approval_id"])
}

func TestBillingRejectsUnknownAction(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodPost, "/api/v1/agents/billing", env.memberToken(t), `{"action":"refund"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Nil(t, env.workflow.lastReq)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: amount must be positive", workflow.ErrValidation), http.StatusBadRequest},
		{workflow.ErrNoTenant, http.StatusForbidden},
		{gorm.ErrRecordNotFound, http.StatusNotFound},
		{workflow.ErrNotApproved, http.StatusConflict},
		{issuance.ErrAlreadyIssued, http.StatusConflict},
		{fmt.Errorf("issue invoice: %w", fmt.Errorf("%w: status check", issuance.ErrProviderFailure)), http.StatusBadGateway},
		{fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			env := newTestEnv()
			env.workflow.err = tc.err
			recorder := env.do(t, http.MethodPost, "/api/v1/agents/billing", env.memberToken(t), `{"action":"start"}`)
			assert.Equal(t, tc.status, recorder.Code)
			if tc.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", decodeError(t, recorder))
			}
		})
	}
}

func TestDecisionConflict(t *testing.T) {
	env := newTestEnv()
	env.approvals.err = approval.ErrAlreadyDecided
	id := uuid.New()

	recorder := env.do(t, http.MethodPost, "/api/v1/approvals/"+id.String()+"/decision", env.memberToken(t),
		`{"outcome":"approve","notes":"ok"}`)
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Equal(t, id, env.approvals.decideIn.ID)
	assert.Equal(t, "user-1", env.approvals.decideIn.Reviewer)
	assert.Equal(t, approval.OutcomeApprove, env.approvals.decideIn.Outcome)
}

func TestDecisionRequiresOutcome(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodPost, "/api/v1/approvals/"+uuid.NewString()+"/decision", env.memberToken(t), `{}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestApprovalNotFound(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodGet, "/api/v1/approvals/"+uuid.NewString(), env.memberToken(t), "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = env.do(t, http.MethodGet, "/api/v1/approvals/not-a-uuid", env.memberToken(t), "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDirectIssueGoesThroughWorkflow(t *testing.T) {
	env := newTestEnv()
	env.workflow.resp = &workflow.Response{Step: "completed"}
	txnID := uuid.New()

	recorder := env.do(t, http.MethodPost, "/api/v1/transactions/"+txnID.String()+"/invoice", env.memberToken(t), "")
	require.Equal(t, http.StatusOK, recorder.Code)

	req, ok := env.workflow.lastReq.(*workflow.ExecuteRequest)
	require.True(t, ok)
	assert.Equal(t, txnID.String(), req.TransactionID)
}

func TestSubstitutionUnsupported(t *testing.T) {
	env := newTestEnv()
	env.invoices.err = issuance.ErrSubstitutionUnsupported

	recorder := env.do(t, http.MethodPost, "/api/v1/transactions/"+uuid.NewString()+"/invoice/substitute",
		env.memberToken(t), `{"reason":"wrong amount on the original invoice"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
	assert.Contains(t, decodeError(t, recorder), "cancel the invoice")
}

func TestSubstitutionProviderErrorIsNotLeaked(t *testing.T) {
	env := newTestEnv()
	env.invoices.err = fmt.Errorf("%w: substitution rejected by focus", issuance.ErrProviderFailure)

	recorder := env.do(t, http.MethodPost, "/api/v1/transactions/"+uuid.NewString()+"/invoice/sync", env.memberToken(t), "")
	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Equal(t, issuance.ErrProviderFailure.Error(), decodeError(t, recorder))
}

func TestAlertsRequirePartner(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodGet, "/api/v1/alerts", env.memberToken(t), "")
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = env.do(t, http.MethodGet, "/api/v1/alerts?resolved=false", env.partnerToken(t), "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, env.partnerID, env.alerts.partnerID)
	require.NotNil(t, env.alerts.resolved)
	assert.False(t, *env.alerts.resolved)

	recorder = env.do(t, http.MethodGet, "/api/v1/alerts?resolved=maybe", env.partnerToken(t), "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestResolveUnknownAlert(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodPost, "/api/v1/alerts/"+uuid.NewString()+"/resolve", env.partnerToken(t), "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestReplaceRules(t *testing.T) {
	env := newTestEnv()

	recorder := env.do(t, http.MethodPut, "/api/v1/rulesets", env.partnerToken(t),
		`[{"rule_type":"margin_warning","threshold_value":20},{"rule_type":"cash_critical","threshold_value":15,"alert_severity":"CRITICAL","active":false}]`)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, env.alerts.rules, 2)
	assert.Equal(t, model.SeverityWarning, env.alerts.rules[0].AlertSeverity)
	assert.True(t, env.alerts.rules[0].Active)
	assert.Equal(t, env.partnerID, env.alerts.rules[0].PartnerID)
	assert.False(t, env.alerts.rules[1].Active)

	recorder = env.do(t, http.MethodPut, "/api/v1/rulesets", env.partnerToken(t), `[{"rule_type":"vibes"}]`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = env.do(t, http.MethodPut, "/api/v1/rulesets", env.partnerToken(t), `[{"rule_type":"margin_warning","alert_severity":"LOUD"}]`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestMonitorRun(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodPost, "/api/v1/monitor/run", env.partnerToken(t), "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, env.monitor.calls)

	var body struct {
		Runs []monitor.RunReport `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 2)
}

func TestExecutionLogFilters(t *testing.T) {
	env := newTestEnv()
	recorder := env.do(t, http.MethodGet,
		"/api/v1/agents/executions?action=execute&status=error&start_time=2024-01-01T00:00:00Z&limit=500",
		env.memberToken(t), "")
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Equal(t, env.tenantID, env.logs.query.TenantID)
	assert.Equal(t, "execute", env.logs.query.Action)
	assert.Equal(t, model.ExecutionError, env.logs.query.Status)
	assert.Equal(t, 200, env.logs.query.Limit)
	require.NotNil(t, env.logs.query.StartTime)
	assert.Nil(t, env.logs.query.EndTime)

	recorder = env.do(t, http.MethodGet, "/api/v1/agents/executions?end_time=yesterday", env.memberToken(t), "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
