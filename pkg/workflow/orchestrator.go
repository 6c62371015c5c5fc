package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/approval"
	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/payment"
	"github.com/finflow/finflow/pkg/store"
	"github.com/finflow/finflow/pkg/tax"
)

const (
	BillingAction      = "billing"
	ApprovalActionType = "issue_invoice"
)

// Store is the record store surface used by the billing workflow.
type Store interface {
	PartnerSource
	Tenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	Customer(ctx context.Context, tenantID, id uuid.UUID) (*model.Customer, error)
	Customers(ctx context.Context, tenantID uuid.UUID) ([]model.Customer, error)
	IncomeCategories(ctx context.Context, tenantID uuid.UUID) ([]model.Category, error)
	RecentIncome(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.Transaction, error)
	GetTransaction(ctx context.Context, tenantID, id uuid.UUID) (*model.Transaction, error)
	SetPaymentInstrument(ctx context.Context, tenantID, id uuid.UUID, link, code string) error
	CreateWorkflowUnit(ctx context.Context, unit store.WorkflowUnit) error
	GetWorkflowRequest(ctx context.Context, tenantID, id uuid.UUID) (*model.WorkflowRequest, error)
	WorkflowRequestForTransaction(ctx context.Context, tenantID, transactionID uuid.UUID) (*model.WorkflowRequest, error)
	AdvanceStage(ctx context.Context, id uuid.UUID, stage model.WorkflowStage, errorMsg string) error
	GetApproval(ctx context.Context, tenantID, id uuid.UUID) (*model.ApprovalItem, error)
	ScheduleNotification(ctx context.Context, record *model.NotificationRecord) error
}

type Issuer interface {
	Issue(ctx context.Context, tenantID, transactionID uuid.UUID) (*issuance.Result, error)
}

type ExecutionLogger interface {
	Append(ctx context.Context, entry *model.ExecutionLog) error
}

// Caller identifies who invokes the workflow.
type Caller struct {
	TenantID  uuid.UUID
	UserID    string
	PartnerID *uuid.UUID
}

type Orchestrator struct {
	store      Store
	issuer     Issuer
	payments   payment.Generator
	logs       ExecutionLogger
	thresholds *ThresholdResolver
	micro      decimal.Decimal
	cfg        config.WorkflowConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewOrchestrator(st Store, issuer Issuer, payments payment.Generator, logs ExecutionLogger, cfg config.WorkflowConfig, logger *zap.Logger) *Orchestrator {
	if cfg.AgentID == "" {
		cfg.AgentID = "billing-agent"
	}
	if cfg.SuggestionLimit <= 0 {
		cfg.SuggestionLimit = 5
	}
	if payments == nil {
		payments = payment.Noop{}
	}
	return &Orchestrator{
		store:      st,
		issuer:     issuer,
		payments:   payments,
		logs:       logs,
		thresholds: NewThresholdResolver(st, decimal.NewFromFloat(cfg.AutoApproveThreshold)),
		micro:      decimal.NewFromFloat(cfg.MicroThreshold),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle runs one billing action and writes exactly one execution log entry
// for it.
func (o *Orchestrator) Handle(ctx context.Context, caller Caller, req Request) (*Response, error) {
	if caller.TenantID == uuid.Nil {
		return nil, ErrNoTenant
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrValidation)
	}

	start := o.now()
	var (
		resp *Response
		err  error
	)
	switch r := req.(type) {
	case *StartRequest:
		resp, err = o.start(ctx, caller)
	case *PrepareRequest:
		resp, err = o.prepare(ctx, caller, r)
	case *SubmitRequest:
		resp, err = o.submit(ctx, caller, r)
	case *ExecuteRequest:
		resp, err = o.executeApproved(ctx, caller, r)
	default:
		err = fmt.Errorf("%w: unsupported request %T", ErrValidation, req)
	}
	elapsed := o.now().Sub(start)

	status := executionStatus(resp, err)
	metrics.WorkflowInvocations.WithLabelValues(o.cfg.AgentID, string(req.Action()), string(status)).Inc()
	metrics.WorkflowDuration.WithLabelValues(o.cfg.AgentID, string(req.Action())).Observe(elapsed.Seconds())
	o.record(ctx, caller, req, resp, err, status, elapsed)

	return resp, err
}

// Continue resumes the workflow of an approved item in-process.
func (o *Orchestrator) Continue(ctx context.Context, item *model.ApprovalItem) error {
	reviewer := "system"
	if item.ReviewedBy != nil {
		reviewer = *item.ReviewedBy
	}
	_, err := o.Handle(ctx, Caller{TenantID: item.TenantID, UserID: reviewer}, &ExecuteRequest{ApprovalID: item.ID.String()})
	return err
}

func executionStatus(resp *Response, err error) model.ExecutionStatus {
	if err != nil {
		return model.ExecutionError
	}
	if resp != nil && resp.RequiresApproval != nil && *resp.RequiresApproval {
		return model.ExecutionPendingApproval
	}
	return model.ExecutionSuccess
}

func (o *Orchestrator) record(ctx context.Context, caller Caller, req Request, resp *Response, err error, status model.ExecutionStatus, elapsed time.Duration) {
	if o.logs == nil {
		return
	}

	input := toJSONB(req)
	input["action"] = string(req.Action())
	if caller.UserID != "" {
		input["user_id"] = caller.UserID
	}

	var output model.JSONB
	if err != nil {
		output = model.JSONB{"error": err.Error()}
	} else {
		output = toJSONB(resp)
	}

	entry := &model.ExecutionLog{
		ID:        uuid.New(),
		TenantID:  caller.TenantID,
		AgentID:   o.cfg.AgentID,
		Action:    string(req.Action()),
		Input:     input,
		Output:    output,
		Status:    status,
		ElapsedMS: elapsed.Milliseconds(),
		CreatedAt: o.now(),
	}
	if appendErr := o.logs.Append(context.WithoutCancel(ctx), entry); appendErr != nil {
		o.logger.Warn("failed to write execution log",
			zap.String("tenant_id", caller.TenantID.String()),
			zap.String("action", entry.Action),
			zap.Error(appendErr),
		)
	}
}

func toJSONB(value interface{}) model.JSONB {
	out := model.JSONB{}
	if value == nil {
		return out
	}
	data, err := json.Marshal(value)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func (o *Orchestrator) start(ctx context.Context, caller Caller) (*Response, error) {
	customers, err := o.store.Customers(ctx, caller.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}
	categories, err := o.store.IncomeCategories(ctx, caller.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	recent, err := o.store.RecentIncome(ctx, caller.TenantID, o.cfg.SuggestionLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent transactions: %w", err)
	}

	resp := &Response{
		Step:           string(model.StageGathering),
		Message:        "Choose the customer and tell me what to bill, how much and when it is due.",
		Customers:      make([]Option, 0, len(customers)),
		Categories:     make([]Option, 0, len(categories)),
		Suggestions:    make([]Suggestion, 0, len(recent)),
		RequiredFields: requiredFields,
	}
	for _, c := range customers {
		resp.Customers = append(resp.Customers, Option{ID: c.ID, Name: c.Name})
	}
	for _, c := range categories {
		resp.Categories = append(resp.Categories, Option{ID: c.ID, Name: c.Name})
	}
	for _, t := range recent {
		resp.Suggestions = append(resp.Suggestions, Suggestion{
			CustomerID:  t.CustomerID,
			Description: t.Description,
			Amount:      t.Amount,
		})
	}
	return resp, nil
}

// loadInvoiceContext validates the fields and loads the tenant and customer
// they refer to.
func (o *Orchestrator) loadInvoiceContext(ctx context.Context, caller Caller, fields InvoiceFields) (*invoiceInput, *model.Tenant, *model.Customer, error) {
	in, err := fields.validate()
	if err != nil {
		return nil, nil, nil, err
	}
	customer, err := o.store.Customer(ctx, caller.TenantID, in.customerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, fmt.Errorf("%w: customer not found", ErrValidation)
		}
		return nil, nil, nil, fmt.Errorf("load customer: %w", err)
	}
	tenant, err := o.store.Tenant(ctx, caller.TenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrNoTenant
		}
		return nil, nil, nil, fmt.Errorf("load tenant: %w", err)
	}
	return in, tenant, customer, nil
}

func (o *Orchestrator) prepare(ctx context.Context, caller Caller, req *PrepareRequest) (*Response, error) {
	in, tenant, customer, err := o.loadInvoiceContext(ctx, caller, req.InvoiceFields)
	if err != nil {
		return nil, err
	}

	preview := tax.Compute(tenant.TaxRegime, in.amount)
	return &Response{
		Step: string(model.StagePreview),
		Message: fmt.Sprintf("Invoice to %s: gross %s, estimated taxes %s, net %s.",
			customer.Name, preview.Gross.StringFixed(2), preview.TotalTaxes.StringFixed(2), preview.Net.StringFixed(2)),
		Preview:        &preview,
		CanAutoApprove: boolPtr(in.amount.LessThan(o.micro)),
	}, nil
}

func (o *Orchestrator) submit(ctx context.Context, caller Caller, req *SubmitRequest) (*Response, error) {
	in, tenant, customer, err := o.loadInvoiceContext(ctx, caller, req.InvoiceFields)
	if err != nil {
		return nil, err
	}
	threshold, err := o.thresholds.Resolve(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("resolve auto-approve threshold: %w", err)
	}

	preview := tax.Compute(tenant.TaxRegime, in.amount)
	txn := &model.Transaction{
		ID:            uuid.New(),
		TenantID:      tenant.ID,
		Type:          model.TransactionIncome,
		Description:   in.description,
		Amount:        in.amount,
		NetAmount:     preview.Net,
		DueDate:       in.dueDate,
		Status:        model.TransactionPending,
		CustomerID:    &customer.ID,
		CategoryID:    in.categoryID,
		TaxRegime:     preview.Regime,
		InvoiceStatus: model.InvoiceStatusPtr(model.InvoicePending),
		Version:       1,
	}

	requiresApproval := in.amount.GreaterThanOrEqual(threshold)
	request := &model.WorkflowRequest{
		ID:          uuid.New(),
		TenantID:    tenant.ID,
		Action:      BillingAction,
		Stage:       model.StageExecuting,
		Input:       toJSONB(req.InvoiceFields),
		RequestedBy: caller.UserID,
		Version:     1,
	}
	request.TransactionID = &txn.ID
	unit := store.WorkflowUnit{Transaction: txn, Request: request}

	if requiresApproval {
		request.Stage = model.StagePendingApproval
		item, err := approval.NewItem(approval.EnqueueInput{
			TenantID:   tenant.ID,
			AgentID:    o.cfg.AgentID,
			ActionType: ApprovalActionType,
			Priority:   PriorityFor(in.amount),
			Payload: model.JSONB{
				model.PayloadTransactionID:     txn.ID.String(),
				model.PayloadWorkflowRequestID: request.ID.String(),
				"customer_name":                customer.Name,
				"description":                  in.description,
				"amount":                       in.amount.StringFixed(2),
				"due_date":                     in.dueDate.Format(dateLayout),
			},
			RequestedBy: requester(caller),
		})
		if err != nil {
			return nil, err
		}
		unit.Approval = item
		request.ApprovalID = &item.ID
	}

	if err := o.store.CreateWorkflowUnit(ctx, unit); err != nil {
		return nil, fmt.Errorf("create workflow unit: %w", err)
	}

	if requiresApproval {
		o.logger.Info("billing request waiting for approval",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("approval_id", unit.Approval.ID.String()),
			zap.String("amount", in.amount.String()),
		)
		return &Response{
			Step: string(model.StagePendingApproval),
			Message: fmt.Sprintf("Amount %s is at or above the auto-approve limit of %s; the invoice was sent for approval.",
				in.amount.StringFixed(2), threshold.StringFixed(2)),
			RequiresApproval:  boolPtr(true),
			ApprovalID:        &unit.Approval.ID,
			TransactionID:     &txn.ID,
			WorkflowRequestID: &request.ID,
		}, nil
	}

	resp, err := o.execute(ctx, tenant.ID, txn.ID, request)
	if err != nil {
		return nil, err
	}
	resp.RequiresApproval = boolPtr(false)
	return resp, nil
}

func requester(caller Caller) string {
	if caller.UserID != "" {
		return caller.UserID
	}
	return "unknown"
}

func (o *Orchestrator) executeApproved(ctx context.Context, caller Caller, req *ExecuteRequest) (*Response, error) {
	switch {
	case req.ApprovalID != "":
		approvalID, err := uuid.Parse(req.ApprovalID)
		if err != nil {
			return nil, fmt.Errorf("%w: approval_id is not a valid id", ErrValidation)
		}
		item, err := o.store.GetApproval(ctx, caller.TenantID, approvalID)
		if err != nil {
			return nil, err
		}
		if err := approvedForExecution(item); err != nil {
			return nil, err
		}
		transactionID, ok := item.TransactionID()
		if !ok {
			return nil, fmt.Errorf("%w: approval does not reference a transaction", ErrValidation)
		}

		var request *model.WorkflowRequest
		if requestID, ok := item.WorkflowRequestID(); ok {
			request, err = o.store.GetWorkflowRequest(ctx, caller.TenantID, requestID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("load workflow request: %w", err)
			}
		}
		return o.execute(ctx, caller.TenantID, transactionID, request)

	case req.TransactionID != "":
		transactionID, err := uuid.Parse(req.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction_id is not a valid id", ErrValidation)
		}
		request, err := o.store.WorkflowRequestForTransaction(ctx, caller.TenantID, transactionID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load workflow request: %w", err)
		}
		if request != nil && request.ApprovalID != nil {
			item, err := o.store.GetApproval(ctx, caller.TenantID, *request.ApprovalID)
			if err != nil {
				return nil, fmt.Errorf("load approval: %w", err)
			}
			if err := approvedForExecution(item); err != nil {
				return nil, err
			}
		}
		if request != nil && request.Stage == model.StagePendingApproval {
			return nil, ErrNotApproved
		}
		return o.execute(ctx, caller.TenantID, transactionID, request)

	default:
		return nil, fmt.Errorf("%w: approval_id or transaction_id is required", ErrValidation)
	}
}

func approvedForExecution(item *model.ApprovalItem) error {
	switch item.Status {
	case model.ApprovalPending:
		return ErrNotApproved
	case model.ApprovalRejected:
		return fmt.Errorf("%w: approval was rejected", ErrValidation)
	}
	return nil
}

// execute issues the invoice for a transaction and runs the best-effort
// follow-ups. request may be nil for transactions created outside the
// workflow.
func (o *Orchestrator) execute(ctx context.Context, tenantID, transactionID uuid.UUID, request *model.WorkflowRequest) (*Response, error) {
	txn, err := o.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}

	open := request != nil && !request.Stage.IsTerminal()
	if open && request.Stage != model.StageExecuting {
		o.advance(ctx, request, model.StageExecuting, "")
	}

	result, err := o.issuer.Issue(ctx, tenantID, txn.ID)
	if err != nil {
		if errors.Is(err, issuance.ErrAlreadyIssued) {
			if open {
				o.advance(ctx, request, model.StageCompleted, "")
			}
			return nil, err
		}
		if open {
			stage := model.StageFailed
			if retryableIssuance(err) {
				stage = model.StageExecuting
			}
			o.advance(ctx, request, stage, err.Error())
		}
		return nil, fmt.Errorf("issue invoice: %w", err)
	}

	resp := &Response{
		Step:          string(model.StageCompleted),
		Message:       result.Message,
		TransactionID: &txn.ID,
		Invoice:       result,
		DemoMode:      boolPtr(result.DemoMode),
	}
	if request != nil {
		resp.WorkflowRequestID = &request.ID
	}

	customer := o.customerFor(ctx, txn)
	resp.Payment = o.generatePayment(ctx, txn, customer)
	o.scheduleNotification(ctx, txn, customer, result, resp.Payment)

	if open {
		o.advance(ctx, request, model.StageCompleted, "")
	}
	return resp, nil
}

// retryableIssuance reports whether a later attempt may still issue the
// invoice. The request then stays executing so the retry can complete it.
func retryableIssuance(err error) bool {
	return !errors.Is(err, issuance.ErrNotIssuable) && !errors.Is(err, gorm.ErrRecordNotFound)
}

func (o *Orchestrator) advance(ctx context.Context, request *model.WorkflowRequest, stage model.WorkflowStage, errorMsg string) {
	if err := o.store.AdvanceStage(ctx, request.ID, stage, errorMsg); err != nil {
		o.logger.Warn("failed to advance workflow request",
			zap.String("workflow_request_id", request.ID.String()),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		return
	}
	request.Stage = stage
}

func (o *Orchestrator) customerFor(ctx context.Context, txn *model.Transaction) *model.Customer {
	if txn.CustomerID == nil {
		return nil
	}
	customer, err := o.store.Customer(ctx, txn.TenantID, *txn.CustomerID)
	if err != nil {
		o.logger.Warn("failed to load customer for follow-ups",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	return customer
}

func (o *Orchestrator) generatePayment(ctx context.Context, txn *model.Transaction, customer *model.Customer) *payment.Instrument {
	charge := payment.Charge{
		TransactionID: txn.ID,
		TenantID:      txn.TenantID,
		Amount:        txn.Amount,
		DueDate:       txn.DueDate,
		Description:   txn.Description,
	}
	if customer != nil {
		charge.PayerName = customer.Name
		charge.PayerDocument = customer.Document
		charge.PayerEmail = customer.Email
	}

	instrument, err := o.payments.Generate(ctx, charge)
	if err != nil {
		o.logger.Warn("payment instrument generation failed",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	if instrument == nil {
		return nil
	}
	if err := o.store.SetPaymentInstrument(ctx, txn.TenantID, txn.ID, instrument.Link, instrument.Code); err != nil {
		o.logger.Warn("failed to store payment instrument",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
	}
	return instrument
}

func (o *Orchestrator) scheduleNotification(ctx context.Context, txn *model.Transaction, customer *model.Customer, result *issuance.Result, instrument *payment.Instrument) {
	if customer == nil || customer.Email == "" {
		return
	}

	payload := model.JSONB{
		"customer_name":  customer.Name,
		"invoice_number": result.InvoiceNumber,
		"amount":         txn.Amount.StringFixed(2),
		"due_date":       txn.DueDate.Format(dateLayout),
		"demo_mode":      result.DemoMode,
	}
	if instrument != nil {
		payload["payment_link"] = instrument.Link
	}

	record := &model.NotificationRecord{
		ID:            uuid.New(),
		TenantID:      txn.TenantID,
		TransactionID: &txn.ID,
		Channel:       model.NotificationChannelEmail,
		Recipients:    pq.StringArray{customer.Email},
		Template:      model.TemplateInvoiceIssued,
		Payload:       payload,
		Status:        model.NotificationScheduled,
		ScheduledFor:  o.now().Add(o.cfg.NotificationDelay),
	}
	if err := o.store.ScheduleNotification(ctx, record); err != nil {
		o.logger.Warn("failed to schedule invoice notification",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
	}
}

var _ approval.Continuation = (*Orchestrator)(nil)
