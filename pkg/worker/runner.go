package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/queue"
	"github.com/finflow/finflow/pkg/workflow"
)

// SystemCaller is the user id recorded for executions started by the worker.
const SystemCaller = "system:issuance-worker"

type Consumer interface {
	Consume(ctx context.Context, handler queue.JobHandler) error
}

type WorkflowHandler interface {
	Handle(ctx context.Context, caller workflow.Caller, req workflow.Request) (*workflow.Response, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

// Runner resumes approved billing requests delivered through the decision
// topic.
type Runner struct {
	consumer     Consumer
	workflow     WorkflowHandler
	bus          Publisher
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewRunner(consumer Consumer, handler WorkflowHandler, bus Publisher, logger *zap.Logger) *Runner {
	return &Runner{
		consumer:     consumer,
		workflow:     handler,
		bus:          bus,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

func (r *Runner) Run(ctx context.Context) {
	for {
		if err := r.consumer.Consume(ctx, r.HandleJob); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			r.logger.Error("decision consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// HandleJob executes the approved request named by the job. Already issued
// invoices count as done so redelivery is harmless.
func (r *Runner) HandleJob(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return queue.Permanent(errors.New("job is nil"))
	}
	if job.EventType != model.EventApprovalApproved {
		r.logger.Debug("ignoring event", zap.String("event_type", job.EventType), zap.String("event_id", job.EventID))
		return nil
	}

	payload := job.Message.Payload
	tenantID, err := uuid.Parse(payload.String("tenant_id"))
	if err != nil {
		return queue.Permanent(fmt.Errorf("decision event %s has no tenant", job.EventID))
	}
	approvalID := payload.String("approval_id")
	if approvalID == "" {
		return queue.Permanent(fmt.Errorf("decision event %s has no approval id", job.EventID))
	}

	logger := r.logger.With(
		zap.String("event_id", job.EventID),
		zap.String("approval_id", approvalID),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("attempt", job.Attempt),
	)

	resp, err := r.workflow.Handle(ctx, workflow.Caller{TenantID: tenantID, UserID: SystemCaller}, &workflow.ExecuteRequest{ApprovalID: approvalID})
	switch {
	case err == nil:
	case errors.Is(err, issuance.ErrAlreadyIssued):
		logger.Info("invoice already issued; skipping")
		return nil
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, workflow.ErrNotApproved),
		errors.Is(err, workflow.ErrNoTenant),
		errors.Is(err, issuance.ErrNotIssuable),
		errors.Is(err, gorm.ErrRecordNotFound):
		logger.Warn("decision cannot be executed", zap.Error(err))
		return queue.Permanent(err)
	default:
		logger.Error("approved request execution failed", zap.Error(err))
		return err
	}

	logger.Info("approved request executed")
	r.announce(ctx, tenantID, approvalID, resp)
	return nil
}

func (r *Runner) announce(ctx context.Context, tenantID uuid.UUID, approvalID string, resp *workflow.Response) {
	if r.bus == nil || resp == nil || resp.Invoice == nil {
		return
	}
	event, err := eventbus.NewEvent(eventbus.EventInvoiceIssued, eventbus.InvoiceEvent{
		TenantID:      tenantID.String(),
		TransactionID: resp.Invoice.TransactionID.String(),
		ApprovalID:    approvalID,
		InvoiceNumber: resp.Invoice.InvoiceNumber,
		Status:        string(resp.Invoice.Status),
		DemoMode:      resp.Invoice.DemoMode,
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, eventbus.ChannelInvoices, event); err != nil {
		r.logger.Warn("failed to publish invoice event", zap.Error(err))
	}
}
