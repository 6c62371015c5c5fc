package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

var (
	ErrAlreadyDecided  = errors.New("approval item was already decided")
	ErrInvalidDecision = errors.New("invalid approval decision")
	ErrInvalidItem     = errors.New("invalid approval item")
)

type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

const DefaultPriority = 5

type Repository interface {
	CreateApproval(ctx context.Context, item *model.ApprovalItem) error
	GetApproval(ctx context.Context, tenantID, id uuid.UUID) (*model.ApprovalItem, error)
	ListPendingApprovals(ctx context.Context, tenantID uuid.UUID) ([]model.ApprovalItem, error)
	DecideApproval(ctx context.Context, decision store.Decision) (*model.ApprovalItem, error)
}

// Continuation resumes the workflow gated by an approved item in-process.
type Continuation interface {
	Continue(ctx context.Context, item *model.ApprovalItem) error
}

type EnqueueInput struct {
	TenantID    uuid.UUID
	AgentID     string
	ActionType  string
	Priority    int
	Payload     model.JSONB
	RequestedBy string
}

type DecideInput struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Outcome  Outcome
	Reviewer string
	Notes    string
}

// NewItem validates the input and builds a pending item without storing it.
func NewItem(in EnqueueInput) (*model.ApprovalItem, error) {
	if in.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidItem)
	}
	if in.AgentID == "" || in.ActionType == "" {
		return nil, fmt.Errorf("%w: agent and action type are required", ErrInvalidItem)
	}
	if in.RequestedBy == "" {
		return nil, fmt.Errorf("%w: requester is required", ErrInvalidItem)
	}
	priority := in.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	payload := in.Payload
	if payload == nil {
		payload = model.JSONB{}
	}
	return &model.ApprovalItem{
		ID:          uuid.New(),
		TenantID:    in.TenantID,
		AgentID:     in.AgentID,
		ActionType:  in.ActionType,
		Priority:    priority,
		Payload:     payload,
		RequestedBy: in.RequestedBy,
		Status:      model.ApprovalPending,
	}, nil
}

type Queue struct {
	repo         Repository
	continuation Continuation
	logger       *zap.Logger
	now          func() time.Time
}

func NewQueue(repo Repository, logger *zap.Logger) *Queue {
	return &Queue{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// SetInlineContinuation makes approvals resume the workflow directly after
// commit instead of publishing an outbox event.
func (q *Queue) SetInlineContinuation(c Continuation) {
	q.continuation = c
}

func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (*model.ApprovalItem, error) {
	item, err := NewItem(in)
	if err != nil {
		return nil, err
	}
	if err := q.repo.CreateApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	return item, nil
}

// ListPending returns the tenant's pending items ordered by priority, then age.
func (q *Queue) ListPending(ctx context.Context, tenantID uuid.UUID) ([]model.ApprovalItem, error) {
	items, err := q.repo.ListPendingApprovals(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return model.PendingBefore(items[i], items[j])
	})
	return items, nil
}

func (q *Queue) Get(ctx context.Context, tenantID, id uuid.UUID) (*model.ApprovalItem, error) {
	return q.repo.GetApproval(ctx, tenantID, id)
}

// Decide applies a reviewer outcome exactly once. A second decision on the
// same item fails with ErrAlreadyDecided and leaves the first one in place.
func (q *Queue) Decide(ctx context.Context, in DecideInput) (*model.ApprovalItem, error) {
	var status model.ApprovalStatus
	switch in.Outcome {
	case OutcomeApprove:
		status = model.ApprovalApproved
	case OutcomeReject:
		status = model.ApprovalRejected
	default:
		return nil, fmt.Errorf("%w: outcome must be approve or reject", ErrInvalidDecision)
	}
	if strings.TrimSpace(in.Reviewer) == "" {
		return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidDecision)
	}

	item, err := q.repo.GetApproval(ctx, in.TenantID, in.ID)
	if err != nil {
		return nil, err
	}
	if item.Status != model.ApprovalPending {
		return item, ErrAlreadyDecided
	}

	decision := store.Decision{
		ApprovalID: in.ID,
		TenantID:   in.TenantID,
		Status:     status,
		Reviewer:   in.Reviewer,
		DecidedAt:  q.now(),
	}
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		decision.Notes = &notes
	}
	if status == model.ApprovalApproved && q.continuation == nil {
		decision.Event = approvedEvent(item)
	}

	decided, err := q.repo.DecideApproval(ctx, decision)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyDecided
		}
		return nil, fmt.Errorf("decide approval: %w", err)
	}

	metrics.ApprovalsDecided.WithLabelValues(decided.ActionType, string(in.Outcome)).Inc()
	q.logger.Info("approval decided",
		zap.String("approval_id", decided.ID.String()),
		zap.String("tenant_id", decided.TenantID.String()),
		zap.String("outcome", string(in.Outcome)),
		zap.String("reviewer", in.Reviewer),
	)

	if status == model.ApprovalApproved && q.continuation != nil {
		if err := q.continuation.Continue(ctx, decided); err != nil {
			q.logger.Error("inline continuation failed",
				zap.String("approval_id", decided.ID.String()),
				zap.Error(err),
			)
		}
	}

	return decided, nil
}

func approvedEvent(item *model.ApprovalItem) *model.OutboxEvent {
	payload := model.JSONB{
		"approval_id": item.ID.String(),
		"tenant_id":   item.TenantID.String(),
	}
	if id, ok := item.TransactionID(); ok {
		payload[model.PayloadTransactionID] = id.String()
	}
	if id, ok := item.WorkflowRequestID(); ok {
		payload[model.PayloadWorkflowRequestID] = id.String()
	}
	return &model.OutboxEvent{
		EventID:     uuid.New(),
		EventType:   model.EventApprovalApproved,
		AggregateID: item.ID,
		Payload:     payload,
		Status:      model.OutboxStatusPending,
	}
}
