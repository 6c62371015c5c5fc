package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/outbox"
	"github.com/finflow/finflow/pkg/queue"
	"github.com/finflow/finflow/pkg/workflow"
)

type fakeWorkflow struct {
	callers  []workflow.Caller
	requests []workflow.Request
	resp     *workflow.Response
	err      error
}

func (f *fakeWorkflow) Handle(ctx context.Context, caller workflow.Caller, req workflow.Request) (*workflow.Response, error) {
	f.callers = append(f.callers, caller)
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

type fakeBus struct {
	channels []string
	events   []eventbus.Event
}

func (b *fakeBus) Publish(ctx context.Context, channel string, event eventbus.Event) error {
	b.channels = append(b.channels, channel)
	b.events = append(b.events, event)
	return nil
}

func approvedJob(tenantID uuid.UUID, approvalID string) *queue.Job {
	return &queue.Job{
		EventID:   uuid.NewString(),
		EventType: model.EventApprovalApproved,
		Message: outbox.Message{
			EventType: model.EventApprovalApproved,
			Payload: model.JSONB{
				"tenant_id":   tenantID.String(),
				"approval_id": approvalID,
			},
		},
		Attempt: 1,
	}
}

func TestHandleJobExecutesApproval(t *testing.T) {
	tenantID := uuid.New()
	approvalID := uuid.NewString()
	transactionID := uuid.New()
	wf := &fakeWorkflow{resp: &workflow.Response{Invoice: &issuance.Result{
		TransactionID: transactionID,
		InvoiceNumber: "123",
		Status:        model.InvoiceIssued,
	}}}
	bus := &fakeBus{}
	runner := NewRunner(nil, wf, bus, zap.NewNop())

	require.NoError(t, runner.HandleJob(context.Background(), approvedJob(tenantID, approvalID)))

	require.Len(t, wf.requests, 1)
	assert.Equal(t, &workflow.ExecuteRequest{ApprovalID: approvalID}, wf.requests[0])
	assert.Equal(t, tenantID, wf.callers[0].TenantID)
	assert.Equal(t, SystemCaller, wf.callers[0].UserID)

	require.Len(t, bus.events, 1)
	assert.Equal(t, eventbus.ChannelInvoices, bus.channels[0])
	var payload eventbus.InvoiceEvent
	require.NoError(t, json.Unmarshal(bus.events[0].Data, &payload))
	assert.Equal(t, transactionID.String(), payload.TransactionID)
	assert.Equal(t, "issued", payload.Status)
}

func TestHandleJobAlreadyIssuedIsDone(t *testing.T) {
	wf := &fakeWorkflow{err: issuance.ErrAlreadyIssued}
	bus := &fakeBus{}
	runner := NewRunner(nil, wf, bus, zap.NewNop())

	assert.NoError(t, runner.HandleJob(context.Background(), approvedJob(uuid.New(), uuid.NewString())))
	assert.Empty(t, bus.events)
}

func TestHandleJobErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "validation", err: workflow.ErrValidation, permanent: true},
		{name: "not found", err: gorm.ErrRecordNotFound, permanent: true},
		{name: "not issuable", err: issuance.ErrNotIssuable, permanent: true},
		{name: "issuance in progress", err: issuance.ErrIssuanceInProgress, permanent: false},
		{name: "transient", err: errors.New("connection reset"), permanent: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := NewRunner(nil, &fakeWorkflow{err: tc.err}, nil, zap.NewNop())
			err := runner.HandleJob(context.Background(), approvedJob(uuid.New(), uuid.NewString()))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.permanent, queue.IsPermanent(err))
		})
	}
}

func TestHandleJobRejectsMalformedPayload(t *testing.T) {
	wf := &fakeWorkflow{}
	runner := NewRunner(nil, wf, nil, zap.NewNop())

	job := approvedJob(uuid.New(), "")
	err := runner.HandleJob(context.Background(), job)
	assert.True(t, queue.IsPermanent(err))

	job = approvedJob(uuid.New(), uuid.NewString())
	job.Message.Payload["tenant_id"] = "nope"
	err = runner.HandleJob(context.Background(), job)
	assert.True(t, queue.IsPermanent(err))
	assert.Empty(t, wf.requests)
}

func TestHandleJobIgnoresOtherEvents(t *testing.T) {
	wf := &fakeWorkflow{}
	runner := NewRunner(nil, wf, nil, zap.NewNop())

	job := approvedJob(uuid.New(), uuid.NewString())
	job.EventType = "approval.rejected"
	assert.NoError(t, runner.HandleJob(context.Background(), job))
	assert.Empty(t, wf.requests)
}
