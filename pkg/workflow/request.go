package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/payment"
	"github.com/finflow/finflow/pkg/tax"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrNoTenant    = errors.New("no tenant associated with the caller")
	ErrNotApproved = errors.New("approval is still pending")
)

type Action string

const (
	ActionStart   Action = "start"
	ActionPrepare Action = "prepare"
	ActionSubmit  Action = "submit_for_approval"
	ActionExecute Action = "execute_approved"
)

const dateLayout = "2006-01-02"

// Request is one billing action. DecodeRequest returns a pointer to the
// concrete type matching the action field.
type Request interface {
	Action() Action
}

type StartRequest struct{}

// InvoiceFields are the caller-supplied fields of a billing request.
type InvoiceFields struct {
	CustomerID  string          `json:"customer_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     string          `json:"due_date"`
	CategoryID  string          `json:"category_id,omitempty"`
}

type PrepareRequest struct {
	InvoiceFields
}

type SubmitRequest struct {
	InvoiceFields
}

// ExecuteRequest resumes a request by approval id or, for direct issuance,
// by transaction id.
type ExecuteRequest struct {
	ApprovalID    string `json:"approval_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func (StartRequest) Action() Action   { return ActionStart }
func (PrepareRequest) Action() Action { return ActionPrepare }
func (SubmitRequest) Action() Action  { return ActionSubmit }
func (ExecuteRequest) Action() Action { return ActionExecute }

func DecodeRequest(raw []byte) (Request, error) {
	var envelope struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid request body", ErrValidation)
	}

	var req Request
	switch envelope.Action {
	case ActionStart:
		req = &StartRequest{}
	case ActionPrepare:
		req = &PrepareRequest{}
	case ActionSubmit:
		req = &SubmitRequest{}
	case ActionExecute:
		req = &ExecuteRequest{}
	case "":
		return nil, fmt.Errorf("%w: action is required", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, envelope.Action)
	}

	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("%w: invalid %s fields: %v", ErrValidation, envelope.Action, err)
	}
	return req, nil
}

type invoiceInput struct {
	customerID  uuid.UUID
	categoryID  *uuid.UUID
	description string
	amount      decimal.Decimal
	dueDate     time.Time
}

func (f InvoiceFields) validate() (*invoiceInput, error) {
	var missing []string
	if strings.TrimSpace(f.CustomerID) == "" {
		missing = append(missing, "customer_id")
	}
	if strings.TrimSpace(f.Description) == "" {
		missing = append(missing, "description")
	}
	if f.Amount.IsZero() {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(f.DueDate) == "" {
		missing = append(missing, "due_date")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(missing, ", "))
	}

	amount := f.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	customerID, err := uuid.Parse(f.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("%w: customer_id is not a valid id", ErrValidation)
	}
	dueDate, err := time.Parse(dateLayout, f.DueDate)
	if err != nil {
		return nil, fmt.Errorf("%w: due_date must use YYYY-MM-DD", ErrValidation)
	}

	in := &invoiceInput{
		customerID:  customerID,
		description: strings.TrimSpace(f.Description),
		amount:      amount,
		dueDate:     dueDate,
	}
	if f.CategoryID != "" {
		categoryID, err := uuid.Parse(f.CategoryID)
		if err != nil {
			return nil, fmt.Errorf("%w: category_id is not a valid id", ErrValidation)
		}
		in.categoryID = &categoryID
	}
	return in, nil
}

type Option struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type Suggestion struct {
	CustomerID  *uuid.UUID      `json:"customer_id,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// Response is the result of one billing action. Optional fields are omitted
// when the action does not produce them.
type Response struct {
	Step              string              `json:"step"`
	Message           string              `json:"message"`
	RequiresApproval  *bool               `json:"requires_approval,omitempty"`
	ApprovalID        *uuid.UUID          `json:"approval_id,omitempty"`
	TransactionID     *uuid.UUID          `json:"transaction_id,omitempty"`
	WorkflowRequestID *uuid.UUID          `json:"workflow_request_id,omitempty"`
	Preview           *tax.Preview        `json:"preview,omitempty"`
	CanAutoApprove    *bool               `json:"can_auto_approve,omitempty"`
	Customers         []Option            `json:"customers,omitempty"`
	Categories        []Option            `json:"categories,omitempty"`
	Suggestions       []Suggestion        `json:"suggestions,omitempty"`
	RequiredFields    []Field             `json:"required_fields,omitempty"`
	Invoice           *issuance.Result    `json:"invoice,omitempty"`
	DemoMode          *bool               `json:"demo_mode,omitempty"`
	Payment           *payment.Instrument `json:"payment,omitempty"`
}

var requiredFields = []Field{
	{Name: "customer_id", Type: "uuid", Label: "Customer", Required: true},
	{Name: "description", Type: "string", Label: "Service description", Required: true},
	{Name: "amount", Type: "decimal", Label: "Amount", Required: true},
	{Name: "due_date", Type: "date", Label: "Due date (YYYY-MM-DD)", Required: true},
}

func boolPtr(value bool) *bool {
	return &value
}
