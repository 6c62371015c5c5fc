package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finflow/finflow/pkg/config"
)

// Charge describes the receivable a payment instrument is generated for.
type Charge struct {
	TransactionID uuid.UUID
	TenantID      uuid.UUID
	Amount        decimal.Decimal
	DueDate       time.Time
	Description   string
	PayerName     string
	PayerDocument string
	PayerEmail    string
}

// Instrument is a generated payment link and its copy-paste code.
type Instrument struct {
	ID   string `json:"id"`
	Link string `json:"link"`
	Code string `json:"code"`
}

type Generator interface {
	Generate(ctx context.Context, charge Charge) (*Instrument, error)
}

// New returns the HTTP generator when a charges API is configured, otherwise
// a generator that never produces an instrument.
func New(cfg config.PaymentConfig) Generator {
	if cfg.BaseURL == "" {
		return Noop{}
	}
	return NewHTTPGenerator(cfg)
}

type Noop struct{}

func (Noop) Generate(ctx context.Context, charge Charge) (*Instrument, error) {
	return nil, nil
}

type HTTPGenerator struct {
	client *resty.Client
}

func NewHTTPGenerator(cfg config.PaymentConfig) *HTTPGenerator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("access_token", cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &HTTPGenerator{client: client}
}

type chargeRequest struct {
	ExternalReference string `json:"externalReference"`
	BillingType       string `json:"billingType"`
	Value             string `json:"value"`
	DueDate           string `json:"dueDate"`
	Description       string `json:"description"`
	Customer          struct {
		Name     string `json:"name"`
		Document string `json:"cpfCnpj,omitempty"`
		Email    string `json:"email,omitempty"`
	} `json:"customer"`
}

type chargeResponse struct {
	ID         string `json:"id"`
	InvoiceURL string `json:"invoiceUrl"`
	PixCode    string `json:"pixCopyPaste"`
}

type chargeError struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, charge Charge) (*Instrument, error) {
	body := chargeRequest{
		ExternalReference: charge.TransactionID.String(),
		BillingType:       "UNDEFINED",
		Value:             charge.Amount.StringFixed(2),
		DueDate:           charge.DueDate.Format("2006-01-02"),
		Description:       charge.Description,
	}
	body.Customer.Name = charge.PayerName
	body.Customer.Document = charge.PayerDocument
	body.Customer.Email = charge.PayerEmail

	var out chargeResponse
	var apiErr chargeError
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/payments")
	if err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	if resp.IsError() {
		message := resp.Status()
		if len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0].Description
		}
		return nil, fmt.Errorf("create charge: status %d: %s", resp.StatusCode(), message)
	}

	return &Instrument{ID: out.ID, Link: out.InvoiceURL, Code: out.PixCode}, nil
}
