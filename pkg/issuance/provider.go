package issuance

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/finflow/finflow/pkg/model"
)

var (
	ErrAlreadyIssued           = errors.New("invoice already issued for this transaction")
	ErrInvalidReason           = errors.New("substitution reason must have at least 15 characters")
	ErrSubstitutionUnsupported = errors.New("substitution is not supported for this city, cancel the invoice and issue a new one")
	ErrNotSubstitutable        = errors.New("transaction invoice cannot be substituted")
	ErrProviderFailure         = errors.New("fiscal provider request failed")
	ErrNotIssuable             = errors.New("transaction invoice was rejected or cancelled")
	ErrIssuanceInProgress      = errors.New("invoice issuance already in progress for this transaction")
)

// ProviderError is a failed call to a fiscal provider. It never reaches API
// callers; the gateway logs it and falls through to the next provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the same provider may be called again.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Address struct {
	Street     string
	Number     string
	District   string
	CityCode   string
	State      string
	PostalCode string
}

type Party struct {
	Document              string
	Name                  string
	Email                 string
	MunicipalRegistration string
	CityCode              string
	Address               *Address
}

type ServiceLine struct {
	Code        string
	Description string
	Amount      decimal.Decimal
	ISSRate     decimal.Decimal
}

// Request is the provider-neutral issuance request.
type Request struct {
	Reference       string
	Issuer          Party
	Customer        Party
	Service         ServiceLine
	OperationNature string
}

type SubstitutionRequest struct {
	Request
	OriginalIntegrationID string
	Reason                string
}

// ProviderResult is a provider response normalized to the transaction's
// invoice fields.
type ProviderResult struct {
	Number        string
	Key           string
	IntegrationID string
	Status        model.InvoiceStatus
}

type Provider interface {
	Name() string
	Issue(ctx context.Context, req *Request) (*ProviderResult, error)
	Substitute(ctx context.Context, req *SubstitutionRequest) (*ProviderResult, error)
	Status(ctx context.Context, integrationID string) (*ProviderResult, error)
}
