package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
	"github.com/finflow/finflow/pkg/tax"
)

const (
	defaultServiceCode     = "01.07"
	defaultOperationNature = "1"
	minReasonLength        = 15
)

// Store is the record store surface the gateway reads and writes.
type Store interface {
	GetTransaction(ctx context.Context, tenantID, id uuid.UUID) (*model.Transaction, error)
	Tenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	Customer(ctx context.Context, tenantID, id uuid.UUID) (*model.Customer, error)
	Integrations(ctx context.Context, tenantID uuid.UUID) ([]model.FiscalIntegration, error)
	ClaimIssuance(ctx context.Context, claim store.IssuanceClaim) error
	ReleaseIssuance(ctx context.Context, tenantID, id uuid.UUID) error
	RecordIssuance(ctx context.Context, rec store.IssuanceRecord) error
	UpdateInvoiceStatus(ctx context.Context, upd store.InvoiceUpdate) error
	ReplaceTransaction(ctx context.Context, sub store.Substitution) error
}

// Result is the normalized outcome returned to callers. DemoMode is set when
// no provider produced a document and the number is a local placeholder.
type Result struct {
	TransactionID uuid.UUID           `json:"transaction_id"`
	InvoiceNumber string              `json:"invoice_number"`
	InvoiceKey    string              `json:"invoice_key,omitempty"`
	Provider      string              `json:"provider,omitempty"`
	IntegrationID string              `json:"integration_id,omitempty"`
	Status        model.InvoiceStatus `json:"status"`
	DemoMode      bool                `json:"demo_mode"`
	Message       string              `json:"message"`
	ReplacesID    *uuid.UUID          `json:"replaces_id,omitempty"`
}

type SubstituteInput struct {
	TenantID      uuid.UUID
	TransactionID uuid.UUID
	Reason        string
	Amount        *decimal.Decimal
	Description   *string
}

type Gateway struct {
	store        Store
	providers    map[string]Provider
	order        []string
	timeout      time.Duration
	retries      int
	retryBackoff time.Duration
	claimTTL     time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewProviders builds the provider clients that have a base URL configured.
func NewProviders(cfg config.IssuanceConfig) []Provider {
	var providers []Provider
	if pc, ok := cfg.Providers[ProviderNuvemFiscal]; ok && pc.BaseURL != "" {
		providers = append(providers, NewNuvemFiscal(pc))
	}
	if pc, ok := cfg.Providers[ProviderFocusNFe]; ok && pc.BaseURL != "" {
		providers = append(providers, NewFocusNFe(pc))
	}
	return providers
}

func NewGateway(st Store, providers []Provider, cfg config.IssuanceConfig, logger *zap.Logger) *Gateway {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	order := cfg.ProviderOrder
	if len(order) == 0 {
		order = []string{ProviderNuvemFiscal, ProviderFocusNFe}
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}
	retries := cfg.ProviderRetries
	if retries < 0 {
		retries = 0
	}
	return &Gateway{
		store:        st,
		providers:    byName,
		order:        order,
		timeout:      timeout,
		retries:      retries,
		retryBackoff: retryBackoff,
		claimTTL:     timeout*time.Duration((retries+1)*len(order)) + time.Minute,
		logger:       logger,
		now:          time.Now,
	}
}

type issuanceContext struct {
	txn          *model.Transaction
	tenant       *model.Tenant
	customer     *model.Customer
	integrations map[string]model.FiscalIntegration
}

func (g *Gateway) load(ctx context.Context, tenantID, transactionID uuid.UUID) (*issuanceContext, error) {
	txn, err := g.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	return g.loadFor(ctx, txn)
}

func (g *Gateway) loadFor(ctx context.Context, txn *model.Transaction) (*issuanceContext, error) {
	tenant, err := g.store.Tenant(ctx, txn.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	var customer *model.Customer
	if txn.CustomerID != nil {
		customer, err = g.store.Customer(ctx, txn.TenantID, *txn.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("load customer: %w", err)
		}
	}

	rows, err := g.store.Integrations(ctx, txn.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load fiscal integrations: %w", err)
	}
	integrations := make(map[string]model.FiscalIntegration, len(rows))
	for _, row := range rows {
		integrations[row.Provider] = row
	}

	return &issuanceContext{txn: txn, tenant: tenant, customer: customer, integrations: integrations}, nil
}

// Issue obtains a fiscal document for the transaction, walking the provider
// order and falling back to a demonstration placeholder. A transaction that
// already has an invoice number is returned as stored with ErrAlreadyIssued.
// The transaction is claimed before any provider is called, so concurrent
// callers see ErrIssuanceInProgress instead of requesting a second document.
func (g *Gateway) Issue(ctx context.Context, tenantID, transactionID uuid.UUID) (*Result, error) {
	txn, err := g.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if err := issuable(txn); err != nil {
		return resultFromTransaction(txn), err
	}

	now := g.now()
	err = g.store.ClaimIssuance(ctx, store.IssuanceClaim{
		TransactionID: txn.ID,
		TenantID:      txn.TenantID,
		ClaimedAt:     now,
		StaleBefore:   now.Add(-g.claimTTL),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return g.claimLost(ctx, tenantID, transactionID)
		}
		return nil, fmt.Errorf("claim issuance: %w", err)
	}

	ic, err := g.loadFor(ctx, txn)
	if err != nil {
		g.release(ctx, txn)
		return nil, err
	}

	result := g.issueWithProviders(ctx, ic)
	if result == nil {
		result = g.demoResult(txn.ID)
	}

	rec := store.IssuanceRecord{
		TransactionID: txn.ID,
		TenantID:      txn.TenantID,
		Number:        result.InvoiceNumber,
		Key:           result.InvoiceKey,
		IntegrationID: result.IntegrationID,
		Provider:      result.Provider,
		Status:        result.Status,
		IssuedAt:      g.now(),
	}
	if err := g.store.RecordIssuance(ctx, rec); err != nil {
		g.logger.Error("failed to record issued invoice",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("provider", result.Provider),
			zap.String("invoice_number", result.InvoiceNumber),
			zap.String("integration_id", result.IntegrationID),
			zap.Error(err),
		)
		if errors.Is(err, store.ErrConflict) {
			return g.claimLost(ctx, tenantID, transactionID)
		}
		return nil, fmt.Errorf("record issuance: %w", err)
	}

	mode := "provider"
	if result.DemoMode {
		mode = "demo"
	}
	metrics.InvoicesIssued.WithLabelValues(mode).Inc()

	g.logger.Info("invoice recorded",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("provider", result.Provider),
		zap.Bool("demo_mode", result.DemoMode),
	)
	return result, nil
}

// issuable refuses transactions that already carry a number or whose invoice
// was rejected or cancelled before issuance.
func issuable(txn *model.Transaction) error {
	if txn.HasInvoiceNumber() {
		return ErrAlreadyIssued
	}
	if txn.InvoiceStatus != nil {
		switch *txn.InvoiceStatus {
		case model.InvoiceRejected, model.InvoiceCancelled:
			return ErrNotIssuable
		}
	}
	return nil
}

func (g *Gateway) claimLost(ctx context.Context, tenantID, transactionID uuid.UUID) (*Result, error) {
	current, err := g.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if err := issuable(current); err != nil {
		return resultFromTransaction(current), err
	}
	return nil, ErrIssuanceInProgress
}

func (g *Gateway) release(ctx context.Context, txn *model.Transaction) {
	if err := g.store.ReleaseIssuance(ctx, txn.TenantID, txn.ID); err != nil {
		g.logger.Warn("failed to release issuance claim",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
	}
}

func (g *Gateway) issueWithProviders(ctx context.Context, ic *issuanceContext) *Result {
	for _, name := range g.order {
		provider, ok := g.providers[name]
		if !ok {
			continue
		}
		integration, ok := ic.integrations[name]
		if !ok || integration.Status != model.IntegrationConnected {
			continue
		}

		req := g.buildRequest(ic, integration, ic.txn.Amount, ic.txn.Description)
		out, err := g.call(ctx, provider, func(ctx context.Context) (*ProviderResult, error) {
			return provider.Issue(ctx, req)
		})
		if err != nil {
			g.logger.Warn("fiscal provider failed, trying next",
				zap.String("provider", name),
				zap.String("transaction_id", ic.txn.ID.String()),
				zap.Error(err),
			)
			continue
		}

		number := out.Number
		if number == "" {
			number = out.IntegrationID
		}
		return &Result{
			TransactionID: ic.txn.ID,
			InvoiceNumber: number,
			InvoiceKey:    out.Key,
			Provider:      name,
			IntegrationID: out.IntegrationID,
			Status:        model.InvoiceProcessing,
			Message:       fmt.Sprintf("Invoice submitted to %s and awaiting authorization", name),
		}
	}
	return nil
}

func (g *Gateway) demoResult(transactionID uuid.UUID) *Result {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	number := fmt.Sprintf("DEMO-%s-%s", g.now().Format("20060102150405"), suffix)
	return &Result{
		TransactionID: transactionID,
		InvoiceNumber: number,
		Status:        model.InvoicePending,
		DemoMode:      true,
		Message:       fmt.Sprintf("Demonstration mode: no fiscal provider issued this invoice, %s is a placeholder without fiscal validity", number),
	}
}

// call runs one provider operation with the per-attempt timeout and the
// configured same-provider retries.
func (g *Gateway) call(ctx context.Context, provider Provider, fn func(context.Context) (*ProviderResult, error)) (*ProviderResult, error) {
	var result *ProviderResult
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		out, err := fn(callCtx)
		if err != nil {
			metrics.IssuanceAttempts.WithLabelValues(provider.Name(), "error").Inc()
			var perr *ProviderError
			if errors.As(err, &perr) && !perr.Retryable() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrSubstitutionUnsupported) {
				return backoff.Permanent(err)
			}
			return err
		}
		metrics.IssuanceAttempts.WithLabelValues(provider.Name(), "success").Inc()
		result = out
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.retryBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.retries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) buildRequest(ic *issuanceContext, integration model.FiscalIntegration, amount decimal.Decimal, description string) *Request {
	issRate := integration.ISSRate
	if !issRate.IsPositive() {
		issRate = tax.ISSRate(ic.tenant.TaxRegime)
	}
	serviceCode := integration.ServiceCode
	if serviceCode == "" {
		serviceCode = defaultServiceCode
	}

	req := &Request{
		Reference: ic.txn.ID.String(),
		Issuer: Party{
			Document:              ic.tenant.TaxID,
			Name:                  ic.tenant.Name,
			MunicipalRegistration: ic.tenant.MunicipalRegistration,
			CityCode:              ic.tenant.CityCode,
		},
		Service: ServiceLine{
			Code:        serviceCode,
			Description: description,
			Amount:      amount,
			ISSRate:     issRate,
		},
		OperationNature: defaultOperationNature,
	}
	if c := ic.customer; c != nil {
		req.Customer = Party{
			Document: c.Document,
			Name:     c.Name,
			Email:    c.Email,
			CityCode: c.CityCode,
		}
		if c.HasAddress() {
			req.Customer.Address = &Address{
				Street:     c.Street,
				Number:     c.Number,
				District:   c.District,
				CityCode:   c.CityCode,
				State:      c.State,
				PostalCode: c.PostalCode,
			}
		}
	}
	return req
}

// Substitute replaces an issued invoice through the provider that issued it.
// On acceptance the original is marked replaced and a successor transaction
// carrying the new document is created in one commit.
func (g *Gateway) Substitute(ctx context.Context, in SubstituteInput) (*Result, error) {
	if len(strings.TrimSpace(in.Reason)) < minReasonLength {
		return nil, ErrInvalidReason
	}

	ic, err := g.load(ctx, in.TenantID, in.TransactionID)
	if err != nil {
		return nil, err
	}
	original := ic.txn
	if !substitutable(original) {
		return nil, ErrNotSubstitutable
	}

	providerName := *original.InvoiceProvider
	provider, ok := g.providers[providerName]
	if !ok {
		return nil, ErrSubstitutionUnsupported
	}
	integration, ok := ic.integrations[providerName]
	if !ok {
		return nil, ErrNotSubstitutable
	}

	amount := original.Amount
	if in.Amount != nil {
		if !in.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: amount must be greater than zero", ErrNotSubstitutable)
		}
		amount = *in.Amount
	}
	description := original.Description
	if in.Description != nil && strings.TrimSpace(*in.Description) != "" {
		description = *in.Description
	}

	req := &SubstitutionRequest{
		Request:               *g.buildRequest(ic, integration, amount, description),
		OriginalIntegrationID: *original.InvoiceIntegrationID,
		Reason:                strings.TrimSpace(in.Reason),
	}
	out, err := g.call(ctx, provider, func(ctx context.Context) (*ProviderResult, error) {
		return provider.Substitute(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrSubstitutionUnsupported) {
			return nil, ErrSubstitutionUnsupported
		}
		g.logger.Warn("invoice substitution failed",
			zap.String("provider", providerName),
			zap.String("transaction_id", original.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: substitution rejected by %s", ErrProviderFailure, providerName)
	}

	successor := newSuccessor(original, amount, description, providerName, out, g.now())
	err = g.store.ReplaceTransaction(ctx, store.Substitution{
		OriginalID: original.ID,
		TenantID:   original.TenantID,
		Successor:  successor,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNotSubstitutable
		}
		return nil, fmt.Errorf("replace transaction: %w", err)
	}

	result := resultFromTransaction(successor)
	result.ReplacesID = &original.ID
	result.Message = fmt.Sprintf("Substitute invoice submitted to %s, original marked as replaced", providerName)
	return result, nil
}

func substitutable(txn *model.Transaction) bool {
	if txn.ReplacedByID != nil || txn.InvoiceStatus == nil || txn.InvoiceProvider == nil {
		return false
	}
	if txn.InvoiceIntegrationID == nil || *txn.InvoiceIntegrationID == "" {
		return false
	}
	return *txn.InvoiceStatus == model.InvoiceIssued || *txn.InvoiceStatus == model.InvoiceProcessing
}

func newSuccessor(original *model.Transaction, amount decimal.Decimal, description, provider string, out *ProviderResult, now time.Time) *model.Transaction {
	successor := *original
	successor.ID = uuid.New()
	successor.Amount = amount
	successor.NetAmount = tax.Compute(original.TaxRegime, amount).Net
	successor.Description = description
	successor.InvoiceStatus = model.InvoiceStatusPtr(model.InvoiceProcessing)
	successor.InvoiceIntegrationID = &out.IntegrationID
	successor.InvoiceProvider = &provider
	successor.InvoiceIssuedAt = &now
	successor.ReplacesID = &original.ID
	successor.ReplacedByID = nil
	successor.PaymentLink = nil
	successor.PaymentCode = nil
	successor.Version = 1
	successor.CreatedAt = time.Time{}
	successor.UpdatedAt = time.Time{}

	number := out.Number
	if number == "" {
		number = out.IntegrationID
	}
	successor.InvoiceNumber = &number
	if out.Key != "" {
		key := out.Key
		successor.InvoiceKey = &key
	} else {
		successor.InvoiceKey = nil
	}
	return &successor
}

// SyncStatus asks the issuing provider for the final state of a processing
// invoice and records it. Anything else is returned as stored.
func (g *Gateway) SyncStatus(ctx context.Context, tenantID, transactionID uuid.UUID) (*Result, error) {
	txn, err := g.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.InvoiceStatus == nil || *txn.InvoiceStatus != model.InvoiceProcessing ||
		txn.InvoiceProvider == nil || txn.InvoiceIntegrationID == nil {
		return resultFromTransaction(txn), nil
	}

	provider, ok := g.providers[*txn.InvoiceProvider]
	if !ok {
		return resultFromTransaction(txn), nil
	}

	integrationID := *txn.InvoiceIntegrationID
	out, err := g.call(ctx, provider, func(ctx context.Context) (*ProviderResult, error) {
		return provider.Status(ctx, integrationID)
	})
	if err != nil {
		g.logger.Warn("invoice status poll failed",
			zap.String("provider", provider.Name()),
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: status check with %s", ErrProviderFailure, provider.Name())
	}

	if out.Status == model.InvoiceProcessing {
		return resultFromTransaction(txn), nil
	}

	err = g.store.UpdateInvoiceStatus(ctx, store.InvoiceUpdate{
		TransactionID: txn.ID,
		TenantID:      txn.TenantID,
		From:          model.InvoiceProcessing,
		Status:        out.Status,
		Number:        out.Number,
		Key:           out.Key,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("update invoice status: %w", err)
	}

	current, err := g.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	return resultFromTransaction(current), nil
}

func resultFromTransaction(txn *model.Transaction) *Result {
	result := &Result{
		TransactionID: txn.ID,
		InvoiceNumber: deref(txn.InvoiceNumber),
		InvoiceKey:    deref(txn.InvoiceKey),
		Provider:      deref(txn.InvoiceProvider),
		IntegrationID: deref(txn.InvoiceIntegrationID),
		ReplacesID:    txn.ReplacesID,
	}
	if txn.InvoiceStatus != nil {
		result.Status = *txn.InvoiceStatus
	}
	result.DemoMode = result.Provider == "" && strings.HasPrefix(result.InvoiceNumber, "DEMO-")
	if result.DemoMode {
		result.Message = "Demonstration mode: this invoice is a placeholder without fiscal validity"
	} else if result.Provider != "" {
		result.Message = fmt.Sprintf("Invoice %s with %s", result.Status, result.Provider)
	}
	return result
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
