package issuance

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/model"
)

const ProviderFocusNFe = "focusnfe"

// FocusNFe keys documents by our own reference, so the integration id is the
// reference sent on issue. It has no substitution endpoint.
type FocusNFe struct {
	client *resty.Client
}

func NewFocusNFe(cfg config.ProviderConfig) *FocusNFe {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.Token, "").
		SetHeader("Content-Type", "application/json")
	return &FocusNFe{client: client}
}

func (p *FocusNFe) Name() string { return ProviderFocusNFe }

type focusAddress struct {
	Street     string `json:"logradouro"`
	Number     string `json:"numero"`
	District   string `json:"bairro"`
	CityCode   string `json:"codigo_municipio"`
	State      string `json:"uf,omitempty"`
	PostalCode string `json:"cep"`
}

type focusIssuer struct {
	Document              string `json:"cnpj"`
	MunicipalRegistration string `json:"inscricao_municipal,omitempty"`
	CityCode              string `json:"codigo_municipio"`
}

type focusCustomer struct {
	Document string        `json:"cnpj,omitempty"`
	Name     string        `json:"razao_social"`
	Email    string        `json:"email,omitempty"`
	Address  *focusAddress `json:"endereco,omitempty"`
}

type focusService struct {
	Amount      string `json:"valor_servicos"`
	ISSRate     string `json:"aliquota"`
	Description string `json:"discriminacao"`
	Code        string `json:"item_lista_servico"`
	CityCode    string `json:"codigo_municipio"`
	ISSWithheld bool   `json:"iss_retido"`
}

type focusRequest struct {
	IssuedAt string        `json:"data_emissao"`
	Nature   string        `json:"natureza_operacao,omitempty"`
	Issuer   focusIssuer   `json:"prestador"`
	Customer focusCustomer `json:"tomador"`
	Service  focusService  `json:"servico"`
}

type focusResponse struct {
	Reference        string `json:"ref"`
	Status           string `json:"status"`
	Number           string `json:"numero"`
	VerificationCode string `json:"codigo_verificacao"`
}

type focusError struct {
	Code    string `json:"codigo"`
	Message string `json:"mensagem"`
}

func (p *FocusNFe) Issue(ctx context.Context, req *Request) (*ProviderResult, error) {
	body := focusRequest{
		IssuedAt: time.Now().Format(time.RFC3339),
		Nature:   req.OperationNature,
		Issuer: focusIssuer{
			Document:              req.Issuer.Document,
			MunicipalRegistration: req.Issuer.MunicipalRegistration,
			CityCode:              req.Issuer.CityCode,
		},
		Customer: focusCustomer{
			Document: req.Customer.Document,
			Name:     req.Customer.Name,
			Email:    req.Customer.Email,
		},
		Service: focusService{
			Amount:      req.Service.Amount.StringFixed(2),
			ISSRate:     req.Service.ISSRate.StringFixed(2),
			Description: req.Service.Description,
			Code:        req.Service.Code,
			CityCode:    req.Issuer.CityCode,
		},
	}
	if addr := req.Customer.Address; addr != nil {
		body.Customer.Address = &focusAddress{
			Street:     addr.Street,
			Number:     addr.Number,
			District:   addr.District,
			CityCode:   addr.CityCode,
			State:      addr.State,
			PostalCode: addr.PostalCode,
		}
	}

	var out focusResponse
	var apiErr focusError
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("ref", req.Reference).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v2/nfse")
	if err != nil {
		return nil, &ProviderError{Provider: ProviderFocusNFe, Err: err}
	}
	if resp.IsError() {
		message := apiErr.Message
		if message == "" {
			message = resp.Status()
		}
		return nil, &ProviderError{Provider: ProviderFocusNFe, StatusCode: resp.StatusCode(), Message: message}
	}

	reference := out.Reference
	if reference == "" {
		reference = req.Reference
	}
	return &ProviderResult{
		Number:        out.Number,
		Key:           out.VerificationCode,
		IntegrationID: reference,
		Status:        focusStatus(out.Status),
	}, nil
}

func (p *FocusNFe) Substitute(ctx context.Context, req *SubstitutionRequest) (*ProviderResult, error) {
	return nil, ErrSubstitutionUnsupported
}

func (p *FocusNFe) Status(ctx context.Context, integrationID string) (*ProviderResult, error) {
	var out focusResponse
	var apiErr focusError
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v2/nfse/" + integrationID)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderFocusNFe, Err: err}
	}
	if resp.IsError() {
		return nil, &ProviderError{Provider: ProviderFocusNFe, StatusCode: resp.StatusCode(), Message: apiErr.Message}
	}
	return &ProviderResult{
		Number:        out.Number,
		Key:           out.VerificationCode,
		IntegrationID: integrationID,
		Status:        focusStatus(out.Status),
	}, nil
}

func focusStatus(status string) model.InvoiceStatus {
	switch status {
	case "autorizado":
		return model.InvoiceIssued
	case "erro_autorizacao":
		return model.InvoiceRejected
	case "cancelado":
		return model.InvoiceCancelled
	default:
		return model.InvoiceProcessing
	}
}

var _ Provider = (*FocusNFe)(nil)
