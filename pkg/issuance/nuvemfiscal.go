package issuance

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/model"
)

const ProviderNuvemFiscal = "nuvemfiscal"

type NuvemFiscal struct {
	client *resty.Client
}

func NewNuvemFiscal(cfg config.ProviderConfig) *NuvemFiscal {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json")
	return &NuvemFiscal{client: client}
}

func (p *NuvemFiscal) Name() string { return ProviderNuvemFiscal }

type nuvemAddress struct {
	Street     string `json:"xLgr"`
	Number     string `json:"nro"`
	District   string `json:"xBairro"`
	CityCode   string `json:"cMun"`
	State      string `json:"UF,omitempty"`
	PostalCode string `json:"CEP"`
}

type nuvemParty struct {
	Document              string        `json:"CNPJ,omitempty"`
	Name                  string        `json:"xNome,omitempty"`
	Email                 string        `json:"email,omitempty"`
	MunicipalRegistration string        `json:"IM,omitempty"`
	Address               *nuvemAddress `json:"end,omitempty"`
}

type nuvemService struct {
	Code        string `json:"cTribNac"`
	Description string `json:"xDescServ"`
	CityCode    string `json:"cLocPrestacao"`
}

type nuvemValues struct {
	Amount  string `json:"vServ"`
	ISSRate string `json:"pAliq"`
}

type nuvemSubstitution struct {
	OriginalKey string `json:"chSubstda"`
	Reason      string `json:"xMotivo"`
}

type nuvemDPS struct {
	Issued       string             `json:"dhEmi"`
	Issuer       nuvemParty         `json:"prest"`
	Customer     nuvemParty         `json:"toma"`
	Service      nuvemService       `json:"serv"`
	Values       nuvemValues        `json:"valores"`
	Nature       string             `json:"natOp,omitempty"`
	Substitution *nuvemSubstitution `json:"subst,omitempty"`
}

type nuvemRequest struct {
	Environment string   `json:"ambiente"`
	Reference   string   `json:"referencia"`
	DPS         nuvemDPS `json:"infDPS"`
}

type nuvemResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Number      string `json:"numero"`
	AccessKey   string `json:"chave_acesso"`
	CitySupport *bool  `json:"city_support"`
}

type nuvemError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	CitySupport *bool `json:"city_support"`
}

func (p *NuvemFiscal) Issue(ctx context.Context, req *Request) (*ProviderResult, error) {
	return p.send(ctx, p.buildRequest(req, nil))
}

func (p *NuvemFiscal) Substitute(ctx context.Context, req *SubstitutionRequest) (*ProviderResult, error) {
	return p.send(ctx, p.buildRequest(&req.Request, &nuvemSubstitution{
		OriginalKey: req.OriginalIntegrationID,
		Reason:      req.Reason,
	}))
}

func (p *NuvemFiscal) Status(ctx context.Context, integrationID string) (*ProviderResult, error) {
	var out nuvemResponse
	var apiErr nuvemError
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/nfse/" + integrationID)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderNuvemFiscal, Err: err}
	}
	if resp.IsError() {
		return nil, &ProviderError{Provider: ProviderNuvemFiscal, StatusCode: resp.StatusCode(), Message: apiErr.Error.Message}
	}
	return p.normalize(&out), nil
}

func (p *NuvemFiscal) buildRequest(req *Request, subst *nuvemSubstitution) *nuvemRequest {
	customer := nuvemParty{
		Document: req.Customer.Document,
		Name:     req.Customer.Name,
		Email:    req.Customer.Email,
	}
	if addr := req.Customer.Address; addr != nil {
		customer.Address = &nuvemAddress{
			Street:     addr.Street,
			Number:     addr.Number,
			District:   addr.District,
			CityCode:   addr.CityCode,
			State:      addr.State,
			PostalCode: addr.PostalCode,
		}
	}

	return &nuvemRequest{
		Environment: "producao",
		Reference:   req.Reference,
		DPS: nuvemDPS{
			Issued: time.Now().Format(time.RFC3339),
			Issuer: nuvemParty{
				Document:              req.Issuer.Document,
				MunicipalRegistration: req.Issuer.MunicipalRegistration,
			},
			Customer: customer,
			Service: nuvemService{
				Code:        req.Service.Code,
				Description: req.Service.Description,
				CityCode:    req.Issuer.CityCode,
			},
			Values: nuvemValues{
				Amount:  req.Service.Amount.StringFixed(2),
				ISSRate: req.Service.ISSRate.StringFixed(2),
			},
			Nature:       req.OperationNature,
			Substitution: subst,
		},
	}
}

func (p *NuvemFiscal) send(ctx context.Context, body *nuvemRequest) (*ProviderResult, error) {
	var out nuvemResponse
	var apiErr nuvemError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/nfse/dps")
	if err != nil {
		return nil, &ProviderError{Provider: ProviderNuvemFiscal, Err: err}
	}

	if body.DPS.Substitution != nil && (isFalse(out.CitySupport) || isFalse(apiErr.CitySupport)) {
		return nil, ErrSubstitutionUnsupported
	}
	if resp.IsError() {
		message := apiErr.Error.Message
		if message == "" {
			message = resp.Status()
		}
		return nil, &ProviderError{Provider: ProviderNuvemFiscal, StatusCode: resp.StatusCode(), Message: message}
	}
	if out.ID == "" {
		return nil, &ProviderError{Provider: ProviderNuvemFiscal, Message: "response carries no document id"}
	}
	return p.normalize(&out), nil
}

func (p *NuvemFiscal) normalize(out *nuvemResponse) *ProviderResult {
	return &ProviderResult{
		Number:        out.Number,
		Key:           out.AccessKey,
		IntegrationID: out.ID,
		Status:        nuvemStatus(out.Status),
	}
}

func nuvemStatus(status string) model.InvoiceStatus {
	switch status {
	case "autorizada":
		return model.InvoiceIssued
	case "negada", "erro", "rejeitada":
		return model.InvoiceRejected
	case "cancelada":
		return model.InvoiceCancelled
	case "substituida":
		return model.InvoiceReplaced
	default:
		return model.InvoiceProcessing
	}
}

func isFalse(value *bool) bool {
	return value != nil && !*value
}

var _ Provider = (*NuvemFiscal)(nil)
