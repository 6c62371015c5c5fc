package tax

import (
	"github.com/shopspring/decimal"

	"github.com/finflow/finflow/pkg/model"
)

// Item is one tax line of a preview.
type Item struct {
	Name   string          `json:"name"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// Preview is the tax estimate shown before a billing transaction is created.
// Net is the gross amount minus every withheld item.
type Preview struct {
	Regime        model.TaxRegime `json:"regime"`
	Gross         decimal.Decimal `json:"gross"`
	Items         []Item          `json:"items"`
	TotalTaxes    decimal.Decimal `json:"total_taxes"`
	Net           decimal.Decimal `json:"net"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
}

type rate struct {
	name    string
	percent string
}

var regimeRates = map[model.TaxRegime][]rate{
	model.RegimeSimplesNacional: {
		{name: "DAS", percent: "8"},
	},
	model.RegimeLucroPresumido: {
		{name: "ISS", percent: "5"},
		{name: "PIS", percent: "0.65"},
		{name: "COFINS", percent: "3"},
		{name: "IRPJ", percent: "4.8"},
		{name: "CSLL", percent: "2.88"},
	},
	model.RegimeLucroReal: {
		{name: "ISS", percent: "5"},
		{name: "PIS", percent: "1.65"},
		{name: "COFINS", percent: "7.6"},
	},
	model.RegimeMEI: {},
}

var issRates = map[model.TaxRegime]string{
	model.RegimeSimplesNacional: "2",
	model.RegimeLucroPresumido:  "5",
	model.RegimeLucroReal:       "5",
	model.RegimeMEI:             "0",
}

var hundred = decimal.NewFromInt(100)

// Compute applies the regime's fixed rate table to amount. Unknown regimes
// are previewed as simples nacional.
func Compute(regime model.TaxRegime, amount decimal.Decimal) Preview {
	rates, ok := regimeRates[regime]
	if !ok {
		regime = model.RegimeSimplesNacional
		rates = regimeRates[regime]
	}

	preview := Preview{
		Regime:     regime,
		Gross:      amount,
		Items:      make([]Item, 0, len(rates)),
		TotalTaxes: decimal.Zero,
	}
	for _, r := range rates {
		percent := decimal.RequireFromString(r.percent)
		value := amount.Mul(percent).Div(hundred).Round(2)
		preview.Items = append(preview.Items, Item{Name: r.name, Rate: percent, Amount: value})
		preview.TotalTaxes = preview.TotalTaxes.Add(value)
	}
	preview.Net = amount.Sub(preview.TotalTaxes)
	if amount.IsPositive() {
		preview.EffectiveRate = preview.TotalTaxes.Div(amount).Mul(hundred).Round(2)
	}
	return preview
}

// ISSRate is the municipal service tax percentage sent to fiscal providers
// when the tenant's integration does not override it.
func ISSRate(regime model.TaxRegime) decimal.Decimal {
	percent, ok := issRates[regime]
	if !ok {
		percent = issRates[model.RegimeSimplesNacional]
	}
	return decimal.RequireFromString(percent)
}
