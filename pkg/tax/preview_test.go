package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow/pkg/model"
)

func TestCompute(t *testing.T) {
	amount := decimal.NewFromInt(1000)

	t.Run("simples nacional is a single combined rate", func(t *testing.T) {
		preview := Compute(model.RegimeSimplesNacional, amount)
		require.Len(t, preview.Items, 1)
		assert.True(t, preview.TotalTaxes.Equal(decimal.NewFromInt(80)))
		assert.True(t, preview.Net.Equal(decimal.NewFromInt(920)))
		assert.True(t, preview.EffectiveRate.Equal(decimal.NewFromInt(8)))
	})

	t.Run("lucro presumido is itemized", func(t *testing.T) {
		preview := Compute(model.RegimeLucroPresumido, amount)
		require.Len(t, preview.Items, 5)
		assert.Equal(t, "ISS", preview.Items[0].Name)
		assert.True(t, preview.Items[0].Amount.Equal(decimal.NewFromInt(50)))
		assert.True(t, preview.TotalTaxes.Equal(decimal.RequireFromString("163.3")))
		assert.True(t, preview.Net.Equal(decimal.RequireFromString("836.7")))
	})

	t.Run("mei has no withheld taxes", func(t *testing.T) {
		preview := Compute(model.RegimeMEI, amount)
		assert.Empty(t, preview.Items)
		assert.True(t, preview.Net.Equal(amount))
		assert.True(t, preview.EffectiveRate.IsZero())
	})

	t.Run("unknown regime falls back to simples nacional", func(t *testing.T) {
		preview := Compute(model.TaxRegime("other"), amount)
		assert.Equal(t, model.RegimeSimplesNacional, preview.Regime)
	})
}

func TestISSRate(t *testing.T) {
	assert.True(t, ISSRate(model.RegimeSimplesNacional).Equal(decimal.NewFromInt(2)))
	assert.True(t, ISSRate(model.RegimeLucroReal).Equal(decimal.NewFromInt(5)))
	assert.True(t, ISSRate(model.RegimeMEI).IsZero())
}
