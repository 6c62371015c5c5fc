package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow/pkg/model"
)

func TestProjectRunway(t *testing.T) {
	today := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("balance stays positive", func(t *testing.T) {
		flows := []cashFlow{
			{DueDate: today.AddDate(0, 0, 3), Type: model.TransactionExpense, Amount: decimal.NewFromInt(400)},
			{DueDate: today.AddDate(0, 0, 5), Type: model.TransactionIncome, Amount: decimal.NewFromInt(200)},
		}

		runway, minBalance := projectRunway(decimal.NewFromInt(1000), flows, today)

		assert.Nil(t, runway)
		assert.True(t, minBalance.Equal(decimal.NewFromInt(600)), "min balance %s", minBalance)
	})

	t.Run("first negative day is the runway", func(t *testing.T) {
		flows := []cashFlow{
			{DueDate: today.AddDate(0, 0, 4), Type: model.TransactionExpense, Amount: decimal.NewFromInt(700)},
			{DueDate: today.AddDate(0, 0, 12), Type: model.TransactionExpense, Amount: decimal.NewFromInt(500)},
			{DueDate: today.AddDate(0, 0, 20), Type: model.TransactionExpense, Amount: decimal.NewFromInt(300)},
		}

		runway, minBalance := projectRunway(decimal.NewFromInt(1000), flows, today)

		require.NotNil(t, runway)
		assert.Equal(t, 12, *runway)
		assert.True(t, minBalance.Equal(decimal.NewFromInt(-500)), "min balance %s", minBalance)
	})

	t.Run("overdue flows settle today", func(t *testing.T) {
		flows := []cashFlow{
			{DueDate: today.AddDate(0, 0, -10), Type: model.TransactionExpense, Amount: decimal.NewFromInt(150)},
		}

		runway, _ := projectRunway(decimal.NewFromInt(100), flows, today)

		require.NotNil(t, runway)
		assert.Equal(t, 0, *runway)
	})

	t.Run("negative cash has no runway left", func(t *testing.T) {
		runway, minBalance := projectRunway(decimal.NewFromInt(-50), nil, today)

		require.NotNil(t, runway)
		assert.Equal(t, 0, *runway)
		assert.True(t, minBalance.Equal(decimal.NewFromInt(-50)))
	})
}
