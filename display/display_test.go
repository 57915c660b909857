package display

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
)

func TestFormat(t *testing.T) {
	usd, err := New("usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", usd.Code())

	tests := []struct {
		amount string
		want   string
	}{
		{"1500", "$1,500.00"},
		{"0.5", "$0.50"},
		{"12.345", "$12.35"},
		{"-200", "-$200.00"},
		{"0", "$0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, usd.Format(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestFormat_ZeroFractionCurrency(t *testing.T) {
	jpy, err := New("JPY")
	require.NoError(t, err)

	assert.Equal(t, "¥1,500", jpy.Format(decimal.RequireFromString("1499.6")))
}

func TestSigned(t *testing.T) {
	usd, err := New("USD")
	require.NoError(t, err)

	assert.Equal(t, "+$500.00", usd.Signed(ledger.Entry{Kind: ledger.KindIncome, Amount: decimal.NewFromInt(500)}))
	assert.Equal(t, "-$200.00", usd.Signed(ledger.Entry{Kind: ledger.KindExpense, Amount: decimal.NewFromInt(200)}))
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("ZZZ")
	assert.Error(t, err)
}
