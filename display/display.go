// Package display renders ledger amounts for people. It never changes
// stored values; amounts are rounded to the currency's minor unit only in
// the returned string.
package display

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-ledger/ledger"
)

type Formatter struct {
	currency *money.Currency
}

// New returns a formatter for an ISO 4217 code such as "USD".
func New(code string) (*Formatter, error) {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(code)))
	if cur == nil {
		return nil, fmt.Errorf("unknown currency %q", code)
	}
	return &Formatter{currency: cur}, nil
}

func (f *Formatter) Code() string { return f.currency.Code }

// Format renders amount with the currency's symbol and separators,
// e.g. 1500 USD -> "$1,500.00".
func (f *Formatter) Format(amount decimal.Decimal) string {
	fraction := int32(f.currency.Fraction)
	minor := amount.Round(fraction).Shift(fraction)
	return f.currency.Formatter().Format(minor.IntPart())
}

// Signed renders an entry amount with the sign of its kind,
// e.g. "+$500.00" for income and "-$200.00" for expense.
func (f *Formatter) Signed(e ledger.Entry) string {
	if e.Kind == ledger.KindIncome {
		return "+" + f.Format(e.Amount)
	}
	return f.Format(e.Amount.Neg())
}
