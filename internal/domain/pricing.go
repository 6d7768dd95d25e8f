package domain

import "github.com/shopspring/decimal"

// CurrencyPlaces is the number of fractional digits kept for monetary amounts.
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds half-up to the cent. Amounts handled by checkout are non-negative, where
// decimal's half-away-from-zero rounding is half-up.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(CurrencyPlaces)
}

// Percent returns amount*percent/100 rounded to the cent.
func Percent(amount, percent decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(percent).Div(hundred))
}

// MinMoney returns the smaller of two amounts.
func MinMoney(a, b decimal.Decimal) decimal.Decimal {
	return decimal.Min(a, b)
}

// ParseMoney parses a decimal string such as "19.99" and rounds it to the cent.
func ParseMoney(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundMoney(value), nil
}

// PricingLine is a resolved line item fed into the pricing calculator.
type PricingLine struct {
	ProductID       string
	UnitPrice       decimal.Decimal
	Quantity        int
	DiscountPercent decimal.Decimal
}

// PricedLine captures per-line outputs of the pricing calculator.
type PricedLine struct {
	ProductID      string
	LineTotal      decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalPrice     decimal.Decimal
}

// PricingBreakdown is the full result of pricing a cart.
type PricingBreakdown struct {
	Totals OrderTotals
	Lines  []PricedLine
}
