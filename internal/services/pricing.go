package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

type pricingCalculator struct{}

// NewPricingCalculator returns the fixed-point pricing calculator.
func NewPricingCalculator() PricingCalculator {
	return pricingCalculator{}
}

// Price rounds every derived field half-up to the cent before it feeds the next one.
func (pricingCalculator) Price(input PricingInput) domain.PricingBreakdown {
	subtotal := decimal.Zero
	itemDiscount := decimal.Zero
	lines := make([]domain.PricedLine, 0, len(input.Lines))

	for _, line := range input.Lines {
		qty := line.Quantity
		if qty < 0 {
			qty = 0
		}
		lineTotal := domain.RoundMoney(line.UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
		discount := decimal.Zero
		if line.DiscountPercent.IsPositive() {
			discount = domain.MinMoney(domain.Percent(lineTotal, line.DiscountPercent), lineTotal)
		}
		lines = append(lines, domain.PricedLine{
			ProductID:      line.ProductID,
			LineTotal:      lineTotal,
			DiscountAmount: discount,
			FinalPrice:     lineTotal.Sub(discount),
		})
		subtotal = subtotal.Add(lineTotal)
		itemDiscount = itemDiscount.Add(discount)
	}

	taxable := subtotal.Sub(itemDiscount)
	tax := decimal.Zero
	if input.TaxRate.IsPositive() {
		tax = domain.RoundMoney(taxable.Mul(input.TaxRate))
	}

	shipping := domain.RoundMoney(nonNegative(input.Shipping))
	coupon := domain.MinMoney(domain.RoundMoney(nonNegative(input.CouponDiscount)), taxable)

	return domain.PricingBreakdown{
		Totals: domain.OrderTotals{
			Subtotal:       subtotal,
			ItemDiscount:   itemDiscount,
			CouponDiscount: coupon,
			Discount:       itemDiscount.Add(coupon),
			Tax:            tax,
			Shipping:       shipping,
			Total:          taxable.Add(tax).Add(shipping).Sub(coupon),
		},
		Lines: lines,
	}
}

func nonNegative(amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}
