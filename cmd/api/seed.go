package main

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

// seedLocalCatalog loads a small catalog so a memory-backed instance can take orders immediately.
func seedLocalCatalog(store *memory.Store, now time.Time) {
	products := []domain.Product{
		{ID: "prod_walnut_stamp", Name: "Walnut Stamp", CategoryID: "stamps", UnitPrice: decimal.RequireFromString("42.00"), Stock: 50, Active: true},
		{ID: "prod_jade_stamp", Name: "Jade Stamp", CategoryID: "stamps", UnitPrice: decimal.RequireFromString("128.00"), DiscountPercent: decimal.RequireFromString("10"), Stock: 10, Active: true},
		{ID: "prod_ink_pad", Name: "Vermilion Ink Pad", CategoryID: "accessories", UnitPrice: decimal.RequireFromString("12.50"), Stock: 200, Active: true},
		{ID: "prod_retired_case", Name: "Leather Case", CategoryID: "accessories", UnitPrice: decimal.RequireFromString("30.00"), Stock: 5, Active: false},
	}
	for _, product := range products {
		product.UpdatedAt = now
		store.PutProduct(product)
	}

	maxDiscount := decimal.RequireFromString("25.00")
	perUser := 1
	expires := now.AddDate(0, 3, 0)
	coupons := []domain.Coupon{
		{Code: "WELCOME10", Type: domain.CouponTypePercentage, Value: decimal.RequireFromString("10"), MaxDiscount: &maxDiscount, UserUsageLimit: &perUser, NewCustomerOnly: true, Active: true, Description: "10% off a first order"},
		{Code: "SAVE5", Type: domain.CouponTypeFixed, Value: decimal.RequireFromString("5.00"), MinOrderAmount: decimal.RequireFromString("30.00"), ExpiresAt: &expires, Active: true, Description: "5 off orders over 30"},
		{Code: "SHIPFREE", Type: domain.CouponTypeFreeShipping, ApplicableCategories: []string{"stamps"}, Active: true, Description: "Free shipping on stamps"},
	}
	for _, coupon := range coupons {
		coupon.CreatedAt = now
		coupon.UpdatedAt = now
		store.PutCoupon(coupon)
	}
}
