package firestore

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Monetary values are stored as decimal strings to avoid float rounding.

type productDocument struct {
	ID              string    `firestore:"id"`
	Name            string    `firestore:"name"`
	CategoryID      string    `firestore:"categoryId"`
	UnitPrice       string    `firestore:"unitPrice"`
	DiscountPercent string    `firestore:"discountPercent"`
	Stock           int       `firestore:"stock"`
	Active          bool      `firestore:"active"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func newProductDocument(p domain.Product) productDocument {
	return productDocument{
		ID:              p.ID,
		Name:            p.Name,
		CategoryID:      p.CategoryID,
		UnitPrice:       p.UnitPrice.String(),
		DiscountPercent: p.DiscountPercent.String(),
		Stock:           p.Stock,
		Active:          p.Active,
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain() domain.Product {
	return domain.Product{
		ID:              d.ID,
		Name:            d.Name,
		CategoryID:      d.CategoryID,
		UnitPrice:       parseDecimal(d.UnitPrice),
		DiscountPercent: parseDecimal(d.DiscountPercent),
		Stock:           d.Stock,
		Active:          d.Active,
		UpdatedAt:       d.UpdatedAt,
	}
}

type couponDocument struct {
	Code                 string     `firestore:"code"`
	Type                 string     `firestore:"type"`
	Value                string     `firestore:"value"`
	MinOrderAmount       string     `firestore:"minOrderAmount"`
	MaxDiscount          *string    `firestore:"maxDiscount"`
	UsageLimit           *int       `firestore:"usageLimit"`
	UserUsageLimit       *int       `firestore:"userUsageLimit"`
	UsedCount            int        `firestore:"usedCount"`
	Active               bool       `firestore:"active"`
	StartsAt             *time.Time `firestore:"startsAt"`
	ExpiresAt            *time.Time `firestore:"expiresAt"`
	ApplicableProducts   []string   `firestore:"applicableProducts"`
	ApplicableCategories []string   `firestore:"applicableCategories"`
	ExcludedProducts     []string   `firestore:"excludedProducts"`
	ExcludedCategories   []string   `firestore:"excludedCategories"`
	FirstTimeOnly        bool       `firestore:"firstTimeOnly"`
	NewCustomerOnly      bool       `firestore:"newCustomerOnly"`
	Description          string     `firestore:"description"`
	CreatedAt            time.Time  `firestore:"createdAt"`
	UpdatedAt            time.Time  `firestore:"updatedAt"`
}

func newCouponDocument(c domain.Coupon) couponDocument {
	var maxDiscount *string
	if c.MaxDiscount != nil {
		value := c.MaxDiscount.String()
		maxDiscount = &value
	}
	return couponDocument{
		Code:                 c.Code,
		Type:                 string(c.Type),
		Value:                c.Value.String(),
		MinOrderAmount:       c.MinOrderAmount.String(),
		MaxDiscount:          maxDiscount,
		UsageLimit:           c.UsageLimit,
		UserUsageLimit:       c.UserUsageLimit,
		UsedCount:            c.UsedCount,
		Active:               c.Active,
		StartsAt:             c.StartsAt,
		ExpiresAt:            c.ExpiresAt,
		ApplicableProducts:   c.ApplicableProducts,
		ApplicableCategories: c.ApplicableCategories,
		ExcludedProducts:     c.ExcludedProducts,
		ExcludedCategories:   c.ExcludedCategories,
		FirstTimeOnly:        c.FirstTimeOnly,
		NewCustomerOnly:      c.NewCustomerOnly,
		Description:          c.Description,
		CreatedAt:            c.CreatedAt.UTC(),
		UpdatedAt:            c.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain() domain.Coupon {
	var maxDiscount *decimal.Decimal
	if d.MaxDiscount != nil {
		value := parseDecimal(*d.MaxDiscount)
		maxDiscount = &value
	}
	return domain.Coupon{
		Code:                 d.Code,
		Type:                 domain.CouponType(d.Type),
		Value:                parseDecimal(d.Value),
		MinOrderAmount:       parseDecimal(d.MinOrderAmount),
		MaxDiscount:          maxDiscount,
		UsageLimit:           d.UsageLimit,
		UserUsageLimit:       d.UserUsageLimit,
		UsedCount:            d.UsedCount,
		Active:               d.Active,
		StartsAt:             d.StartsAt,
		ExpiresAt:            d.ExpiresAt,
		ApplicableProducts:   d.ApplicableProducts,
		ApplicableCategories: d.ApplicableCategories,
		ExcludedProducts:     d.ExcludedProducts,
		ExcludedCategories:   d.ExcludedCategories,
		FirstTimeOnly:        d.FirstTimeOnly,
		NewCustomerOnly:      d.NewCustomerOnly,
		Description:          d.Description,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

type redemptionDocument struct {
	UserID         string    `firestore:"userId"`
	Count          int       `firestore:"count"`
	OrderIDs       []string  `firestore:"orderIds"`
	LastRedeemedAt time.Time `firestore:"lastRedeemedAt"`
}

type orderNumberDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone"`
}

type totalsDocument struct {
	Subtotal       string `firestore:"subtotal"`
	ItemDiscount   string `firestore:"itemDiscount"`
	CouponDiscount string `firestore:"couponDiscount"`
	Discount       string `firestore:"discount"`
	Tax            string `firestore:"tax"`
	Shipping       string `firestore:"shipping"`
	Total          string `firestore:"total"`
}

type itemDocument struct {
	ProductID       string `firestore:"productId"`
	ProductName     string `firestore:"productName"`
	CategoryID      string `firestore:"categoryId"`
	UnitPrice       string `firestore:"unitPrice"`
	Quantity        int    `firestore:"quantity"`
	DiscountPercent string `firestore:"discountPercent"`
	LineTotal       string `firestore:"lineTotal"`
	DiscountAmount  string `firestore:"discountAmount"`
	FinalPrice      string `firestore:"finalPrice"`
}

type statusChangeDocument struct {
	From      string    `firestore:"from"`
	To        string    `firestore:"to"`
	ActorID   string    `firestore:"actorId"`
	Note      string    `firestore:"note"`
	ChangedAt time.Time `firestore:"changedAt"`
}

type orderDocument struct {
	ID                string                 `firestore:"id"`
	OrderNumber       string                 `firestore:"orderNumber"`
	UserID            string                 `firestore:"userId"`
	Status            string                 `firestore:"status"`
	PaymentStatus     string                 `firestore:"paymentStatus"`
	Currency          string                 `firestore:"currency"`
	Totals            totalsDocument         `firestore:"totals"`
	Items             []itemDocument         `firestore:"items"`
	ShippingAddress   addressDocument        `firestore:"shippingAddress"`
	BillingAddress    addressDocument        `firestore:"billingAddress"`
	PaymentMethod     string                 `firestore:"paymentMethod"`
	ShippingMethod    string                 `firestore:"shippingMethod"`
	CouponCode        *string                `firestore:"couponCode"`
	Notes             string                 `firestore:"notes"`
	PaymentReference  string                 `firestore:"paymentReference"`
	RefundedAmount    string                 `firestore:"refundedAmount"`
	TrackingNumber    string                 `firestore:"trackingNumber"`
	EstimatedDelivery *time.Time             `firestore:"estimatedDelivery"`
	StatusHistory     []statusChangeDocument `firestore:"statusHistory"`
	CreatedAt         time.Time              `firestore:"createdAt"`
	UpdatedAt         time.Time              `firestore:"updatedAt"`
	PaidAt            *time.Time             `firestore:"paidAt"`
	ShippedAt         *time.Time             `firestore:"shippedAt"`
	DeliveredAt       *time.Time             `firestore:"deliveredAt"`
	CancelledAt       *time.Time             `firestore:"cancelledAt"`
}

func newOrderDocument(o domain.Order) orderDocument {
	items := make([]itemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, itemDocument{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			CategoryID:      item.CategoryID,
			UnitPrice:       item.UnitPrice.String(),
			Quantity:        item.Quantity,
			DiscountPercent: item.DiscountPercent.String(),
			LineTotal:       item.LineTotal.String(),
			DiscountAmount:  item.DiscountAmount.String(),
			FinalPrice:      item.FinalPrice.String(),
		})
	}
	history := make([]statusChangeDocument, 0, len(o.StatusHistory))
	for _, change := range o.StatusHistory {
		history = append(history, statusChangeDocument{
			From:      string(change.From),
			To:        string(change.To),
			ActorID:   change.ActorID,
			Note:      change.Note,
			ChangedAt: change.ChangedAt.UTC(),
		})
	}
	return orderDocument{
		ID:            o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Currency:      o.Currency,
		Totals: totalsDocument{
			Subtotal:       o.Totals.Subtotal.String(),
			ItemDiscount:   o.Totals.ItemDiscount.String(),
			CouponDiscount: o.Totals.CouponDiscount.String(),
			Discount:       o.Totals.Discount.String(),
			Tax:            o.Totals.Tax.String(),
			Shipping:       o.Totals.Shipping.String(),
			Total:          o.Totals.Total.String(),
		},
		Items:             items,
		ShippingAddress:   encodeAddress(o.ShippingAddress),
		BillingAddress:    encodeAddress(o.BillingAddress),
		PaymentMethod:     o.PaymentMethod,
		ShippingMethod:    o.ShippingMethod,
		CouponCode:        o.CouponCode,
		Notes:             o.Notes,
		PaymentReference:  o.PaymentReference,
		RefundedAmount:    o.RefundedAmount.String(),
		TrackingNumber:    o.TrackingNumber,
		EstimatedDelivery: o.EstimatedDelivery,
		StatusHistory:     history,
		CreatedAt:         o.CreatedAt.UTC(),
		UpdatedAt:         o.UpdatedAt.UTC(),
		PaidAt:            o.PaidAt,
		ShippedAt:         o.ShippedAt,
		DeliveredAt:       o.DeliveredAt,
		CancelledAt:       o.CancelledAt,
	}
}

func (d orderDocument) toDomain() domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderItem{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			CategoryID:      item.CategoryID,
			UnitPrice:       parseDecimal(item.UnitPrice),
			Quantity:        item.Quantity,
			DiscountPercent: parseDecimal(item.DiscountPercent),
			LineTotal:       parseDecimal(item.LineTotal),
			DiscountAmount:  parseDecimal(item.DiscountAmount),
			FinalPrice:      parseDecimal(item.FinalPrice),
		})
	}
	history := make([]domain.OrderStatusChange, 0, len(d.StatusHistory))
	for _, change := range d.StatusHistory {
		history = append(history, domain.OrderStatusChange{
			From:      domain.OrderStatus(change.From),
			To:        domain.OrderStatus(change.To),
			ActorID:   change.ActorID,
			Note:      change.Note,
			ChangedAt: change.ChangedAt,
		})
	}
	return domain.Order{
		ID:            d.ID,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		Currency:      d.Currency,
		Totals: domain.OrderTotals{
			Subtotal:       parseDecimal(d.Totals.Subtotal),
			ItemDiscount:   parseDecimal(d.Totals.ItemDiscount),
			CouponDiscount: parseDecimal(d.Totals.CouponDiscount),
			Discount:       parseDecimal(d.Totals.Discount),
			Tax:            parseDecimal(d.Totals.Tax),
			Shipping:       parseDecimal(d.Totals.Shipping),
			Total:          parseDecimal(d.Totals.Total),
		},
		Items:             items,
		ShippingAddress:   d.ShippingAddress.toDomain(),
		BillingAddress:    d.BillingAddress.toDomain(),
		PaymentMethod:     d.PaymentMethod,
		ShippingMethod:    d.ShippingMethod,
		CouponCode:        d.CouponCode,
		Notes:             d.Notes,
		PaymentReference:  d.PaymentReference,
		RefundedAmount:    parseDecimal(d.RefundedAmount),
		TrackingNumber:    d.TrackingNumber,
		EstimatedDelivery: d.EstimatedDelivery,
		StatusHistory:     history,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		PaidAt:            d.PaidAt,
		ShippedAt:         d.ShippedAt,
		DeliveredAt:       d.DeliveredAt,
		CancelledAt:       d.CancelledAt,
	}
}

func encodeAddress(a domain.Address) addressDocument {
	return addressDocument{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

// parseDecimal treats empty or malformed stored values as zero.
func parseDecimal(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return parsed
}
