package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// pricedCart is the outcome of steps one to four: products resolved, coupon checked, totals final.
type pricedCart struct {
	lines        []domain.CartLine
	products     []domain.Product
	breakdown    domain.PricingBreakdown
	coupon       *CouponOutcome
	freeShipping bool
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	started := time.Now()
	order, err := s.createOrder(ctx, cmd)
	if err != nil {
		s.metrics.recordRejected(ctx, started, rejectionLabel(err))
		return domain.Order{}, err
	}
	s.metrics.recordCreated(ctx, started, order.CouponCode != nil)
	return order, nil
}

func (s *orderService) createOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	lines, err := normaliseOrderLines(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}
	shippingAddress, err := validateAddress("shipping", cmd.ShippingAddress)
	if err != nil {
		return domain.Order{}, err
	}
	billingAddress, err := validateAddress("billing", cmd.BillingAddress)
	if err != nil {
		return domain.Order{}, err
	}
	paymentMethod := strings.TrimSpace(cmd.PaymentMethod)
	if paymentMethod == "" {
		return domain.Order{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}
	shippingMethod := normaliseShippingMethod(cmd.ShippingMethod)
	if _, ok := s.settings.ShippingRates[shippingMethod]; !ok {
		return domain.Order{}, fmt.Errorf("%w: unknown shipping method %q", ErrOrderInvalidInput, cmd.ShippingMethod)
	}

	cart, err := s.priceCart(ctx, userID, lines, shippingMethod, cmd.CouponCode)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.inventory.ReserveLines(ctx, lines); err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		Currency:        s.settings.Currency,
		Totals:          cart.breakdown.Totals,
		Items:           buildOrderItems(cart),
		ShippingAddress: shippingAddress,
		BillingAddress:  billingAddress,
		PaymentMethod:   paymentMethod,
		ShippingMethod:  shippingMethod,
		Notes:           sanitizeText(optionalString(cmd.Notes)),
		StatusHistory: []domain.OrderStatusChange{{
			To:        domain.OrderStatusPending,
			ActorID:   userID,
			ChangedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var redemption *domain.CouponRedemption
	if cart.coupon != nil {
		order.CouponCode = valuePtr(cart.coupon.Coupon.Code)
		redemption = &domain.CouponRedemption{Code: cart.coupon.Coupon.Code, UserID: userID, RedeemedAt: now}
	}

	if err := s.persistOrder(ctx, &order, redemption); err != nil {
		s.releaseAfterFailure(ctx, lines, err)
		return domain.Order{}, err
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"userId":      userID,
		"total":       order.Totals.Total.StringFixed(domain.CurrencyPlaces),
		"lines":       len(order.Items),
	})

	event := orderEvent(orderEventCreated, order, "", userID, now)
	event.Metadata = map[string]any{
		"total":    order.Totals.Total.StringFixed(domain.CurrencyPlaces),
		"currency": order.Currency,
	}
	if order.CouponCode != nil {
		event.Metadata["coupon"] = *order.CouponCode
	}
	s.publishEvent(ctx, event)

	return order, nil
}

// persistOrder inserts the order with a fresh id and order number, retrying number collisions.
func (s *orderService) persistOrder(ctx context.Context, order *domain.Order, redemption *domain.CouponRedemption) error {
	var lastErr error
	for attempt := 0; attempt < orderCreateAttempts; attempt++ {
		order.ID = s.nextOrderID()
		order.OrderNumber = s.nextOrderNumber(order.CreatedAt)
		if redemption != nil {
			redemption.OrderID = order.ID
		}

		err := s.orders.Create(ctx, *order, redemption)
		if err == nil {
			return nil
		}

		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			switch couponErr.Code {
			case repositories.CouponErrorExhausted:
				return rejectCoupon(couponErr.Coupon, CouponUsageExceeded, "coupon usage limit reached")
			default:
				return rejectCoupon(couponErr.Coupon, CouponNotApplicable, "coupon is no longer available")
			}
		}

		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			s.logger(ctx, "order.number.collision", map[string]any{
				"orderNumber": order.OrderNumber,
				"attempt":     attempt + 1,
			})
			lastErr = err
			continue
		}
		return s.mapRepositoryError(err)
	}
	return fmt.Errorf("%w: order number collisions exhausted retries: %v", ErrOrderUnavailable, lastErr)
}

func (s *orderService) releaseAfterFailure(ctx context.Context, lines []domain.CartLine, cause error) {
	// The caller's context may be the reason persistence failed.
	releaseCtx := context.WithoutCancel(ctx)
	if err := s.inventory.ReleaseLines(releaseCtx, lines); err != nil {
		s.logger(ctx, "order.inventory.release.failed", map[string]any{
			"cause": cause.Error(),
			"error": err.Error(),
		})
	}
}

func (s *orderService) QuoteCart(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Quote{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	lines, err := normaliseOrderLines(cmd.Items)
	if err != nil {
		return Quote{}, err
	}
	shippingMethod := normaliseShippingMethod(cmd.ShippingMethod)
	if _, ok := s.settings.ShippingRates[shippingMethod]; !ok {
		return Quote{}, fmt.Errorf("%w: unknown shipping method %q", ErrOrderInvalidInput, cmd.ShippingMethod)
	}

	cart, err := s.priceCart(ctx, userID, lines, shippingMethod, cmd.CouponCode)
	if err != nil {
		return Quote{}, err
	}

	quote := Quote{
		Totals:       cart.breakdown.Totals,
		Items:        buildOrderItems(cart),
		FreeShipping: cart.freeShipping,
		Currency:     s.settings.Currency,
	}
	if cart.coupon != nil {
		quote.CouponCode = valuePtr(cart.coupon.Coupon.Code)
	}
	return quote, nil
}

// priceCart loads products, runs pricing without the coupon, validates the coupon against that
// subtotal, and prices again with the discount applied.
func (s *orderService) priceCart(ctx context.Context, userID string, lines []domain.CartLine, shippingMethod string, couponCode *string) (pricedCart, error) {
	products, err := s.loadProducts(ctx, lines)
	if err != nil {
		return pricedCart{}, err
	}

	pricingLines := make([]domain.PricingLine, len(lines))
	couponItems := make([]CouponCartItem, len(lines))
	for i, line := range lines {
		pricingLines[i] = domain.PricingLine{
			ProductID:       line.ProductID,
			UnitPrice:       products[i].UnitPrice,
			Quantity:        line.Quantity,
			DiscountPercent: products[i].DiscountPercent,
		}
		couponItems[i] = CouponCartItem{ProductID: line.ProductID, CategoryID: products[i].CategoryID}
	}

	shipping := s.settings.ShippingRates[shippingMethod]
	first := s.pricing.Price(PricingInput{
		Lines:    pricingLines,
		Shipping: shipping,
		TaxRate:  s.settings.TaxRate,
	})

	cart := pricedCart{lines: lines, products: products, breakdown: first}
	code := optionalString(couponCode)
	if code == "" {
		return cart, nil
	}

	completed, err := s.orders.CountCompletedByUser(ctx, userID)
	if err != nil {
		return pricedCart{}, s.mapRepositoryError(err)
	}
	outcome, err := s.coupons.Validate(ctx, CouponCheck{
		Code:            code,
		Subtotal:        first.Totals.Subtotal,
		Items:           couponItems,
		UserID:          userID,
		CompletedOrders: completed,
	})
	if err != nil {
		return pricedCart{}, err
	}
	if outcome.FreeShipping {
		shipping = decimal.Zero
	}

	cart.coupon = &outcome
	cart.freeShipping = outcome.FreeShipping
	cart.breakdown = s.pricing.Price(PricingInput{
		Lines:          pricingLines,
		CouponDiscount: outcome.Discount,
		Shipping:       shipping,
		TaxRate:        s.settings.TaxRate,
	})
	return cart, nil
}

// loadProducts resolves every line concurrently and reports the failure of the earliest line.
func (s *orderService) loadProducts(ctx context.Context, lines []domain.CartLine) ([]domain.Product, error) {
	products := make([]domain.Product, len(lines))
	errs := make([]error, len(lines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(productLoadLimit)
	for i, line := range lines {
		g.Go(func() error {
			product, err := s.products.FindByID(gctx, line.ProductID)
			if err != nil {
				var repoErr repositories.RepositoryError
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					errs[i] = fmt.Errorf("%w: %s", ErrProductNotFound, line.ProductID)
				} else {
					errs[i] = s.mapRepositoryError(err)
				}
				return errs[i]
			}
			if !product.Active {
				errs[i] = fmt.Errorf("%w: %s", ErrProductInactive, line.ProductID)
				return errs[i]
			}
			products[i] = product
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, lineErr := range errs {
			// Cancellation noise from sibling lookups never masks the real failure.
			if lineErr != nil && !errors.Is(lineErr, context.Canceled) {
				return nil, lineErr
			}
		}
		return nil, err
	}
	return products, nil
}

// normaliseOrderLines validates the request and merges duplicate products, keeping first-seen order.
func normaliseOrderLines(items []domain.CartLine) ([]domain.CartLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	index := make(map[string]int, len(items))
	lines := make([]domain.CartLine, 0, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: items[%d].productId is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: items[%d].quantity must be at least 1", ErrOrderInvalidInput, i)
		}
		if pos, ok := index[id]; ok {
			lines[pos].Quantity += item.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, domain.CartLine{ProductID: id, Quantity: item.Quantity})
	}
	return lines, nil
}

func validateAddress(kind string, addr *domain.Address) (domain.Address, error) {
	if addr == nil {
		return domain.Address{}, fmt.Errorf("%w: %s address is required", ErrOrderInvalidInput, kind)
	}
	out := domain.Address{
		Recipient:  sanitizeText(addr.Recipient),
		Line1:      sanitizeText(addr.Line1),
		Line2:      trimmedPtr(addr.Line2),
		City:       sanitizeText(addr.City),
		State:      trimmedPtr(addr.State),
		PostalCode: sanitizeText(addr.PostalCode),
		Country:    strings.ToUpper(sanitizeText(addr.Country)),
		Phone:      trimmedPtr(addr.Phone),
	}
	switch {
	case out.Line1 == "":
		return domain.Address{}, fmt.Errorf("%w: %s address line1 is required", ErrOrderInvalidInput, kind)
	case out.City == "":
		return domain.Address{}, fmt.Errorf("%w: %s address city is required", ErrOrderInvalidInput, kind)
	case out.PostalCode == "":
		return domain.Address{}, fmt.Errorf("%w: %s address postal code is required", ErrOrderInvalidInput, kind)
	case out.Country == "":
		return domain.Address{}, fmt.Errorf("%w: %s address country is required", ErrOrderInvalidInput, kind)
	}
	return out, nil
}

// sanitizeText strips markup from free-text input. Order fields end up in receipts and staff
// tooling, so they are stored as plain text.
func sanitizeText(v string) string {
	if v == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(plainTextPolicy.Sanitize(v)))
}

func trimmedPtr(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := sanitizeText(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func buildOrderItems(cart pricedCart) []domain.OrderItem {
	items := make([]domain.OrderItem, len(cart.lines))
	for i, line := range cart.lines {
		product := cart.products[i]
		priced := cart.breakdown.Lines[i]
		items[i] = domain.OrderItem{
			ProductID:       line.ProductID,
			ProductName:     product.Name,
			CategoryID:      product.CategoryID,
			UnitPrice:       product.UnitPrice,
			Quantity:        line.Quantity,
			DiscountPercent: product.DiscountPercent,
			LineTotal:       priced.LineTotal,
			DiscountAmount:  priced.DiscountAmount,
			FinalPrice:      priced.FinalPrice,
		}
	}
	return items
}

func rejectionLabel(err error) string {
	var rejection *CouponRejection
	switch {
	case errors.As(err, &rejection):
		return "coupon_" + string(rejection.Reason)
	case errors.Is(err, ErrOrderInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrProductInactive):
		return "product_inactive"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrOrderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
