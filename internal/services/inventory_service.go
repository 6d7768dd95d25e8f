package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	eventInventoryReserve        = "inventory.reserve"
	eventInventoryRelease        = "inventory.release"
	eventInventoryReleaseFailed  = "inventory.release.failed"
	eventInventoryCompensate     = "inventory.compensate"
	eventInventoryReserveBlocked = "inventory.reserve.insufficient"
	eventInventoryReleaseRetry   = "inventory.release.retry"

	defaultReleaseAttempts = 3
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
// ReleaseAttempts and ReleaseBackoff bound the retries of a failed release; a typed
// InventoryError is never retried.
type InventoryServiceDeps struct {
	Ledger          repositories.InventoryLedger
	ReleaseAttempts int
	ReleaseBackoff  gax.Backoff
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	ledger          repositories.InventoryLedger
	releaseAttempts int
	releaseBackoff  gax.Backoff
	logger          func(context.Context, string, map[string]any)
}

// NewInventoryService wires the ledger into an InventoryService.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("inventory service: inventory ledger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	attempts := deps.ReleaseAttempts
	if attempts <= 0 {
		attempts = defaultReleaseAttempts
	}
	backoff := deps.ReleaseBackoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2}
	}
	return &inventoryService{
		ledger:          deps.Ledger,
		releaseAttempts: attempts,
		releaseBackoff:  backoff,
		logger:          logger,
	}, nil
}

func (s *inventoryService) ReserveLines(ctx context.Context, lines []domain.CartLine) error {
	normalised, err := normaliseInventoryLines(lines)
	if err != nil {
		return err
	}

	taken := make([]domain.CartLine, 0, len(normalised))
	for _, line := range normalised {
		if err := s.ledger.Reserve(ctx, line.ProductID, line.Quantity); err != nil {
			s.compensate(context.WithoutCancel(ctx), taken)
			return s.mapReserveError(ctx, line, err)
		}
		taken = append(taken, line)
	}

	s.logger(ctx, eventInventoryReserve, map[string]any{
		"lines": len(taken),
	})
	return nil
}

func (s *inventoryService) ReleaseLines(ctx context.Context, lines []domain.CartLine) error {
	normalised, err := normaliseInventoryLines(lines)
	if err != nil {
		return err
	}

	var errs []error
	for _, line := range normalised {
		if err := s.release(ctx, line); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", line.ProductID, err))
		}
	}
	s.logger(ctx, eventInventoryRelease, map[string]any{
		"lines":  len(normalised),
		"failed": len(errs),
	})
	return errors.Join(errs...)
}

func (s *inventoryService) Available(ctx context.Context, productID string) (int, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return 0, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	available, err := s.ledger.Available(ctx, id)
	if err != nil {
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) && invErr.Code == repositories.InventoryErrorStockNotFound {
			return 0, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
		return 0, mapInventoryRepositoryError(err)
	}
	return available, nil
}

// compensate releases reservations already taken for a failed attempt, newest first.
func (s *inventoryService) compensate(ctx context.Context, taken []domain.CartLine) {
	if len(taken) == 0 {
		return
	}
	for i := len(taken) - 1; i >= 0; i-- {
		_ = s.release(ctx, taken[i])
	}
	s.logger(ctx, eventInventoryCompensate, map[string]any{
		"lines": len(taken),
	})
}

// release returns one line to stock, retrying transient ledger failures with backoff. The final
// failure is logged with the quantity so it can be restocked by hand.
func (s *inventoryService) release(ctx context.Context, line domain.CartLine) error {
	backoff := s.releaseBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = s.ledger.Release(ctx, line.ProductID, line.Quantity)
		if err == nil {
			return nil
		}
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) || attempt >= s.releaseAttempts {
			break
		}
		s.logger(ctx, eventInventoryReleaseRetry, map[string]any{
			"productId": line.ProductID,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			break
		}
	}
	s.logger(ctx, eventInventoryReleaseFailed, map[string]any{
		"productId": line.ProductID,
		"quantity":  line.Quantity,
		"error":     err.Error(),
	})
	return err
}

func (s *inventoryService) mapReserveError(ctx context.Context, line domain.CartLine, err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			s.logger(ctx, eventInventoryReserveBlocked, map[string]any{
				"productId": line.ProductID,
				"requested": line.Quantity,
				"available": invErr.Available,
			})
			return &InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity, Available: invErr.Available}
		case repositories.InventoryErrorStockNotFound:
			return &InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity}
		case repositories.InventoryErrorInvalidQuantity:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}
	return mapInventoryRepositoryError(err)
}

func mapInventoryRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && (repoErr.IsUnavailable() || repoErr.IsConflict()) {
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return err
}

// normaliseInventoryLines merges duplicate products and sorts by ascending product id so that
// concurrent orders acquire stock in the same order.
func normaliseInventoryLines(lines []domain.CartLine) ([]domain.CartLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	merged := make(map[string]int, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, id)
		}
		merged[id] += line.Quantity
	}
	out := make([]domain.CartLine, 0, len(merged))
	for id, qty := range merged {
		out = append(out, domain.CartLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}
