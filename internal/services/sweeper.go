package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/repositories"
)

const (
	defaultExpirySweepInterval  = time.Minute
	defaultPendingSweepInterval = 5 * time.Minute
	defaultPendingSweepBatch    = 50
	defaultOrphanSweepCutoff    = 15 * time.Minute
)

// SweeperDeps wires the services and repositories the background sweeps need.
type SweeperDeps struct {
	Orders    repositories.OrderRepository
	OrderSvc  OrderService
	Inventory InventoryService

	ExpiryInterval  time.Duration
	PendingInterval time.Duration
	PendingBatch    int
	// OrphanCutoff is how long an applied deduction may sit without its order
	// before the sweep treats it as leaked and restocks it.
	OrphanCutoff time.Duration

	Clock  Clock
	Logger Logger
}

// Sweeper owns the periodic maintenance loops: marking expired materials and
// canceling pending orders whose payment window lapsed. It is constructed and
// started by main and stops when its context is canceled.
type Sweeper struct {
	orders    repositories.OrderRepository
	orderSvc  OrderService
	inventory InventoryService

	expiryInterval  time.Duration
	pendingInterval time.Duration
	pendingBatch    int
	orphanCutoff    time.Duration

	clock  Clock
	logger Logger
}

// NewSweeper validates dependencies and constructs the sweeper.
func NewSweeper(deps SweeperDeps) (*Sweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("sweeper: orders repository is required")
	}
	if deps.OrderSvc == nil {
		return nil, errors.New("sweeper: order service is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("sweeper: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	expiryInterval := deps.ExpiryInterval
	if expiryInterval <= 0 {
		expiryInterval = defaultExpirySweepInterval
	}
	pendingInterval := deps.PendingInterval
	if pendingInterval <= 0 {
		pendingInterval = defaultPendingSweepInterval
	}
	pendingBatch := deps.PendingBatch
	if pendingBatch <= 0 {
		pendingBatch = defaultPendingSweepBatch
	}
	orphanCutoff := deps.OrphanCutoff
	if orphanCutoff <= 0 {
		orphanCutoff = defaultOrphanSweepCutoff
	}

	return &Sweeper{
		orders:          deps.Orders,
		orderSvc:        deps.OrderSvc,
		inventory:       deps.Inventory,
		expiryInterval:  expiryInterval,
		pendingInterval: pendingInterval,
		pendingBatch:    pendingBatch,
		orphanCutoff:    orphanCutoff,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Run blocks until ctx is canceled, driving both sweeps on their intervals.
func (s *Sweeper) Run(ctx context.Context) error {
	expiryTicker := time.NewTicker(s.expiryInterval)
	defer expiryTicker.Stop()
	pendingTicker := time.NewTicker(s.pendingInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expiryTicker.C:
			s.SweepExpiredMaterials(ctx)
		case <-pendingTicker.C:
			s.SweepStalePendingOrders(ctx)
			s.SweepOrphanedDeductions(ctx)
		}
	}
}

// SweepExpiredMaterials flags materials whose expiry passed so they stop
// participating in stock reservations.
func (s *Sweeper) SweepExpiredMaterials(ctx context.Context) ([]Material, error) {
	now := s.clock()
	expired, err := s.inventory.MarkExpiredMaterials(ctx, now)
	if err != nil {
		s.logger(ctx, "sweeper.materials.failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	if len(expired) > 0 {
		s.logger(ctx, "sweeper.materials.expired", map[string]any{
			"count": len(expired),
		})
	}
	return expired, nil
}

// SweepStalePendingOrders cancels pending orders whose payment link expired,
// releasing their stock and promotion reservations through the regular cancel
// path.
func (s *Sweeper) SweepStalePendingOrders(ctx context.Context) (int, error) {
	now := s.clock()
	stale, err := s.orders.ListStalePending(ctx, now, s.pendingBatch)
	if err != nil {
		s.logger(ctx, "sweeper.pending.list_failed", map[string]any{
			"error": err.Error(),
		})
		return 0, err
	}

	canceled := 0
	for _, order := range stale {
		if _, err := s.orderSvc.CancelOrder(ctx, CancelOrderCommand{
			OrderID: order.ID,
			Reason:  "payment window expired",
		}); err != nil {
			// Races with a late payment surface as invalid state; skip those.
			if errors.Is(err, ErrOrderInvalidState) {
				continue
			}
			s.logger(ctx, "sweeper.pending.cancel_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		canceled++
	}
	if canceled > 0 {
		s.logger(ctx, "sweeper.pending.canceled", map[string]any{
			"count": canceled,
		})
	}
	return canceled, nil
}

// SweepOrphanedDeductions restocks applied deductions whose order never made
// it into the store, or was canceled without the release landing. Checkout
// commits stock, promotion usage and the order in separate steps, so a crash
// in between can leave a deduction behind.
func (s *Sweeper) SweepOrphanedDeductions(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.orphanCutoff)
	stale, err := s.inventory.ListStaleDeductions(ctx, cutoff, s.pendingBatch)
	if err != nil {
		s.logger(ctx, "sweeper.orphans.list_failed", map[string]any{
			"error": err.Error(),
		})
		return 0, err
	}

	released := 0
	for _, deduction := range stale {
		order, err := s.orders.FindByID(ctx, deduction.OrderRef)
		switch {
		case err == nil && order.Status != domain.OrderStatusCanceled:
			// The order is live; its own lifecycle owns the deduction.
			continue
		case err != nil && !isRepositoryNotFound(err):
			s.logger(ctx, "sweeper.orphans.lookup_failed", map[string]any{
				"deductionId": deduction.ID,
				"orderId":     deduction.OrderRef,
				"error":       err.Error(),
			})
			continue
		}

		if _, err := s.inventory.ReleaseDeduction(ctx, deduction.ID, "orphaned deduction", s.clock()); err != nil {
			s.logger(ctx, "sweeper.orphans.release_failed", map[string]any{
				"deductionId": deduction.ID,
				"error":       err.Error(),
			})
			continue
		}
		released++
	}
	if released > 0 {
		s.logger(ctx, "sweeper.orphans.released", map[string]any{
			"count": released,
		})
	}
	return released, nil
}
