// Package checkout implements the two-phase prepare/confirm protocol over the ledger.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/application"
	"github.com/kuldeep-zigg/wendor-placement/internal/application/ledger"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/cart"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	domain "github.com/kuldeep-zigg/wendor-placement/internal/domain/checkout"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	checkoutService = "checkout-service"
	useCasePrepare  = "checkout.prepare"
	useCaseConfirm  = "checkout.confirm"
)

type Service struct {
	ledger     *ledger.Ledger
	store      Store
	dispatcher Dispatcher
	ids        IDGenerator
	obs        application.Instruments
}

func NewService(l *ledger.Ledger, store Store, dispatcher Dispatcher, ids IDGenerator, tel observability.Observability) *Service {
	return &Service{
		ledger:     l,
		store:      store,
		dispatcher: dispatcher,
		ids:        ids,
		obs:        application.NewInstruments(tel, checkoutService),
	}
}

func (s *Service) products(ctx context.Context, lines []cart.Line) (map[int64]*catalog.Product, error) {
	out := make(map[int64]*catalog.Product, len(lines))
	for _, l := range lines {
		p, err := s.store.Get(ctx, l.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				return nil, fmt.Errorf("%w: %d", catalog.ErrProductNotFound, l.ProductID)
			}
			return nil, fmt.Errorf("checkout: stock lookup: %w", err)
		}
		out[l.ProductID] = p
	}
	return out, nil
}

// Prepare prices the current cart without mutating anything.
func (s *Service) Prepare(ctx context.Context) (_ *domain.Order, err error) {
	ctx, run := s.obs.Begin(ctx, useCasePrepare, "Prepare")
	defer func() { run.End(err) }()

	snap := s.ledger.Cart()
	if snap.IsEmpty() {
		run.Fail("CART_EMPTY")
		return nil, domain.ErrEmptyCart
	}
	products, err := s.products(ctx, snap.Lines)
	if err != nil {
		run.Fail("STOCK_LOOKUP_FAILED")
		return nil, err
	}
	lines, total, err := domain.Price(snap, products)
	if err != nil {
		run.Fail("PRICING_FAILED")
		return nil, err
	}

	order := &domain.Order{
		ID:         s.ids.NewID(),
		Items:      lines,
		Total:      total,
		PreparedAt: time.Now().UTC(),
	}
	run.Span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.total", total.StringFixed(2)),
	)
	run.Annotate(observability.F("order_id", order.ID))
	return order, nil
}

type ConfirmInput struct {
	// OrderID links the dispense record to a prepared order; generated when empty.
	OrderID string
}

// Confirm re-validates the cart, deducts stock and records the dispense
// request atomically, makes one delivery attempt and clears the cart, all
// under the ledger lock.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (_ *domain.ConfirmResult, err error) {
	ctx, run := s.obs.Begin(ctx, useCaseConfirm, "Confirm")
	defer func() { run.End(err) }()

	var result *domain.ConfirmResult
	err = s.ledger.Settle(ctx, func(ctx context.Context, snap *cart.Snapshot) (bool, error) {
		if snap.IsEmpty() {
			run.Fail("CART_EMPTY")
			return false, domain.ErrEmptyCart
		}

		products, err := s.products(ctx, snap.Lines)
		if err != nil {
			run.Fail("STOCK_LOOKUP_FAILED")
			return false, err
		}
		for _, l := range snap.Lines {
			p := products[l.ProductID]
			if !p.Purchasable() {
				run.Fail("PRODUCT_INACTIVE")
				return false, fmt.Errorf("%w: %d", catalog.ErrProductNotFound, l.ProductID)
			}
			if p.StockCount < l.Quantity {
				run.Fail("INSUFFICIENT_STOCK")
				return false, &catalog.InsufficientStockError{
					ProductID: l.ProductID,
					Available: p.StockCount,
					InCart:    l.Quantity,
					Requested: l.Quantity,
				}
			}
		}

		orderID := in.OrderID
		if orderID == "" {
			orderID = s.ids.NewID()
		}
		items := domain.DispenseList(snap.Lines)
		req, err := dispense.New(s.ids.NewID(), orderID, items)
		if err != nil {
			run.Fail("DISPENSE_CONSTRUCTION_FAILED")
			return false, fmt.Errorf("checkout: dispense: %w", err)
		}

		release := s.dispatcher.Hold(req.ID)
		defer release()

		if err := s.store.Deduct(ctx, domain.Deductions(snap.Lines), req); err != nil {
			var ise *catalog.InsufficientStockError
			if errors.As(err, &ise) {
				// The store re-checks under its own lock; an adjustment
				// may have landed after the validation above.
				ise.InCart = snap.Quantity(ise.ProductID)
				ise.Requested = ise.InCart
				run.Fail("INSUFFICIENT_STOCK")
				return false, ise
			}
			run.Fail("DEDUCT_FAILED")
			return false, fmt.Errorf("checkout: deduct: %w", err)
		}
		run.Span.AddEvent("checkout.deducted",
			trace.WithAttributes(attribute.String("dispense.id", req.ID)),
		)

		delivered, submitErr := s.dispatcher.Submit(ctx, req)
		if submitErr != nil {
			run.Status = "DISPENSE_QUEUED"
			run.Annotate(observability.F("dispense_error", submitErr.Error()))
		}

		result = &domain.ConfirmResult{
			DeductedLines:    append([]cart.Line(nil), snap.Lines...),
			DispatchedToVend: delivered,
			DispenseID:       req.ID,
			Items:            items,
		}
		run.Annotate(
			observability.F("order_id", orderID),
			observability.F("dispense_id", req.ID),
			observability.F("dispatched", delivered),
		)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrLockTimeout) {
			run.Fail("LOCK_TIMEOUT")
		}
		return nil, err
	}
	run.Span.SetAttributes(attribute.Bool("checkout.dispatched", result.DispatchedToVend))
	return result, nil
}
