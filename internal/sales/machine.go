/*
Package sales implements component C, the Sale State Machine. Modeled on
the teacher's generic/request.go: a Request there moves
pending->approved/rejected/cancelled and the service coordinates ledger
writes around the transition; here a Sale moves through the 5-state graph
of §4.C and the machine coordinates component D (the Stock-Sale
Integrator) around the paid/refunded edges.

STATE GRAPH (§4.C, I7 — no other edges are legal):
  draft     -> {pending, cancelled}
  pending   -> {paid, cancelled}
  paid      -> {refunded}
  cancelled -> {}  (terminal)
  refunded  -> {}  (terminal)

CONCURRENCY:
  Every write presents the row_version last observed by the caller; a
  mismatch is a ConcurrencyConflictError (§5's optimistic-concurrency
  contract for Sale/Patient writes).
*/
package sales

import (
	"context"
	"fmt"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

// allowedTargets is the state graph from §4.C, reproduced verbatim.
var allowedTargets = map[domain.SaleStatus]map[domain.SaleStatus]bool{
	domain.SaleDraft:     {domain.SalePending: true, domain.SaleCancelled: true},
	domain.SalePending:   {domain.SalePaid: true, domain.SaleCancelled: true},
	domain.SalePaid:      {domain.SaleRefunded: true},
	domain.SaleCancelled: {},
	domain.SaleRefunded:  {},
}

// Store is the persistence seam for Sale entities.
type Store interface {
	GetSale(ctx context.Context, id domain.SaleID) (domain.Sale, error)

	// UpdateSale persists sale, checking expectedRowVersion against the
	// stored value. On success the stored row_version increments and the
	// new value is reflected in the returned Sale. A mismatch returns
	// ConcurrencyConflictError and leaves the stored row untouched.
	UpdateSale(ctx context.Context, sale domain.Sale, expectedRowVersion int) (domain.Sale, error)
}

// Integrator is component D's contract as seen by the state machine.
type Integrator interface {
	ConsumeStockForSale(ctx context.Context, sale domain.Sale, actor domain.Actor) ([]domain.StockMove, error)
	RefundStockForSale(ctx context.Context, sale domain.Sale, actor domain.Actor) ([]domain.StockMove, error)
}

// Machine drives Sale transitions, per §4.C.
type Machine struct {
	Store      Store
	Integrator Integrator
	Clock      clock.Clock
}

func New(store Store, integrator Integrator, clk clock.Clock) *Machine {
	return &Machine{Store: store, Integrator: integrator, Clock: clk}
}

// TransitionTo moves sale `id` to newStatus, enforcing §4.C/I7 and driving
// component D on the paid and refunded edges. expectedRowVersion is the
// row_version the caller last observed.
func (m *Machine) TransitionTo(
	ctx context.Context,
	id domain.SaleID,
	newStatus domain.SaleStatus,
	reason string,
	actor domain.Actor,
	expectedRowVersion int,
) (domain.Sale, error) {
	sale, err := m.Store.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}

	if sale.RowVersion != expectedRowVersion {
		return domain.Sale{}, &coreerr.ConcurrencyConflictError{
			Entity: "Sale", ID: string(id), Expected: expectedRowVersion, Actual: sale.RowVersion,
		}
	}

	targets, known := allowedTargets[sale.Status]
	if !known || !targets[newStatus] {
		return domain.Sale{}, &coreerr.InvalidTransitionError{From: sale.Status, To: newStatus}
	}

	next := sale
	next.Status = newStatus

	switch newStatus {
	case domain.SalePaid:
		now := m.Clock.Now()
		next.PaidAt = &now

		if _, err := m.Integrator.ConsumeStockForSale(ctx, next, actor); err != nil {
			// Revert the in-memory transition per §4.C step 3; nothing was
			// persisted yet, so the caller's transaction rolling back is
			// what actually undoes any partial ledger writes.
			return domain.Sale{}, fmt.Errorf("consuming stock for sale %s: %w", id, err)
		}

	case domain.SaleRefunded:
		if sale.Status != domain.SalePaid {
			return domain.Sale{}, &coreerr.InvalidOperationError{
				Message: fmt.Sprintf("cannot refund sale %s: status is %s, not paid", id, sale.Status),
			}
		}
		next.RefundReason = &reason

		if _, err := m.Integrator.RefundStockForSale(ctx, next, actor); err != nil {
			return domain.Sale{}, fmt.Errorf("refunding stock for sale %s: %w", id, err)
		}
	}

	updated, err := m.Store.UpdateSale(ctx, next, expectedRowVersion)
	if err != nil {
		return domain.Sale{}, err
	}
	return updated, nil
}
