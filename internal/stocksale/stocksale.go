/*
Package stocksale implements component D, the Stock-Sale Integrator: the
glue that turns a Sale's product lines into ledger moves on payment, and
undoes those exact moves on refund. Grounded on the teacher's
timeoff/ledger.go, which plays the same "domain wrapper drives the
generic ledger" role — there a leave Request drives generic.Ledger
entries keyed by (entity, policy); here a Sale drives this repo's
ledger.Ledger entries keyed by (product, location, batch).

CONSUME (§4.D):
  First lock the on-hand rows for (product, default_location) of every
  distinct product on the sale, in ascending product ID order. Then, for
  each non-service line in line order: ask the FEFO allocator for a plan;
  append one SALE_OUT move per draw. Idempotent — a second call against a sale
  that already has SALE_OUT moves is a no-op that returns the existing
  moves, per I4.

REFUND (§4.D):
  Exact 1:1 reversal of the SALE_OUT moves the original consume produced,
  in the same order, each a REFUND_IN linked via ReversedMoveRef. FEFO is
  never consulted on refund — stock always returns to the batch it came
  from (I3). Idempotent the same way as consume.
*/
package stocksale

import (
	"context"
	"fmt"
	"sort"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/domain"
	"github.com/clinicflow/sales-core/internal/fefo"
	"github.com/clinicflow/sales-core/internal/ledger"
)

// LedgerAPI is the subset of component A's surface this integrator drives.
type LedgerAPI interface {
	AppendMove(ctx context.Context, spec ledger.MoveSpec) (domain.StockMove, error)
	LockOnHandRows(ctx context.Context, product domain.ProductID, location domain.LocationID) error
	MovesBySaleRef(ctx context.Context, sale domain.SaleID, moveType domain.MoveType) ([]domain.StockMove, error)
	ReversalOf(ctx context.Context, move domain.MoveID) (domain.StockMove, bool, error)
}

// LocationResolver supplies the default stock location for consumption.
// The sqlite and postgres stores resolve it as the location flagged
// is_default; the default_stock_location_code config option is not
// consulted.
type LocationResolver interface {
	DefaultLocation(ctx context.Context) (domain.LocationID, error)
}

// Integrator implements component D.
type Integrator struct {
	Ledger               LedgerAPI
	Allocator            *fefo.Allocator
	Locations            LocationResolver
	Clock                clock.Clock
	AllowExpiredOnRefund bool
}

func New(ledg LedgerAPI, allocator *fefo.Allocator, locations LocationResolver, clk clock.Clock, allowExpiredOnRefund bool) *Integrator {
	return &Integrator{Ledger: ledg, Allocator: allocator, Locations: locations, Clock: clk, AllowExpiredOnRefund: allowExpiredOnRefund}
}

// lockProductsAscending locks on-hand rows for every distinct product in
// products, at location, in ascending product ID order — the ordering
// §5 requires of every multi-product lock acquisition so that two
// concurrent sales sharing products can never deadlock against each
// other's locks.
func lockProductsAscending(ctx context.Context, ledg LedgerAPI, location domain.LocationID, products []domain.ProductID) error {
	seen := make(map[domain.ProductID]bool, len(products))
	distinct := make([]domain.ProductID, 0, len(products))
	for _, p := range products {
		if !seen[p] {
			seen[p] = true
			distinct = append(distinct, p)
		}
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	for _, product := range distinct {
		if err := ledg.LockOnHandRows(ctx, product, location); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeStockForSale drives SALE_OUT moves for every non-service line of
// sale, per §4.D. actor is carried through as CreatedBy.
func (in *Integrator) ConsumeStockForSale(ctx context.Context, sale domain.Sale, actor domain.Actor) ([]domain.StockMove, error) {
	existing, err := in.Ledger.MovesBySaleRef(ctx, sale.ID, domain.MoveSaleOut)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil // I4: idempotent
	}

	location, err := in.Locations.DefaultLocation(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving default stock location: %w", err)
	}

	products := make([]domain.ProductID, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if !line.IsService() {
			products = append(products, *line.Product)
		}
	}
	if err := lockProductsAscending(ctx, in.Ledger, location, products); err != nil {
		return nil, err
	}

	var moves []domain.StockMove
	for _, line := range sale.Lines {
		if line.IsService() {
			continue
		}
		product := *line.Product

		plan, err := in.Allocator.Plan(ctx, product, location, line.Quantity, in.Clock.Now(), false)
		if err != nil {
			return nil, fmt.Errorf("allocating stock for sale line %s: %w", line.ID, err)
		}

		lineID := line.ID
		for _, draw := range plan {
			move, err := in.Ledger.AppendMove(ctx, ledger.MoveSpec{
				Product:       product,
				Location:      location,
				Batch:         draw.Batch,
				MoveType:      domain.MoveSaleOut,
				Quantity:      -draw.Qty,
				Reason:        "sale",
				ReferenceType: "sale",
				ReferenceID:   string(sale.ID),
				SaleRef:       &sale.ID,
				SaleLineRef:   &lineID,
				CreatedBy:     actor.ID,
			})
			if err != nil {
				return nil, err
			}
			moves = append(moves, move)
		}
	}

	return moves, nil
}

// RefundStockForSale reverses every SALE_OUT move of sale with a matching
// REFUND_IN, in original order, per §4.D. FEFO is not consulted: stock
// always returns to its originating batch (I3).
func (in *Integrator) RefundStockForSale(ctx context.Context, sale domain.Sale, actor domain.Actor) ([]domain.StockMove, error) {
	saleOuts, err := in.Ledger.MovesBySaleRef(ctx, sale.ID, domain.MoveSaleOut)
	if err != nil {
		return nil, err
	}
	if len(saleOuts) == 0 {
		return nil, nil // services-only sale: nothing to reverse
	}

	locationsByProduct := make(map[domain.ProductID]domain.LocationID, len(saleOuts))
	products := make([]domain.ProductID, 0, len(saleOuts))
	for _, out := range saleOuts {
		if _, ok := locationsByProduct[out.Product]; !ok {
			products = append(products, out.Product)
		}
		locationsByProduct[out.Product] = out.Location
	}
	sort.Slice(products, func(i, j int) bool { return products[i] < products[j] })
	for _, product := range products {
		if err := in.Ledger.LockOnHandRows(ctx, product, locationsByProduct[product]); err != nil {
			return nil, err
		}
	}

	var reversals []domain.StockMove
	for _, out := range saleOuts {
		existing, found, err := in.Ledger.ReversalOf(ctx, out.ID)
		if err != nil {
			return nil, err
		}
		if found {
			reversals = append(reversals, existing) // I4: idempotent
			continue
		}

		outID := out.ID
		move, err := in.Ledger.AppendMove(ctx, ledger.MoveSpec{
			Product:       out.Product,
			Location:      out.Location,
			Batch:         out.Batch,
			MoveType:      domain.MoveRefundIn,
			Quantity:      -out.Quantity, // undo: negate the original signed quantity
			Reason:        "refund",
			ReferenceType: "sale",
			ReferenceID:   string(sale.ID),
			SaleRef:       &sale.ID,
			SaleLineRef:   out.SaleLineRef,
			ReversedMove:  &outID,
			CreatedBy:     actor.ID,
			IsReversal:    true,
			AllowExpired:  in.AllowExpiredOnRefund,
		})
		if err != nil {
			return nil, err
		}
		reversals = append(reversals, move)
	}

	return reversals, nil
}
