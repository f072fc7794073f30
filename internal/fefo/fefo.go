/*
Package fefo implements component B, the FEFO (First-Expired-First-Out)
Allocator: a pure planning function with no teacher analog — the teacher
never allocates by expiry — written in the teacher's "planning is
separate from writing" style (compare
generic.ConsumptionDistributor.Distribute in the teacher's
generic/assignment.go, which also produces a pure allocation plan before
any ledger write happens).

ALGORITHM (§4.B):
  1. Read on-hand rows for (product, location) with quantity > 0.
  2. Filter out expired batches unless allowExpired.
  3. Sort ascending by expiry (nil last), tie-break by batch number.
  4. Walk the sorted list, draining neededQty.
  5. If demand remains: ExpiredBatchOnly if the pre-filter list was
     non-empty but fully expired, else InsufficientStock.
*/
package fefo

import (
	"context"
	"sort"
	"time"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

// OnHandReader is the read-only dependency the allocator needs. The
// ledger's Store satisfies this directly.
type OnHandReader interface {
	OnHandByProductLocation(ctx context.Context, product domain.ProductID, location domain.LocationID) ([]domain.StockOnHand, error)
	BatchByID(ctx context.Context, batch domain.BatchID) (domain.StockBatch, error)
}

// Draw is one planned consumption from a single batch.
type Draw struct {
	Batch domain.BatchID
	Qty   int
}

// Allocator plans FEFO draws. It never writes — the caller (component D)
// turns a Plan into ledger moves.
type Allocator struct {
	Reader OnHandReader
}

func New(reader OnHandReader) *Allocator {
	return &Allocator{Reader: reader}
}

type candidate struct {
	row    domain.StockOnHand
	expiry *time.Time
	number string
}

// Plan produces the ordered set of batch draws satisfying neededQty, per
// §4.B. now is the clock.Clock-supplied instant; the consume path passes
// allowExpired=false. Refunds do not plan through the allocator.
func (a *Allocator) Plan(ctx context.Context, product domain.ProductID, location domain.LocationID, neededQty int, now time.Time, allowExpired bool) ([]Draw, error) {
	rows, err := a.Reader.OnHandByProductLocation(ctx, product, location)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(rows))
	for _, row := range rows {
		batch, err := a.Reader.BatchByID(ctx, row.Batch)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{row: row, expiry: batch.ExpiryDate, number: batch.BatchNumber})
	}

	preFilterNonEmpty := len(candidates) > 0

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if !allowExpired && clock.IsExpired(c.expiry, now) {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		ei, ej := filtered[i].expiry, filtered[j].expiry
		switch {
		case ei == nil && ej == nil:
			return filtered[i].number < filtered[j].number
		case ei == nil:
			return false // nil sorts last
		case ej == nil:
			return true
		case !ei.Equal(*ej):
			return ei.Before(*ej)
		default:
			return filtered[i].number < filtered[j].number
		}
	})

	var plan []Draw
	remaining := neededQty
	for _, c := range filtered {
		if remaining <= 0 {
			break
		}
		draw := remaining
		if c.row.Quantity < draw {
			draw = c.row.Quantity
		}
		if draw <= 0 {
			continue
		}
		plan = append(plan, Draw{Batch: c.row.Batch, Qty: draw})
		remaining -= draw
	}

	if remaining > 0 {
		available := 0
		for _, c := range filtered {
			available += c.row.Quantity
		}
		if preFilterNonEmpty && len(filtered) == 0 {
			return nil, &coreerr.ExpiredBatchOnlyError{Product: product, Requested: neededQty}
		}
		return nil, &coreerr.InsufficientStockError{Product: product, Requested: neededQty, Available: available}
	}

	return plan, nil
}
