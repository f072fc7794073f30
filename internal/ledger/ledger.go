/*
Package ledger implements component A, the Inventory Ledger: an
append-only log of StockMove records plus the StockOnHand balance they
derive. Modeled directly on the teacher's generic/ledger.go +
generic/store.go pair — same "no Update, no Delete, ever" contract, same
idempotency-by-existence-check idiom — re-keyed from (entity, policy) to
(product, location, batch).

CONTRACT (§4.A):
  - append_move(move_spec) -> StockMove
  - read_on_hand(product, location) -> [(batch, qty)]
  - lock_on_hand_rows(product, location) -> rows (pessimistic, held until
    the caller's transaction commits or aborts)

  A negative move decreases the targeted batch's on-hand; a positive move
  increases it (creating the StockOnHand row if absent). A move that would
  drive on-hand below zero is rejected with InsufficientStockError, unless
  the caller explicitly asserts the move is a reversal linked to a prior
  OUT move (MoveSpec.IsReversal). An OUT move against an expired batch is
  rejected unless the caller asserts AllowExpired.

FAILURE MODEL:
  All failures are reported; the ledger performs no retries of its own
  (§4.A).
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

// MoveSpec is the caller-supplied description of a move to append.
// Mirrors domain.StockMove but separates the two explicit assertions
// (IsReversal, AllowExpired) from the persisted record.
type MoveSpec struct {
	Product       domain.ProductID
	Location      domain.LocationID
	Batch         domain.BatchID
	MoveType      domain.MoveType
	Quantity      int // signed
	Reason        string
	ReferenceType string
	ReferenceID   string
	SaleRef       *domain.SaleID
	SaleLineRef   *domain.SaleLineID
	ReversedMove  *domain.MoveID
	CreatedBy     string

	// IsReversal asserts this OUT/IN move is reversing a prior OUT move and
	// so must bypass the "would drive on-hand negative" guard for the
	// reversal's own target (it never should, since a reversal only adds
	// back what was taken, but a caller restoring to a batch that was
	// independently drawn down elsewhere needs the escape hatch).
	IsReversal bool

	// AllowExpired asserts that an OUT move against an expired batch is
	// intentional. IN moves (including REFUND_IN) are never checked for
	// expiry, so the flag has no effect on them.
	AllowExpired bool
}

// Store is the low-level persistence interface component A is built on.
// Implementations: internal/store/sqlite, internal/store/postgres.
type Store interface {
	// AppendMove persists a move and applies it to StockOnHand atomically.
	AppendMove(ctx context.Context, move domain.StockMove) error

	// OnHandByProductLocation returns on-hand rows with quantity > 0.
	OnHandByProductLocation(ctx context.Context, product domain.ProductID, location domain.LocationID) ([]domain.StockOnHand, error)

	// OnHandRow returns the on-hand row for a specific triple (zero value,
	// found=false if absent).
	OnHandRow(ctx context.Context, product domain.ProductID, location domain.LocationID, batch domain.BatchID) (row domain.StockOnHand, found bool, err error)

	// LockOnHandRows acquires a pessimistic lock on the StockOnHand rows
	// for (product, location) for the remaining lifetime of the caller's
	// transaction. Safe to call even if no row exists yet.
	LockOnHandRows(ctx context.Context, product domain.ProductID, location domain.LocationID) error

	// BatchByID fetches batch metadata (expiry) needed for expiry checks.
	BatchByID(ctx context.Context, batch domain.BatchID) (domain.StockBatch, error)

	// MovesBySaleRef returns moves of the given type for a sale, in the
	// order they were created.
	MovesBySaleRef(ctx context.Context, sale domain.SaleID, moveType domain.MoveType) ([]domain.StockMove, error)

	// ReversalOf returns the REFUND_IN move whose ReversedMoveRef equals
	// the given move ID, if one exists (found=false otherwise).
	ReversalOf(ctx context.Context, move domain.MoveID) (reversal domain.StockMove, found bool, err error)

	// NewMoveID allocates an opaque move identifier.
	NewMoveID() domain.MoveID
}

// Ledger is component A's public API, implementing the append/read/lock
// contract of §4.A on top of a Store.
type Ledger struct {
	Store Store
	Clock clock.Clock
}

func New(store Store, clk clock.Clock) *Ledger {
	return &Ledger{Store: store, Clock: clk}
}

// AppendMove validates and persists a single stock move.
func (l *Ledger) AppendMove(ctx context.Context, spec MoveSpec) (domain.StockMove, error) {
	if spec.Quantity == 0 {
		return domain.StockMove{}, &coreerr.ValidationError{Field: "quantity", Message: "must be non-zero"}
	}

	isOut := spec.Quantity < 0

	if isOut && !spec.AllowExpired {
		batch, err := l.Store.BatchByID(ctx, spec.Batch)
		if err != nil {
			return domain.StockMove{}, fmt.Errorf("loading batch %s: %w", spec.Batch, err)
		}
		if clock.IsExpired(batch.ExpiryDate, l.Clock.Now()) {
			return domain.StockMove{}, &coreerr.ExpiredBatchOnlyError{Product: spec.Product, Requested: -spec.Quantity}
		}
	}

	if isOut && !spec.IsReversal {
		row, found, err := l.Store.OnHandRow(ctx, spec.Product, spec.Location, spec.Batch)
		if err != nil {
			return domain.StockMove{}, err
		}
		available := 0
		if found {
			available = row.Quantity
		}
		if available+spec.Quantity < 0 {
			return domain.StockMove{}, &coreerr.InsufficientStockError{
				Product:   spec.Product,
				Requested: -spec.Quantity,
				Available: available,
			}
		}
	}

	move := domain.StockMove{
		ID:              l.Store.NewMoveID(),
		Product:         spec.Product,
		Location:        spec.Location,
		Batch:           spec.Batch,
		MoveType:        spec.MoveType,
		Quantity:        spec.Quantity,
		Reason:          spec.Reason,
		ReferenceType:   spec.ReferenceType,
		ReferenceID:     spec.ReferenceID,
		SaleRef:         spec.SaleRef,
		SaleLineRef:     spec.SaleLineRef,
		ReversedMoveRef: spec.ReversedMove,
		CreatedBy:       spec.CreatedBy,
		CreatedAt:       l.Clock.Now(),
	}

	if err := l.Store.AppendMove(ctx, move); err != nil {
		return domain.StockMove{}, err
	}
	return move, nil
}

// ReadOnHand returns on-hand rows (quantity > 0) for a product+location.
func (l *Ledger) ReadOnHand(ctx context.Context, product domain.ProductID, location domain.LocationID) ([]domain.StockOnHand, error) {
	return l.Store.OnHandByProductLocation(ctx, product, location)
}

// LockOnHandRows acquires the pessimistic lock described in §5, for the
// caller's transaction.
func (l *Ledger) LockOnHandRows(ctx context.Context, product domain.ProductID, location domain.LocationID) error {
	return l.Store.LockOnHandRows(ctx, product, location)
}

// MovesBySaleRef exposes the idempotency-check query used by component D.
func (l *Ledger) MovesBySaleRef(ctx context.Context, sale domain.SaleID, moveType domain.MoveType) ([]domain.StockMove, error) {
	return l.Store.MovesBySaleRef(ctx, sale, moveType)
}

// ReversalOf exposes the I3-uniqueness check used by component D.
func (l *Ledger) ReversalOf(ctx context.Context, move domain.MoveID) (domain.StockMove, bool, error) {
	return l.Store.ReversalOf(ctx, move)
}
