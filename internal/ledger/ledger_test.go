package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
	"github.com/clinicflow/sales-core/internal/ledger"
)

// memStore is a minimal in-memory ledger.Store for testing the append/read
// contract without a database.
type memStore struct {
	moves     []domain.StockMove
	onHand    map[string]int
	batches   map[domain.BatchID]domain.StockBatch
	nextMove  int
	lockCalls int
}

func newMemStore() *memStore {
	return &memStore{onHand: map[string]int{}, batches: map[domain.BatchID]domain.StockBatch{}}
}

func key(p domain.ProductID, l domain.LocationID, b domain.BatchID) string {
	return string(p) + "|" + string(l) + "|" + string(b)
}

func (m *memStore) AppendMove(ctx context.Context, move domain.StockMove) error {
	m.moves = append(m.moves, move)
	m.onHand[key(move.Product, move.Location, move.Batch)] += move.Quantity
	return nil
}

func (m *memStore) OnHandByProductLocation(ctx context.Context, product domain.ProductID, location domain.LocationID) ([]domain.StockOnHand, error) {
	var out []domain.StockOnHand
	for k, qty := range m.onHand {
		if qty <= 0 {
			continue
		}
		// key layout is product|location|batch; only product/location match matters here
		out = append(out, domain.StockOnHand{Product: product, Location: location, Quantity: qty})
		_ = k
	}
	return out, nil
}

func (m *memStore) OnHandRow(ctx context.Context, product domain.ProductID, location domain.LocationID, batch domain.BatchID) (domain.StockOnHand, bool, error) {
	qty, ok := m.onHand[key(product, location, batch)]
	if !ok {
		return domain.StockOnHand{}, false, nil
	}
	return domain.StockOnHand{Product: product, Location: location, Batch: batch, Quantity: qty}, true, nil
}

func (m *memStore) LockOnHandRows(ctx context.Context, product domain.ProductID, location domain.LocationID) error {
	m.lockCalls++
	return nil
}

func (m *memStore) BatchByID(ctx context.Context, batch domain.BatchID) (domain.StockBatch, error) {
	return m.batches[batch], nil
}

func (m *memStore) MovesBySaleRef(ctx context.Context, sale domain.SaleID, moveType domain.MoveType) ([]domain.StockMove, error) {
	var out []domain.StockMove
	for _, mv := range m.moves {
		if mv.SaleRef != nil && *mv.SaleRef == sale && mv.MoveType == moveType {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *memStore) ReversalOf(ctx context.Context, move domain.MoveID) (domain.StockMove, bool, error) {
	for _, mv := range m.moves {
		if mv.ReversedMoveRef != nil && *mv.ReversedMoveRef == move {
			return mv, true, nil
		}
	}
	return domain.StockMove{}, false, nil
}

func (m *memStore) NewMoveID() domain.MoveID {
	m.nextMove++
	return domain.MoveID(string(rune('A' + m.nextMove)))
}

func TestAppendMove_RejectsZeroQuantity(t *testing.T) {
	// GIVEN: a ledger over an empty store
	// WHEN: a move with zero quantity is appended
	// THEN: a ValidationError is returned and nothing is persisted
	store := newMemStore()
	l := ledger.New(store, clock.Fixed{At: time.Now()})

	_, err := l.AppendMove(context.Background(), ledger.MoveSpec{Product: "p1", Location: "loc", Batch: "b1", Quantity: 0})
	if _, ok := err.(*coreerr.ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(store.moves) != 0 {
		t.Fatalf("expected no moves persisted, got %d", len(store.moves))
	}
}

func TestAppendMove_RejectsNegativeOnHand(t *testing.T) {
	// GIVEN: a batch with 3 units on hand
	// WHEN: an OUT move for 5 units is appended
	// THEN: InsufficientStockError and the on-hand balance is unchanged
	store := newMemStore()
	store.batches["b1"] = domain.StockBatch{ID: "b1", Product: "p1", ExpiryDate: nil}
	store.onHand[key("p1", "loc", "b1")] = 3
	l := ledger.New(store, clock.Fixed{At: time.Now()})

	_, err := l.AppendMove(context.Background(), ledger.MoveSpec{
		Product: "p1", Location: "loc", Batch: "b1", MoveType: domain.MoveSaleOut, Quantity: -5,
	})
	if _, ok := err.(*coreerr.InsufficientStockError); !ok {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if store.onHand[key("p1", "loc", "b1")] != 3 {
		t.Fatalf("expected on-hand unchanged at 3, got %d", store.onHand[key("p1", "loc", "b1")])
	}
}

func TestAppendMove_RejectsExpiredBatchUnlessAllowed(t *testing.T) {
	// GIVEN: an expired batch with stock
	// WHEN: an OUT move is appended without AllowExpired, then with it
	// THEN: ExpiredBatchOnlyError first; the AllowExpired move is accepted
	store := newMemStore()
	past := time.Now().AddDate(0, 0, -10)
	store.batches["b1"] = domain.StockBatch{ID: "b1", Product: "p1", ExpiryDate: &past}
	store.onHand[key("p1", "loc", "b1")] = 10
	now := time.Now()
	l := ledger.New(store, clock.Fixed{At: now})

	_, err := l.AppendMove(context.Background(), ledger.MoveSpec{
		Product: "p1", Location: "loc", Batch: "b1", MoveType: domain.MoveSaleOut, Quantity: -1,
	})
	if _, ok := err.(*coreerr.ExpiredBatchOnlyError); !ok {
		t.Fatalf("expected ExpiredBatchOnlyError, got %v", err)
	}

	move, err := l.AppendMove(context.Background(), ledger.MoveSpec{
		Product: "p1", Location: "loc", Batch: "b1", MoveType: domain.MoveSaleOut, Quantity: -1, AllowExpired: true,
	})
	if err != nil {
		t.Fatalf("unexpected error with AllowExpired=true: %v", err)
	}
	if move.Quantity != -1 || store.onHand[key("p1", "loc", "b1")] != 9 {
		t.Fatalf("expected a -1 move leaving 9 on hand, got move %+v and on-hand %d", move, store.onHand[key("p1", "loc", "b1")])
	}
}

func TestAppendMove_AppendOnlyNoMutationOfPriorMoves(t *testing.T) {
	// GIVEN: a prior move appended
	// WHEN: a second move is appended
	// THEN: both moves are retained in order; nothing about the first is rewritten
	store := newMemStore()
	store.batches["b1"] = domain.StockBatch{ID: "b1", Product: "p1"}
	store.onHand[key("p1", "loc", "b1")] = 10
	l := ledger.New(store, clock.Fixed{At: time.Now()})

	first, err := l.AppendMove(context.Background(), ledger.MoveSpec{
		Product: "p1", Location: "loc", Batch: "b1", MoveType: domain.MoveSaleOut, Quantity: -2,
	})
	if err != nil {
		t.Fatalf("unexpected error on first append: %v", err)
	}
	_, err = l.AppendMove(context.Background(), ledger.MoveSpec{
		Product: "p1", Location: "loc", Batch: "b1", MoveType: domain.MoveSaleOut, Quantity: -3,
	})
	if err != nil {
		t.Fatalf("unexpected error on second append: %v", err)
	}
	if len(store.moves) != 2 {
		t.Fatalf("expected 2 persisted moves, got %d", len(store.moves))
	}
	if store.moves[0].ID != first.ID {
		t.Errorf("expected first move to remain at index 0 unchanged")
	}
}

func TestLockOnHandRows_DelegatesToStore(t *testing.T) {
	// GIVEN: a ledger
	// WHEN: LockOnHandRows is called
	// THEN: the underlying store lock is invoked exactly once
	store := newMemStore()
	l := ledger.New(store, clock.Fixed{At: time.Now()})

	if err := l.LockOnHandRows(context.Background(), "p1", "loc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.lockCalls != 1 {
		t.Fatalf("expected 1 lock call, got %d", store.lockCalls)
	}
}
