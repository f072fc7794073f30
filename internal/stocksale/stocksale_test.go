package stocksale_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/domain"
	"github.com/clinicflow/sales-core/internal/fefo"
	"github.com/clinicflow/sales-core/internal/ledger"
	"github.com/clinicflow/sales-core/internal/stocksale"
)

type fakeLedger struct {
	moves        []domain.StockMove
	nextID       int
	lockCalls    int
	appendErr    error
	reversalsOf  map[domain.MoveID]domain.StockMove
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{reversalsOf: map[domain.MoveID]domain.StockMove{}}
}

func (f *fakeLedger) AppendMove(ctx context.Context, spec ledger.MoveSpec) (domain.StockMove, error) {
	if f.appendErr != nil {
		return domain.StockMove{}, f.appendErr
	}
	f.nextID++
	move := domain.StockMove{
		ID: domain.MoveID(string(rune('a' + f.nextID))), Product: spec.Product, Location: spec.Location,
		Batch: spec.Batch, MoveType: spec.MoveType, Quantity: spec.Quantity,
		SaleRef: spec.SaleRef, SaleLineRef: spec.SaleLineRef, ReversedMoveRef: spec.ReversedMove,
	}
	f.moves = append(f.moves, move)
	if spec.ReversedMove != nil {
		f.reversalsOf[*spec.ReversedMove] = move
	}
	return move, nil
}

func (f *fakeLedger) LockOnHandRows(ctx context.Context, product domain.ProductID, location domain.LocationID) error {
	f.lockCalls++
	return nil
}

func (f *fakeLedger) MovesBySaleRef(ctx context.Context, sale domain.SaleID, moveType domain.MoveType) ([]domain.StockMove, error) {
	var out []domain.StockMove
	for _, m := range f.moves {
		if m.SaleRef != nil && *m.SaleRef == sale && m.MoveType == moveType {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeLedger) ReversalOf(ctx context.Context, move domain.MoveID) (domain.StockMove, bool, error) {
	m, ok := f.reversalsOf[move]
	return m, ok, nil
}

type fakeReader struct {
	rows    []domain.StockOnHand
	batches map[domain.BatchID]domain.StockBatch
}

func (f *fakeReader) OnHandByProductLocation(ctx context.Context, product domain.ProductID, location domain.LocationID) ([]domain.StockOnHand, error) {
	return f.rows, nil
}

func (f *fakeReader) BatchByID(ctx context.Context, batch domain.BatchID) (domain.StockBatch, error) {
	return f.batches[batch], nil
}

type fakeLocations struct {
	location domain.LocationID
}

func (f *fakeLocations) DefaultLocation(ctx context.Context) (domain.LocationID, error) {
	return f.location, nil
}

func productRef(id domain.ProductID) *domain.ProductID { return &id }

func TestConsumeStockForSale_AppendsSaleOutPerLine(t *testing.T) {
	reader := &fakeReader{
		rows:    []domain.StockOnHand{{Product: "p1", Location: "loc", Batch: "b1", Quantity: 10}},
		batches: map[domain.BatchID]domain.StockBatch{"b1": {ID: "b1", Product: "p1"}},
	}
	ledg := newFakeLedger()
	integrator := stocksale.New(ledg, fefo.New(reader), &fakeLocations{location: "loc"}, clock.Fixed{At: time.Now()}, false)

	sale := domain.Sale{ID: "sale1", Lines: []domain.SaleLine{{ID: "l1", Product: productRef("p1"), Quantity: 4}}}
	moves, err := integrator.ConsumeStockForSale(context.Background(), sale, domain.Actor{ID: "u1"})

	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, -4, moves[0].Quantity)
	assert.Equal(t, domain.MoveSaleOut, moves[0].MoveType)
	assert.Equal(t, 1, ledg.lockCalls)
}

func TestConsumeStockForSale_SkipsServiceLines(t *testing.T) {
	reader := &fakeReader{}
	ledg := newFakeLedger()
	integrator := stocksale.New(ledg, fefo.New(reader), &fakeLocations{location: "loc"}, clock.Fixed{At: time.Now()}, false)

	sale := domain.Sale{ID: "sale1", Lines: []domain.SaleLine{{ID: "l1", Product: nil, Quantity: 1}}}
	moves, err := integrator.ConsumeStockForSale(context.Background(), sale, domain.Actor{})

	require.NoError(t, err)
	assert.Empty(t, moves)
	assert.Equal(t, 0, ledg.lockCalls, "a service-only sale must never touch the ledger")
}

func TestConsumeStockForSale_IdempotentOnSecondCall(t *testing.T) {
	reader := &fakeReader{
		rows:    []domain.StockOnHand{{Product: "p1", Location: "loc", Batch: "b1", Quantity: 10}},
		batches: map[domain.BatchID]domain.StockBatch{"b1": {ID: "b1", Product: "p1"}},
	}
	ledg := newFakeLedger()
	integrator := stocksale.New(ledg, fefo.New(reader), &fakeLocations{location: "loc"}, clock.Fixed{At: time.Now()}, false)

	sale := domain.Sale{ID: "sale1", Lines: []domain.SaleLine{{ID: "l1", Product: productRef("p1"), Quantity: 4}}}
	first, err := integrator.ConsumeStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)

	second, err := integrator.ConsumeStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, ledg.moves, 1, "a repeat consume call must not append a second SALE_OUT move")
}

func TestRefundStockForSale_ReversesEachSaleOut(t *testing.T) {
	reader := &fakeReader{
		rows:    []domain.StockOnHand{{Product: "p1", Location: "loc", Batch: "b1", Quantity: 10}},
		batches: map[domain.BatchID]domain.StockBatch{"b1": {ID: "b1", Product: "p1"}},
	}
	ledg := newFakeLedger()
	integrator := stocksale.New(ledg, fefo.New(reader), &fakeLocations{location: "loc"}, clock.Fixed{At: time.Now()}, false)

	sale := domain.Sale{ID: "sale1", Lines: []domain.SaleLine{{ID: "l1", Product: productRef("p1"), Quantity: 4}}}
	_, err := integrator.ConsumeStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)

	refunds, err := integrator.RefundStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, domain.MoveRefundIn, refunds[0].MoveType)
	assert.Equal(t, 4, refunds[0].Quantity, "refund must undo the exact signed quantity of the original SALE_OUT")
}

func TestRefundStockForSale_IdempotentOnSecondCall(t *testing.T) {
	reader := &fakeReader{
		rows:    []domain.StockOnHand{{Product: "p1", Location: "loc", Batch: "b1", Quantity: 10}},
		batches: map[domain.BatchID]domain.StockBatch{"b1": {ID: "b1", Product: "p1"}},
	}
	ledg := newFakeLedger()
	integrator := stocksale.New(ledg, fefo.New(reader), &fakeLocations{location: "loc"}, clock.Fixed{At: time.Now()}, false)

	sale := domain.Sale{ID: "sale1", Lines: []domain.SaleLine{{ID: "l1", Product: productRef("p1"), Quantity: 4}}}
	_, err := integrator.ConsumeStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)

	first, err := integrator.RefundStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)
	second, err := integrator.RefundStockForSale(context.Background(), sale, domain.Actor{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, ledg.moves, 2, "exactly one SALE_OUT and one REFUND_IN, no duplicates")
}

func TestRefundStockForSale_ServicesOnlySaleReturnsEmpty(t *testing.T) {
	ledg := newFakeLedger()
	reader := &fakeReader{}
	integrator := stocksale.New(ledg, fefo.New(reader), &fakeLocations{location: "loc"}, clock.Fixed{At: time.Now()}, false)

	sale := domain.Sale{ID: "sale-with-no-moves"}
	refunds, err := integrator.RefundStockForSale(context.Background(), sale, domain.Actor{})

	require.NoError(t, err)
	assert.Empty(t, refunds)
	assert.Equal(t, 0, ledg.lockCalls, "a services-only sale must never touch the ledger on refund")
}
