package sales_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
	"github.com/clinicflow/sales-core/internal/sales"
)

type fakeStore struct {
	sale       domain.Sale
	updated    domain.Sale
	updateErr  error
	updateCall int
}

func (f *fakeStore) GetSale(ctx context.Context, id domain.SaleID) (domain.Sale, error) {
	return f.sale, nil
}

func (f *fakeStore) UpdateSale(ctx context.Context, sale domain.Sale, expectedRowVersion int) (domain.Sale, error) {
	f.updateCall++
	if f.updateErr != nil {
		return domain.Sale{}, f.updateErr
	}
	sale.RowVersion = expectedRowVersion + 1
	f.updated = sale
	return sale, nil
}

type fakeIntegrator struct {
	consumeCalled bool
	refundCalled  bool
	consumeErr    error
	refundErr     error
}

func (f *fakeIntegrator) ConsumeStockForSale(ctx context.Context, sale domain.Sale, actor domain.Actor) ([]domain.StockMove, error) {
	f.consumeCalled = true
	return nil, f.consumeErr
}

func (f *fakeIntegrator) RefundStockForSale(ctx context.Context, sale domain.Sale, actor domain.Actor) ([]domain.StockMove, error) {
	f.refundCalled = true
	return nil, f.refundErr
}

func TestTransitionTo_DraftToPending_Allowed(t *testing.T) {
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SaleDraft, RowVersion: 1}}
	integrator := &fakeIntegrator{}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	updated, err := m.TransitionTo(context.Background(), "s1", domain.SalePending, "", domain.Actor{}, 1)

	require.NoError(t, err)
	assert.Equal(t, domain.SalePending, updated.Status)
	assert.False(t, integrator.consumeCalled, "pending transition must not touch stock")
}

func TestTransitionTo_PendingToPaid_ConsumesStock(t *testing.T) {
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SalePending, RowVersion: 2}}
	integrator := &fakeIntegrator{}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	updated, err := m.TransitionTo(context.Background(), "s1", domain.SalePaid, "", domain.Actor{}, 2)

	require.NoError(t, err)
	assert.Equal(t, domain.SalePaid, updated.Status)
	assert.True(t, integrator.consumeCalled)
	assert.NotNil(t, updated.PaidAt)
}

func TestTransitionTo_PaidToRefunded_RefundsStock(t *testing.T) {
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SalePaid, RowVersion: 3}}
	integrator := &fakeIntegrator{}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	updated, err := m.TransitionTo(context.Background(), "s1", domain.SaleRefunded, "patient requested", domain.Actor{}, 3)

	require.NoError(t, err)
	assert.Equal(t, domain.SaleRefunded, updated.Status)
	assert.True(t, integrator.refundCalled)
	require.NotNil(t, updated.RefundReason)
	assert.Equal(t, "patient requested", *updated.RefundReason)
}

func TestTransitionTo_IllegalEdgeRejected(t *testing.T) {
	// draft -> refunded is not in the state graph
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SaleDraft, RowVersion: 1}}
	integrator := &fakeIntegrator{}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	_, err := m.TransitionTo(context.Background(), "s1", domain.SaleRefunded, "", domain.Actor{}, 1)

	var transitionErr *coreerr.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.False(t, integrator.refundCalled)
}

func TestTransitionTo_TerminalStateRejectsAnyEdge(t *testing.T) {
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SaleCancelled, RowVersion: 1}}
	integrator := &fakeIntegrator{}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	_, err := m.TransitionTo(context.Background(), "s1", domain.SalePending, "", domain.Actor{}, 1)

	var transitionErr *coreerr.InvalidTransitionError
	assert.ErrorAs(t, err, &transitionErr)
}

func TestTransitionTo_RowVersionMismatchRejected(t *testing.T) {
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SaleDraft, RowVersion: 5}}
	integrator := &fakeIntegrator{}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	_, err := m.TransitionTo(context.Background(), "s1", domain.SalePending, "", domain.Actor{}, 4)

	var conflictErr *coreerr.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, 4, conflictErr.Expected)
	assert.Equal(t, 5, conflictErr.Actual)
	assert.Equal(t, 0, store.updateCall, "a rejected transition must never reach UpdateSale")
}

func TestTransitionTo_StockConsumptionFailureAbortsTransition(t *testing.T) {
	store := &fakeStore{sale: domain.Sale{ID: "s1", Status: domain.SalePending, RowVersion: 1}}
	integrator := &fakeIntegrator{consumeErr: &coreerr.InsufficientStockError{Product: "p1", Requested: 5, Available: 2}}
	m := sales.New(store, integrator, clock.Fixed{At: time.Now()})

	_, err := m.TransitionTo(context.Background(), "s1", domain.SalePaid, "", domain.Actor{}, 1)

	require.Error(t, err)
	assert.Equal(t, 0, store.updateCall, "failed stock consumption must not persist the new status")
}
