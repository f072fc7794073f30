/*
Package app is the orchestration layer that ties one store transaction to
a fresh set of component instances per call, the way the teacher's
api/handlers.go builds a generic.Ledger from the request-scoped store
reference. Here the wiring is heavier — six components instead of one
ledger — so it is factored out of the transport layer entirely: transport
only calls Service methods and maps the returned error to a status code.

Every exported method here is one "user-initiated core operation" in the
sense of §5: it opens exactly one store transaction, builds
transaction-scoped component instances against it, evaluates the RBAC
guard, performs the operation, and commits or rolls back as a unit.
*/
package app

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicflow/sales-core/internal/billing"
	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
	"github.com/clinicflow/sales-core/internal/fefo"
	"github.com/clinicflow/sales-core/internal/ledger"
	"github.com/clinicflow/sales-core/internal/rbac"
	"github.com/clinicflow/sales-core/internal/sales"
	"github.com/clinicflow/sales-core/internal/stocksale"
	"github.com/clinicflow/sales-core/internal/store/sqlite"
)

var tracer = otel.Tracer("clinicflow-sales-core")

// Store is satisfied by sqlite.Store. postgres.Store does not satisfy it:
// its WithTx hands fn a *postgres.Tx rather than a *sqlite.Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sqlite.Tx) error) error
}

// Service is the application's single entry point for every core
// operation exposed over HTTP.
type Service struct {
	Store                Store
	Clock                clock.Clock
	Guard                *rbac.Guard
	Currency             string
	SaleNumberFormat     string
	AllowExpiredOnRefund bool
}

func New(store Store, clk clock.Clock, currency, saleNumberFormat string, allowExpiredOnRefund bool) *Service {
	return &Service{Store: store, Clock: clk, Guard: rbac.New(), Currency: currency, SaleNumberFormat: saleNumberFormat, AllowExpiredOnRefund: allowExpiredOnRefund}
}

func (s *Service) build(tx *sqlite.Tx) (*sales.Machine, *billing.Engine) {
	alloc := fefo.New(tx)
	ledg := ledger.New(tx, s.Clock)
	integrator := stocksale.New(ledg, alloc, tx, s.Clock, s.AllowExpiredOnRefund)
	machine := sales.New(tx, integrator, s.Clock)
	billingEngine := billing.New(tx, tx, tx, s.Clock, s.Currency, s.SaleNumberFormat)
	return machine, billingEngine
}

// GenerateProposal implements proposal.generate.
func (s *Service) GenerateProposal(ctx context.Context, encounterID domain.EncounterID, actor domain.Actor) (domain.ChargeProposal, []billing.Warning, error) {
	ctx, span := tracer.Start(ctx, "GenerateProposal")
	defer span.End()
	span.SetAttributes(attribute.String("encounter.id", string(encounterID)))

	if err := s.Guard.Require(rbac.OpProposalGenerate, actor); err != nil {
		span.RecordError(err)
		return domain.ChargeProposal{}, nil, err
	}

	var proposal domain.ChargeProposal
	var warnings []billing.Warning
	err := s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		encounter, err := tx.GetEncounter(ctx, encounterID)
		if err != nil {
			return err
		}
		if err := s.Guard.RequireOwn(rbac.OpProposalGenerate, actor, encounter.Practitioner); err != nil {
			return err
		}
		_, billingEngine := s.build(tx)
		proposal, warnings, err = billingEngine.GenerateProposal(ctx, encounterID, actor)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return proposal, warnings, err
	}
	span.SetAttributes(attribute.String("proposal.id", string(proposal.ID)))
	return proposal, warnings, err
}

// ConvertToSale implements proposal.convert_to_sale. legalEntity is the
// required billable party (§4.E) — never inferred from the encounter.
func (s *Service) ConvertToSale(ctx context.Context, proposalID domain.ProposalID, legalEntity string, actor domain.Actor) (domain.Sale, error) {
	ctx, span := tracer.Start(ctx, "ConvertToSale")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", string(proposalID)))

	if err := s.Guard.Require(rbac.OpProposalConvertToSale, actor); err != nil {
		span.RecordError(err)
		return domain.Sale{}, err
	}

	var sale domain.Sale
	err := s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		_, billingEngine := s.build(tx)
		var err error
		sale, err = billingEngine.ConvertToSale(ctx, proposalID, legalEntity, actor)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return sale, err
}

// TransitionSale implements sale.transition(*).
func (s *Service) TransitionSale(ctx context.Context, saleID domain.SaleID, newStatus domain.SaleStatus, reason string, actor domain.Actor, expectedRowVersion int) (domain.Sale, error) {
	ctx, span := tracer.Start(ctx, "TransitionSale")
	defer span.End()
	span.SetAttributes(
		attribute.String("sale.id", string(saleID)),
		attribute.String("sale.new_status", string(newStatus)),
	)

	op := opForTransition(newStatus)
	if err := s.Guard.Require(op, actor); err != nil {
		span.RecordError(err)
		return domain.Sale{}, err
	}

	var sale domain.Sale
	err := s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		machine, _ := s.build(tx)
		var err error
		sale, err = machine.TransitionTo(ctx, saleID, newStatus, reason, actor, expectedRowVersion)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return sale, err
}

func opForTransition(to domain.SaleStatus) rbac.Operation {
	switch to {
	case domain.SalePaid:
		return rbac.OpSaleTransitionToPaid
	case domain.SaleRefunded:
		return rbac.OpSaleTransitionToRefund
	default:
		return rbac.OpSaleTransitionToPaid // cancel/draft edges carry the same reach as paid in §4.F
	}
}

// GetSale implements an unguarded read used by the transport layer to
// render a sale; RBAC for reads beyond stock.view/proposal.view is left
// to the identity provider's own scoping in this version.
func (s *Service) GetSale(ctx context.Context, id domain.SaleID) (domain.Sale, error) {
	var sale domain.Sale
	err := s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		sale, err = tx.GetSale(ctx, id)
		return err
	})
	return sale, err
}

// GetProposal implements proposal.view.
func (s *Service) GetProposal(ctx context.Context, id domain.ProposalID, actor domain.Actor) (domain.ChargeProposal, error) {
	var proposal domain.ChargeProposal
	err := s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		proposal, err = tx.GetProposal(ctx, id)
		return err
	})
	if err != nil {
		return domain.ChargeProposal{}, err
	}
	if rbacErr := s.Guard.RequireOwn(rbac.OpProposalView, actor, proposal.Practitioner); rbacErr != nil {
		return domain.ChargeProposal{}, rbacErr
	}
	return proposal, nil
}

// StockOnHand implements stock.view.
func (s *Service) StockOnHand(ctx context.Context, product domain.ProductID, location domain.LocationID, actor domain.Actor) ([]domain.StockOnHand, error) {
	if err := s.Guard.Require(rbac.OpStockView, actor); err != nil {
		return nil, err
	}

	var rows []domain.StockOnHand
	err := s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		ledg := ledger.New(tx, s.Clock)
		var err error
		rows, err = ledg.ReadOnHand(ctx, product, location)
		return err
	})
	return rows, err
}

// FinalizeEncounter flips an encounter to finalized, the precondition
// proposal.generate requires. Full encounter/treatment authoring is out
// of this core's scope per §1; this one transition is kept because
// proposal.generate is otherwise unreachable without it.
func (s *Service) FinalizeEncounter(ctx context.Context, id domain.EncounterID, actor domain.Actor) error {
	if err := s.Guard.Require(rbac.OpEncounterCreateFinalize, actor); err != nil {
		return err
	}
	return s.Store.WithTx(ctx, func(tx *sqlite.Tx) error {
		encounter, err := tx.GetEncounter(ctx, id)
		if err != nil {
			return err
		}
		if encounter.Status.IsTerminal() {
			return &coreerr.InvalidOperationError{Message: "encounter is already terminal"}
		}
		return tx.FinalizeEncounter(ctx, id)
	})
}
