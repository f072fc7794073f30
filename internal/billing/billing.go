/*
Package billing implements component E, the Charge Proposal Engine: the
two-step clinical-to-commercial handoff described in §4.E. Grounded on
the teacher's rewards/factory.go + generic/request.go pair — there a
Reward is computed from a frozen snapshot of policy inputs and later
redeemed; here a ChargeProposal is a frozen price snapshot of an
Encounter's treatments, later converted into a draft Sale.

GENERATE_PROPOSAL (§4.E):
  Preconditions: encounter is finalized; encounter has no existing
  proposal (I5, one proposal per encounter); encounter has at least one
  treatment line. Treatments with no effective price are skipped with a
  warning rather than failing the whole operation, per the spec's
  explicit resolution of that open question. A finalized encounter whose
  every treatment lacks a price yields NoBillableLinesError.

CONVERT_TO_SALE (§4.E):
  Preconditions: proposal is draft (not already converted or cancelled);
  at least one line. Produces a draft Sale with one service SaleLine per
  proposal line (Product == nil — these never touch the ledger).
  Idempotent: converting an already-converted proposal returns
  AlreadyConvertedError naming the existing sale.
*/
package billing

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

// EncounterReader is the read-only dependency on clinical data.
type EncounterReader interface {
	GetEncounter(ctx context.Context, id domain.EncounterID) (domain.Encounter, error)
	ProposalByEncounter(ctx context.Context, id domain.EncounterID) (domain.ChargeProposal, bool, error)
}

// ProposalStore persists proposals and the sales converted from them.
type ProposalStore interface {
	NewProposalID() domain.ProposalID
	NewProposalLineID() domain.ProposalLineID
	SaveProposal(ctx context.Context, proposal domain.ChargeProposal) error
	GetProposal(ctx context.Context, id domain.ProposalID) (domain.ChargeProposal, error)
	MarkConverted(ctx context.Context, proposal domain.ProposalID, sale domain.SaleID, at time.Time) error
}

// SaleCreator is the narrow seam into component C needed to materialize
// the draft Sale a conversion produces.
type SaleCreator interface {
	NewSaleID() domain.SaleID
	NewSaleLineID() domain.SaleLineID
	CreateDraftSale(ctx context.Context, sale domain.Sale) (domain.Sale, error)
	// NextSaleSequence returns the next sale sequence number (the count of
	// persisted sales plus one in both stores), for rendering into
	// sale_number_format's {{.Seq}}.
	NextSaleSequence(ctx context.Context) (int, error)
}

// Warning describes a treatment line skipped for lack of a price.
type Warning struct {
	Treatment domain.TreatmentID
	Message   string
}

// Engine implements component E.
type Engine struct {
	Encounters       EncounterReader
	Proposals        ProposalStore
	Sales            SaleCreator
	Clock            clock.Clock
	Currency         string
	SaleNumberFormat string
}

func New(encounters EncounterReader, proposals ProposalStore, sales SaleCreator, clk clock.Clock, currency, saleNumberFormat string) *Engine {
	return &Engine{Encounters: encounters, Proposals: proposals, Sales: sales, Clock: clk, Currency: currency, SaleNumberFormat: saleNumberFormat}
}

var saleNumberToken = regexp.MustCompile(`\{\{\s*\.(Year|Seq)(?::(\d+)d)?\s*\}\}`)

// renderSaleNumber expands format's {{.Year}} and {{.Seq}} (optionally
// {{.Seq:06d}} for zero-padded width) placeholders, per §6's
// sale_number_format option.
func renderSaleNumber(format string, year, seq int) string {
	return saleNumberToken.ReplaceAllStringFunc(format, func(token string) string {
		m := saleNumberToken.FindStringSubmatch(token)
		switch m[1] {
		case "Year":
			return strconv.Itoa(year)
		default: // "Seq"
			if m[2] == "" {
				return strconv.Itoa(seq)
			}
			width, _ := strconv.Atoi(m[2])
			return fmt.Sprintf("%0*d", width, seq)
		}
	})
}

// GenerateProposal builds a ChargeProposal from encounter's treatments,
// per §4.E. Returns the proposal plus any skip-warnings for unpriced
// treatments.
func (e *Engine) GenerateProposal(ctx context.Context, encounterID domain.EncounterID, actor domain.Actor) (domain.ChargeProposal, []Warning, error) {
	encounter, err := e.Encounters.GetEncounter(ctx, encounterID)
	if err != nil {
		return domain.ChargeProposal{}, nil, err
	}

	if encounter.Status != domain.EncounterFinalized {
		return domain.ChargeProposal{}, nil, &coreerr.InvalidOperationError{
			Message: fmt.Sprintf("cannot generate a proposal for encounter %s: status is %s, not finalized", encounterID, encounter.Status),
		}
	}

	if _, found, err := e.Encounters.ProposalByEncounter(ctx, encounterID); err != nil {
		return domain.ChargeProposal{}, nil, err
	} else if found {
		return domain.ChargeProposal{}, nil, &coreerr.IdempotencyViolationError{Encounter: encounterID}
	}

	if len(encounter.Treatments) == 0 {
		return domain.ChargeProposal{}, nil, &coreerr.NoBillableLinesError{Encounter: encounterID}
	}

	var lines []domain.ChargeProposalLine
	var warnings []Warning
	total := decimal.Zero

	for _, et := range encounter.Treatments {
		price := et.EffectivePrice()
		if price == nil {
			warnings = append(warnings, Warning{
				Treatment: et.Treatment.ID,
				Message:   fmt.Sprintf("treatment %s has no default price or override; skipped", et.Treatment.Name),
			})
			continue
		}

		lineTotal := price.Mul(decimal.NewFromInt(int64(et.Quantity)))
		lines = append(lines, domain.ChargeProposalLine{
			ID:                 e.Proposals.NewProposalLineID(),
			EncounterTreatment: et.Treatment.ID,
			TreatmentName:      et.Treatment.Name,
			Description:        et.Notes,
			Quantity:           et.Quantity,
			UnitPrice:          *price,
			LineTotal:          lineTotal,
		})
		total = total.Add(lineTotal)
	}

	if len(lines) == 0 {
		return domain.ChargeProposal{}, warnings, &coreerr.NoBillableLinesError{Encounter: encounterID}
	}

	proposal := domain.ChargeProposal{
		ID:           e.Proposals.NewProposalID(),
		Encounter:    encounterID,
		Patient:      encounter.Patient,
		Practitioner: encounter.Practitioner,
		Status:       domain.ProposalDraft,
		Lines:        lines,
		TotalAmount:  total,
		Currency:     e.Currency,
	}

	if err := e.Proposals.SaveProposal(ctx, proposal); err != nil {
		return domain.ChargeProposal{}, nil, err
	}
	return proposal, warnings, nil
}

// ConvertToSale materializes a draft Sale from a draft proposal, per
// §4.E. legalEntity is required — the billable party the sale is issued
// against, distinct from the treating practitioner. Idempotent: a
// proposal already converted returns AlreadyConvertedError naming the
// prior sale.
func (e *Engine) ConvertToSale(ctx context.Context, proposalID domain.ProposalID, legalEntity string, actor domain.Actor) (domain.Sale, error) {
	proposal, err := e.Proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Sale{}, err
	}

	if proposal.Status == domain.ProposalConverted {
		return domain.Sale{}, &coreerr.AlreadyConvertedError{Proposal: proposalID, Sale: *proposal.ConvertedToSale}
	}
	if proposal.Status != domain.ProposalDraft {
		return domain.Sale{}, &coreerr.InvalidOperationError{
			Message: fmt.Sprintf("cannot convert proposal %s: status is %s, not draft", proposalID, proposal.Status),
		}
	}
	if len(proposal.Lines) == 0 {
		return domain.Sale{}, &coreerr.NoBillableLinesError{Encounter: proposal.Encounter}
	}

	saleID := e.Sales.NewSaleID()
	lines := make([]domain.SaleLine, 0, len(proposal.Lines))
	for _, pl := range proposal.Lines {
		lines = append(lines, domain.SaleLine{
			ID:          e.Sales.NewSaleLineID(),
			Sale:        saleID,
			Product:     nil, // service line: charge-proposal conversions never touch stock
			ProductName: pl.TreatmentName,
			Quantity:    pl.Quantity,
			UnitPrice:   pl.UnitPrice,
		})
	}

	seq, err := e.Sales.NextSaleSequence(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:          saleID,
		Patient:     proposal.Patient,
		LegalEntity: legalEntity,
		SaleNumber:  renderSaleNumber(e.SaleNumberFormat, e.Clock.Now().Year(), seq),
		Status:      domain.SaleDraft,
		Lines:       lines,
		CreatedBy:   actor.ID,
	}

	created, err := e.Sales.CreateDraftSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	if err := e.Proposals.MarkConverted(ctx, proposalID, created.ID, e.Clock.Now()); err != nil {
		return domain.Sale{}, err
	}

	return created, nil
}
