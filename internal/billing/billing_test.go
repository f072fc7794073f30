package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/sales-core/internal/billing"
	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

type fakeEncounters struct {
	encounter domain.Encounter
	existing  *domain.ChargeProposal
}

func (f *fakeEncounters) GetEncounter(ctx context.Context, id domain.EncounterID) (domain.Encounter, error) {
	return f.encounter, nil
}

func (f *fakeEncounters) ProposalByEncounter(ctx context.Context, id domain.EncounterID) (domain.ChargeProposal, bool, error) {
	if f.existing == nil {
		return domain.ChargeProposal{}, false, nil
	}
	return *f.existing, true, nil
}

type fakeProposals struct {
	nextID     int
	saved      domain.ChargeProposal
	byID       map[domain.ProposalID]domain.ChargeProposal
	convertedTo domain.SaleID
	convertedAt time.Time
}

func newFakeProposals() *fakeProposals {
	return &fakeProposals{byID: map[domain.ProposalID]domain.ChargeProposal{}}
}

func (f *fakeProposals) NewProposalID() domain.ProposalID         { f.nextID++; return domain.ProposalID("prop1") }
func (f *fakeProposals) NewProposalLineID() domain.ProposalLineID { f.nextID++; return domain.ProposalLineID("pl1") }

func (f *fakeProposals) SaveProposal(ctx context.Context, proposal domain.ChargeProposal) error {
	f.saved = proposal
	f.byID[proposal.ID] = proposal
	return nil
}

func (f *fakeProposals) GetProposal(ctx context.Context, id domain.ProposalID) (domain.ChargeProposal, error) {
	return f.byID[id], nil
}

func (f *fakeProposals) MarkConverted(ctx context.Context, proposal domain.ProposalID, sale domain.SaleID, at time.Time) error {
	f.convertedTo = sale
	f.convertedAt = at
	p := f.byID[proposal]
	p.Status = domain.ProposalConverted
	p.ConvertedToSale = &sale
	f.byID[proposal] = p
	return nil
}

type fakeSales struct {
	nextID  int
	seq     int
	created domain.Sale
}

func (f *fakeSales) NewSaleID() domain.SaleID         { f.nextID++; return domain.SaleID("sale1") }
func (f *fakeSales) NewSaleLineID() domain.SaleLineID { f.nextID++; return domain.SaleLineID("sl1") }

func (f *fakeSales) CreateDraftSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	f.created = sale
	return sale, nil
}

func (f *fakeSales) NextSaleSequence(ctx context.Context) (int, error) {
	f.seq++
	return f.seq, nil
}

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestGenerateProposal_SkipsUnpricedTreatmentsWithWarning(t *testing.T) {
	encounter := domain.Encounter{
		ID:     "e1",
		Status: domain.EncounterFinalized,
		Treatments: []domain.EncounterTreatment{
			{Treatment: domain.Treatment{ID: "t1", Name: "Consultation", DefaultPrice: price("50.00")}, Quantity: 1},
			{Treatment: domain.Treatment{ID: "t2", Name: "Unpriced add-on", DefaultPrice: nil}, Quantity: 1},
		},
	}
	engine := billing.New(&fakeEncounters{encounter: encounter}, newFakeProposals(), &fakeSales{}, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	proposal, warnings, err := engine.GenerateProposal(context.Background(), "e1", domain.Actor{})

	require.NoError(t, err)
	require.Len(t, proposal.Lines, 1)
	assert.Equal(t, "Consultation", proposal.Lines[0].TreatmentName)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.TreatmentID("t2"), warnings[0].Treatment)
}

func TestGenerateProposal_NoBillableLinesWhenAllUnpriced(t *testing.T) {
	encounter := domain.Encounter{
		ID:     "e1",
		Status: domain.EncounterFinalized,
		Treatments: []domain.EncounterTreatment{
			{Treatment: domain.Treatment{ID: "t1", Name: "Unpriced", DefaultPrice: nil}, Quantity: 1},
		},
	}
	engine := billing.New(&fakeEncounters{encounter: encounter}, newFakeProposals(), &fakeSales{}, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	_, _, err := engine.GenerateProposal(context.Background(), "e1", domain.Actor{})

	var noBillable *coreerr.NoBillableLinesError
	require.ErrorAs(t, err, &noBillable)
}

func TestGenerateProposal_RejectsNonFinalizedEncounter(t *testing.T) {
	encounter := domain.Encounter{ID: "e1", Status: domain.EncounterDraft}
	engine := billing.New(&fakeEncounters{encounter: encounter}, newFakeProposals(), &fakeSales{}, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	_, _, err := engine.GenerateProposal(context.Background(), "e1", domain.Actor{})

	var opErr *coreerr.InvalidOperationError
	require.ErrorAs(t, err, &opErr)
}

func TestGenerateProposal_RejectsDuplicateProposal(t *testing.T) {
	encounter := domain.Encounter{
		ID:     "e1",
		Status: domain.EncounterFinalized,
		Treatments: []domain.EncounterTreatment{
			{Treatment: domain.Treatment{ID: "t1", Name: "Consultation", DefaultPrice: price("50.00")}, Quantity: 1},
		},
	}
	existing := domain.ChargeProposal{ID: "prop0", Encounter: "e1"}
	engine := billing.New(&fakeEncounters{encounter: encounter, existing: &existing}, newFakeProposals(), &fakeSales{}, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	_, _, err := engine.GenerateProposal(context.Background(), "e1", domain.Actor{})

	var idemErr *coreerr.IdempotencyViolationError
	require.ErrorAs(t, err, &idemErr)
}

func TestConvertToSale_ProducesServiceOnlyLines(t *testing.T) {
	proposals := newFakeProposals()
	proposal := domain.ChargeProposal{
		ID:     "prop1",
		Status: domain.ProposalDraft,
		Lines: []domain.ChargeProposalLine{
			{TreatmentName: "Consultation", Quantity: 1, UnitPrice: decimal.RequireFromString("50.00")},
		},
	}
	proposals.byID["prop1"] = proposal
	sales := &fakeSales{}
	engine := billing.New(&fakeEncounters{}, proposals, sales, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	sale, err := engine.ConvertToSale(context.Background(), "prop1", "legal-entity-x", domain.Actor{ID: "u1"})

	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)
	assert.Nil(t, sale.Lines[0].Product, "converted lines must never reference a stocked product")
	assert.Equal(t, domain.SaleDraft, sale.Status)
	assert.Equal(t, "legal-entity-x", sale.LegalEntity)
	assert.Equal(t, "SALE-"+time.Now().Format("2006")+"-000001", sale.SaleNumber)
}

func TestConvertToSale_AlreadyConvertedIsIdempotentError(t *testing.T) {
	proposals := newFakeProposals()
	existingSale := domain.SaleID("sale0")
	proposal := domain.ChargeProposal{ID: "prop1", Status: domain.ProposalConverted, ConvertedToSale: &existingSale}
	proposals.byID["prop1"] = proposal
	engine := billing.New(&fakeEncounters{}, proposals, &fakeSales{}, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	_, err := engine.ConvertToSale(context.Background(), "prop1", "legal-entity-x", domain.Actor{})

	var alreadyErr *coreerr.AlreadyConvertedError
	require.ErrorAs(t, err, &alreadyErr)
	assert.Equal(t, existingSale, alreadyErr.Sale)
}

func TestConvertToSale_RejectsCancelledProposal(t *testing.T) {
	proposals := newFakeProposals()
	proposal := domain.ChargeProposal{ID: "prop1", Status: domain.ProposalCancelled, Lines: []domain.ChargeProposalLine{{}}}
	proposals.byID["prop1"] = proposal
	engine := billing.New(&fakeEncounters{}, proposals, &fakeSales{}, clock.Fixed{At: time.Now()}, "USD", "SALE-{{.Year}}-{{.Seq:06d}}")

	_, err := engine.ConvertToSale(context.Background(), "prop1", "legal-entity-x", domain.Actor{})

	var opErr *coreerr.InvalidOperationError
	require.ErrorAs(t, err, &opErr)
}
