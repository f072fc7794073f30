/*
Package domain holds the shared entity types for the clinical-commercial
core: products, stock, sales, encounters and charge proposals (§3 of the
specification). It deliberately carries no behavior beyond small derived
getters — the operations that mutate these entities live in the sibling
packages (ledger, fefo, sales, stocksale, billing, rbac), each of which
owns one lifecycle.

DESIGN:
  Money and priced quantities use decimal.Decimal (shopspring/decimal) to
  avoid floating point drift on totals. Stock quantities are plain int —
  batches are always whole units in this system.

SEE ALSO:
  - ledger: StockMove / StockOnHand lifecycle (component A)
  - sales: Sale / SaleLine lifecycle (component C)
  - billing: ChargeProposal / ChargeProposalLine lifecycle (component E)
*/
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type LocationID string
type BatchID string
type MoveID string
type PatientID string
type EncounterID string
type TreatmentID string
type SaleID string
type SaleLineID string
type ProposalID string
type ProposalLineID string

// =============================================================================
// PRODUCT / LOCATION / BATCH
// =============================================================================

type Product struct {
	ID     ProductID
	SKU    string
	Name   string
	Active bool
}

type StockLocation struct {
	ID      LocationID
	Code    string // unique, e.g. MAIN-WAREHOUSE
	Active  bool
	Default bool
}

// StockBatch is a lot of a product received together, sharing an expiry.
// ExpiryDate is nil for "no-expiry" batches, which FEFO always sorts last.
type StockBatch struct {
	ID          BatchID
	Product     ProductID
	BatchNumber string
	ExpiryDate  *time.Time
}

// =============================================================================
// STOCK MOVE / ON-HAND (component A, §3)
// =============================================================================

type MoveType string

const (
	MovePurchaseIn  MoveType = "PURCHASE_IN"
	MoveAdjustIn    MoveType = "ADJUSTMENT_IN"
	MoveAdjustOut   MoveType = "ADJUSTMENT_OUT"
	MoveTransferIn  MoveType = "TRANSFER_IN"
	MoveTransferOut MoveType = "TRANSFER_OUT"
	MoveWasteOut    MoveType = "WASTE_OUT"
	MoveSaleOut     MoveType = "SALE_OUT"
	MoveRefundIn    MoveType = "REFUND_IN"
)

// IsIn reports whether this move type is conventionally a positive (IN) move.
func (t MoveType) IsIn() bool {
	switch t {
	case MovePurchaseIn, MoveAdjustIn, MoveTransferIn, MoveRefundIn:
		return true
	default:
		return false
	}
}

// StockMove is an append-only, signed change to on-hand. Never updated or
// deleted — corrections are compensating moves (I1-I3 in the spec).
type StockMove struct {
	ID                MoveID
	Product           ProductID
	Location          LocationID
	Batch             BatchID
	MoveType          MoveType
	Quantity          int // signed: positive for IN, negative for OUT
	Reason            string
	ReferenceType     string
	ReferenceID       string
	SaleRef           *SaleID
	SaleLineRef       *SaleLineID
	ReversedMoveRef   *MoveID // set only on REFUND_IN moves that undo a SALE_OUT
	CreatedBy         string
	CreatedAt         time.Time
}

// StockOnHand is the current quantity for a (product, location, batch)
// triple. Always derivable as Σ StockMove.Quantity for that triple (I1).
type StockOnHand struct {
	Product  ProductID
	Location LocationID
	Batch    BatchID
	Quantity int // non-negative (I2)
}

// =============================================================================
// PATIENT (consents + optimistic concurrency)
// =============================================================================

type Consents struct {
	PrivacyAccepted   bool
	PrivacyAcceptedAt *time.Time
	TermsAccepted     bool
	TermsAcceptedAt   *time.Time
}

type Patient struct {
	ID         PatientID
	FirstName  string
	LastName   string
	Consents   Consents
	RowVersion int
}

// =============================================================================
// ENCOUNTER (clinical, terminal once finalized or cancelled)
// =============================================================================

type EncounterStatus string

const (
	EncounterDraft     EncounterStatus = "draft"
	EncounterFinalized EncounterStatus = "finalized"
	EncounterCancelled EncounterStatus = "cancelled"
)

// IsTerminal reports whether the encounter can no longer change state (I6).
func (s EncounterStatus) IsTerminal() bool {
	return s == EncounterFinalized || s == EncounterCancelled
}

type Treatment struct {
	ID           TreatmentID
	Name         string
	Description  string
	DefaultPrice *decimal.Decimal // nil means "not priced yet"
}

type EncounterTreatment struct {
	Encounter          EncounterID
	Treatment          Treatment
	Quantity           int // > 0
	UnitPriceOverride  *decimal.Decimal
	Notes              string
}

// EffectivePrice returns the override if set, else the treatment's default.
// Returns nil if neither is available (a configuration gap the billing
// engine skips with a warning per §4.E).
func (et EncounterTreatment) EffectivePrice() *decimal.Decimal {
	if et.UnitPriceOverride != nil {
		return et.UnitPriceOverride
	}
	return et.Treatment.DefaultPrice
}

// Total returns quantity × effective price, or nil if no price is set.
func (et EncounterTreatment) Total() *decimal.Decimal {
	p := et.EffectivePrice()
	if p == nil {
		return nil
	}
	t := p.Mul(decimal.NewFromInt(int64(et.Quantity)))
	return &t
}

type Encounter struct {
	ID          EncounterID
	Patient     PatientID
	Practitioner string
	Status      EncounterStatus
	OccurredAt  time.Time
	Notes       string
	Treatments  []EncounterTreatment
}

// =============================================================================
// SALE (component C, §3/§4.C)
// =============================================================================

type SaleStatus string

const (
	SaleDraft     SaleStatus = "draft"
	SalePending   SaleStatus = "pending"
	SalePaid      SaleStatus = "paid"
	SaleCancelled SaleStatus = "cancelled"
	SaleRefunded  SaleStatus = "refunded"
)

// SaleLine is a tagged sum in spirit: Product == nil marks a service line
// that does not consume stock (§9 re-architecture note). product_name is
// always a snapshot, taken at line-creation time, so historical sales read
// correctly even if the product is later renamed.
type SaleLine struct {
	ID          SaleLineID
	Sale        SaleID
	Product     *ProductID // nil => service line, no FEFO consumption
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// IsService reports whether this line should be skipped by stock consumption.
func (l SaleLine) IsService() bool { return l.Product == nil }

// Total returns quantity × unit price for this line.
func (l SaleLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Sale struct {
	ID           SaleID
	Patient      PatientID
	LegalEntity  string
	Status       SaleStatus
	SaleNumber   string
	Lines        []SaleLine
	PaidAt       *time.Time
	RefundReason *string
	RowVersion   int
	CreatedBy    string
	Notes        string
}

// =============================================================================
// CHARGE PROPOSAL (component E, §3/§4.E)
// =============================================================================

type ProposalStatus string

const (
	ProposalDraft     ProposalStatus = "draft"
	ProposalConverted ProposalStatus = "converted"
	ProposalCancelled ProposalStatus = "cancelled"
)

type ChargeProposalLine struct {
	ID                ProposalLineID
	Proposal          ProposalID
	EncounterTreatment TreatmentID
	TreatmentName     string // snapshot
	Description       string
	Quantity          int
	UnitPrice         decimal.Decimal
	LineTotal         decimal.Decimal
}

type ChargeProposal struct {
	ID               ProposalID
	Encounter        EncounterID // 1:1 anchor (I5)
	Patient          PatientID
	Practitioner     string
	Status           ProposalStatus
	Lines            []ChargeProposalLine
	ConvertedToSale  *SaleID
	ConvertedAt      *time.Time
	TotalAmount      decimal.Decimal
	Currency         string
	CancellationReason *string
	Notes            string
}

// =============================================================================
// RBAC ACTOR (component F, §4.F)
// =============================================================================

type Role string

const (
	RoleAdmin        Role = "Admin"
	RolePractitioner Role = "Practitioner"
	RoleReception    Role = "Reception"
	RoleClinicalOps  Role = "ClinicalOps"
	RoleAccounting   Role = "Accounting"
	RoleMarketing    Role = "Marketing"
)

// Actor is the authenticated principal attached to every core operation,
// supplied by the identity provider (§6, out of scope here).
type Actor struct {
	ID    string
	Roles []Role
}

// Has reports whether the actor carries the given role.
func (a Actor) Has(r Role) bool {
	for _, role := range a.Roles {
		if role == r {
			return true
		}
	}
	return false
}
