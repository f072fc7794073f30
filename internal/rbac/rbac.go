/*
Package rbac implements component F, the RBAC Guard: a declarative
role-permission matrix evaluated at operation entry. Grounded on the
teacher's factory/policy.go, which resolves a similarly declarative
policy table (accrual rules keyed by leave type) rather than hand-rolled
if-chains per request kind.

Admin always passes, per §4.F. Every other role's reach is exactly the
matrix below; "own" entries additionally require the resource's
practitioner to equal the actor's ID, checked by the caller via
RequireOwn once Allow has confirmed the role may act at all.
*/
package rbac

import (
	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

// Operation names the core operations the guard recognizes, per §4.F's
// matrix rows.
type Operation string

const (
	OpEncounterCreateFinalize Operation = "encounter.create_finalize"
	OpEncounterAddTreatment   Operation = "encounter.add_treatment"
	OpProposalGenerate        Operation = "proposal.generate"
	OpProposalView            Operation = "proposal.view"
	OpProposalConvertToSale   Operation = "proposal.convert_to_sale"
	OpSaleTransitionToPaid    Operation = "sale.transition_to_paid"
	OpSaleTransitionToRefund  Operation = "sale.transition_to_refunded"
	OpStockManualAdjust       Operation = "stock.manual_adjust"
	OpStockView               Operation = "stock.view"
)

// grant records whether a role may perform an operation, and whether
// that permission is scoped to resources the actor owns.
type grant struct {
	allowed  bool
	ownOnly  bool
	readOnly bool
}

// matrix mirrors §4.F's table exactly. Admin is handled separately in
// Allow and does not appear here.
var matrix = map[Operation]map[domain.Role]grant{
	OpEncounterCreateFinalize: {
		domain.RolePractitioner: {allowed: true},
		domain.RoleClinicalOps:  {allowed: true},
	},
	OpEncounterAddTreatment: {
		domain.RolePractitioner: {allowed: true},
		domain.RoleClinicalOps:  {allowed: true},
	},
	OpProposalGenerate: {
		domain.RolePractitioner: {allowed: true, ownOnly: true},
		domain.RoleClinicalOps:  {allowed: true},
	},
	OpProposalView: {
		domain.RolePractitioner: {allowed: true, ownOnly: true},
		domain.RoleReception:    {allowed: true},
		domain.RoleClinicalOps:  {allowed: true},
		domain.RoleAccounting:   {allowed: true, readOnly: true},
	},
	OpProposalConvertToSale: {
		domain.RoleReception:   {allowed: true},
		domain.RoleClinicalOps: {allowed: true},
	},
	OpSaleTransitionToPaid: {
		domain.RoleReception:   {allowed: true},
		domain.RoleClinicalOps: {allowed: true},
	},
	OpSaleTransitionToRefund: {
		domain.RoleReception:   {allowed: true},
		domain.RoleClinicalOps: {allowed: true},
	},
	OpStockManualAdjust: {
		domain.RoleClinicalOps: {allowed: true},
	},
	OpStockView: {
		domain.RolePractitioner: {allowed: true},
		domain.RoleReception:    {allowed: true},
		domain.RoleClinicalOps:  {allowed: true},
		domain.RoleAccounting:   {allowed: true},
	},
}

// Guard evaluates the matrix for an actor against an operation.
type Guard struct{}

func New() *Guard { return &Guard{} }

// Allow reports the grant the actor holds for op across their role set,
// or Forbidden if none of their roles grant it. Admin always passes with
// an unrestricted grant.
func (g *Guard) Allow(op Operation, actor domain.Actor) (grant, error) {
	if actor.Has(domain.RoleAdmin) {
		return grant{allowed: true}, nil
	}

	rows, known := matrix[op]
	if !known {
		return grant{}, &coreerr.ForbiddenError{Operation: string(op), ActorID: actor.ID, Roles: actor.Roles}
	}

	best := grant{}
	found := false
	for _, role := range actor.Roles {
		if g, ok := rows[role]; ok && g.allowed {
			found = true
			if !g.ownOnly && !g.readOnly {
				return g, nil // an unrestricted grant always wins
			}
			best = g
		}
	}
	if !found {
		return grant{}, &coreerr.ForbiddenError{Operation: string(op), ActorID: actor.ID, Roles: actor.Roles}
	}
	return best, nil
}

// Require is Allow but returns only the error, for call sites that don't
// need the grant's own/read-only qualifiers.
func (g *Guard) Require(op Operation, actor domain.Actor) error {
	_, err := g.Allow(op, actor)
	return err
}

// RequireOwn additionally enforces the "own" predicate from §4.F: when
// the actor's grant is own-scoped, resourcePractitioner must equal
// actor.ID.
func (g *Guard) RequireOwn(op Operation, actor domain.Actor, resourcePractitioner string) error {
	grant, err := g.Allow(op, actor)
	if err != nil {
		return err
	}
	if grant.ownOnly && resourcePractitioner != actor.ID {
		return &coreerr.ForbiddenError{Operation: string(op), ActorID: actor.ID, Roles: actor.Roles}
	}
	return nil
}
