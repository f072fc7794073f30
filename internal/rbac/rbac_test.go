package rbac_test

import (
	"errors"
	"testing"

	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
	"github.com/clinicflow/sales-core/internal/rbac"
)

func TestRequire_AdminAlwaysPasses(t *testing.T) {
	// GIVEN: an actor with only the Admin role
	// WHEN: stock.manual_adjust, whose matrix row grants only ClinicalOps, is required
	// THEN: it passes
	guard := rbac.New()
	admin := domain.Actor{ID: "a1", Roles: []domain.Role{domain.RoleAdmin}}

	if err := guard.Require(rbac.OpStockManualAdjust, admin); err != nil {
		t.Fatalf("expected admin to pass, got %v", err)
	}
}

func TestRequire_MatrixGrantsMatchRole(t *testing.T) {
	// GIVEN: the §4.F matrix
	// WHEN: a Reception actor requests proposal.convert_to_sale
	// THEN: it is allowed
	guard := rbac.New()
	reception := domain.Actor{ID: "r1", Roles: []domain.Role{domain.RoleReception}}

	if err := guard.Require(rbac.OpProposalConvertToSale, reception); err != nil {
		t.Fatalf("expected reception to be allowed, got %v", err)
	}
}

func TestRequire_RoleOutsideMatrixIsForbidden(t *testing.T) {
	// GIVEN: Marketing has no row in the stock.manual_adjust grant
	// WHEN: Require is called
	// THEN: ForbiddenError
	guard := rbac.New()
	marketing := domain.Actor{ID: "m1", Roles: []domain.Role{domain.RoleMarketing}}

	err := guard.Require(rbac.OpStockManualAdjust, marketing)
	if !errors.Is(err, coreerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRequire_UnknownOperationIsForbiddenEvenForKnownRoles(t *testing.T) {
	// GIVEN: an operation absent from the matrix entirely
	// WHEN: a non-admin actor requires it
	// THEN: ForbiddenError, never a panic on a missing map key
	guard := rbac.New()
	clinicalOps := domain.Actor{ID: "c1", Roles: []domain.Role{domain.RoleClinicalOps}}

	err := guard.Require(rbac.Operation("some.unknown.operation"), clinicalOps)
	if !errors.Is(err, coreerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown op, got %v", err)
	}
}

func TestRequireOwn_PractitionerRestrictedToOwnResource(t *testing.T) {
	// GIVEN: Practitioner's proposal.view grant is own-only
	// WHEN: the resource's practitioner differs from the actor
	// THEN: ForbiddenError
	guard := rbac.New()
	practitioner := domain.Actor{ID: "p1", Roles: []domain.Role{domain.RolePractitioner}}

	if err := guard.RequireOwn(rbac.OpProposalView, practitioner, "p1"); err != nil {
		t.Fatalf("expected practitioner to view their own proposal, got %v", err)
	}

	err := guard.RequireOwn(rbac.OpProposalView, practitioner, "someone-else")
	if !errors.Is(err, coreerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden viewing another practitioner's proposal, got %v", err)
	}
}

func TestRequireOwn_UnrestrictedRoleIgnoresOwnership(t *testing.T) {
	// GIVEN: ClinicalOps has an unrestricted proposal.view grant
	// WHEN: the resource belongs to someone else entirely
	// THEN: still allowed
	guard := rbac.New()
	clinicalOps := domain.Actor{ID: "c1", Roles: []domain.Role{domain.RoleClinicalOps}}

	if err := guard.RequireOwn(rbac.OpProposalView, clinicalOps, "someone-else"); err != nil {
		t.Fatalf("expected clinical ops to view any proposal, got %v", err)
	}
}

func TestRequire_MultiRoleActorTakesBestGrant(t *testing.T) {
	// GIVEN: an actor holding both Practitioner (own-only) and ClinicalOps
	// (unrestricted) for proposal.generate
	// WHEN: RequireOwn is checked against someone else's encounter
	// THEN: the unrestricted ClinicalOps grant wins
	guard := rbac.New()
	actor := domain.Actor{ID: "x1", Roles: []domain.Role{domain.RolePractitioner, domain.RoleClinicalOps}}

	if err := guard.RequireOwn(rbac.OpProposalGenerate, actor, "someone-else"); err != nil {
		t.Fatalf("expected the unrestricted ClinicalOps grant to win, got %v", err)
	}
}
