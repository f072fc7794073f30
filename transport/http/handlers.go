package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clinicflow/sales-core/internal/app"
	"github.com/clinicflow/sales-core/internal/billing"
	"github.com/clinicflow/sales-core/internal/domain"
)

var validate = validator.New()

// Handler exposes the core's operations over REST. It holds no state of
// its own beyond the Service it delegates to.
type Handler struct {
	Service *app.Service
}

func NewHandler(service *app.Service) *Handler { return &Handler{Service: service} }

func (h *Handler) GenerateProposal(w http.ResponseWriter, r *http.Request) {
	encounterID := domain.EncounterID(chi.URLParam(r, "encounterID"))
	actor := actorFromContext(r.Context())

	proposal, warnings, err := h.Service.GenerateProposal(r.Context(), encounterID, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Proposal domain.ChargeProposal `json:"proposal"`
		Warnings []string              `json:"warnings,omitempty"`
	}{Proposal: proposal, Warnings: warningMessages(warnings)})
}

func warningMessages(warnings []billing.Warning) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.Message
	}
	return out
}

func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := domain.ProposalID(chi.URLParam(r, "proposalID"))
	actor := actorFromContext(r.Context())

	proposal, err := h.Service.GetProposal(r.Context(), proposalID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// convertToSaleRequest is the body of POST /proposals/{id}/convert. §4.E
// requires legal_entity; it is never inferred from the proposal.
type convertToSaleRequest struct {
	LegalEntity string `json:"legal_entity" validate:"required"`
}

func (h *Handler) ConvertToSale(w http.ResponseWriter, r *http.Request) {
	proposalID := domain.ProposalID(chi.URLParam(r, "proposalID"))
	actor := actorFromContext(r.Context())

	var req convertToSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "ValidationError", Message: "malformed request body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "ValidationError", Message: err.Error()})
		return
	}

	sale, err := h.Service.ConvertToSale(r.Context(), proposalID, req.LegalEntity, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	saleID := domain.SaleID(chi.URLParam(r, "saleID"))

	sale, err := h.Service.GetSale(r.Context(), saleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

// transitionRequest is the body of POST /sales/{id}/transition.
type transitionRequest struct {
	NewStatus          domain.SaleStatus `json:"new_status" validate:"required,oneof=pending paid cancelled refunded"`
	Reason             string            `json:"reason"`
	ExpectedRowVersion int               `json:"expected_row_version" validate:"gte=0"`
}

func (h *Handler) TransitionSale(w http.ResponseWriter, r *http.Request) {
	saleID := domain.SaleID(chi.URLParam(r, "saleID"))
	actor := actorFromContext(r.Context())

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "ValidationError", Message: "malformed request body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "ValidationError", Message: err.Error()})
		return
	}

	sale, err := h.Service.TransitionSale(r.Context(), saleID, req.NewStatus, req.Reason, actor, req.ExpectedRowVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (h *Handler) StockOnHand(w http.ResponseWriter, r *http.Request) {
	product := domain.ProductID(r.URL.Query().Get("product"))
	location := domain.LocationID(r.URL.Query().Get("location"))
	actor := actorFromContext(r.Context())

	rows, err := h.Service.StockOnHand(r.Context(), product, location, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) FinalizeEncounter(w http.ResponseWriter, r *http.Request) {
	encounterID := domain.EncounterID(chi.URLParam(r, "encounterID"))
	actor := actorFromContext(r.Context())

	if err := h.Service.FinalizeEncounter(r.Context(), encounterID, actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
