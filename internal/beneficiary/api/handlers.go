package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webitof-developer/Silkpay/internal/beneficiary"
	"github.com/webitof-developer/Silkpay/internal/common/api"
	"github.com/webitof-developer/Silkpay/internal/common/middleware"
)

// Handler handles beneficiary HTTP requests.
type Handler struct {
	service *beneficiary.Service
}

// NewHandler creates a beneficiary handler.
func NewHandler(service *beneficiary.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the beneficiary routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Deactivate)

	return r
}

// Create handles POST /beneficiaries
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req beneficiary.CreateInput
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	b, err := h.service.Create(r.Context(), middleware.GetMerchantID(r.Context()), middleware.GetMerchantNo(r.Context()), req)
	if err != nil {
		writeBeneficiaryError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, b)
}

// List handles GET /beneficiaries
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)
	q := r.URL.Query()

	list, total, err := h.service.List(r.Context(), middleware.GetMerchantID(r.Context()), beneficiary.ListFilter{
		Status: beneficiary.Status(q.Get("status")),
		Search: q.Get("search"),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		api.InternalError(w, "failed to list beneficiaries")
		return
	}

	api.WritePaginated(w, list, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(list)) < total,
	})
}

// Get handles GET /beneficiaries/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Get(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeBeneficiaryError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, b)
}

// Update handles PATCH /beneficiaries/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req beneficiary.UpdateInput
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	b, err := h.service.Update(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeBeneficiaryError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, b)
}

// Deactivate handles DELETE /beneficiaries/{id}
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	err := h.service.Deactivate(r.Context(), middleware.GetMerchantID(r.Context()), middleware.GetMerchantNo(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeBeneficiaryError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"status": string(beneficiary.StatusInactive)})
}

func writeBeneficiaryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, beneficiary.ErrNotFound):
		api.NotFound(w, "beneficiary not found")
	case errors.Is(err, beneficiary.ErrDuplicate):
		api.Conflict(w, err.Error())
	case errors.Is(err, beneficiary.ErrMissingTarget), errors.Is(err, beneficiary.ErrInvalidIFSC):
		api.BadRequest(w, err.Error())
	default:
		api.InternalError(w, "beneficiary operation failed")
	}
}
