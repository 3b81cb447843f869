package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webitof-developer/Silkpay/internal/common/api"
	"github.com/webitof-developer/Silkpay/internal/common/middleware"
	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/merchant"
)

// Handler handles merchant HTTP requests.
type Handler struct {
	service *merchant.Service
}

// NewHandler creates a merchant handler.
func NewHandler(service *merchant.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the merchant routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/profile", h.Profile)
	r.Get("/balance", h.Balance)
	r.Post("/balance/sync", h.SyncBalance)

	return r
}

// Profile handles GET /merchant/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Get(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		writeMerchantError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, m)
}

// Balance handles GET /merchant/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetBalance(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		writeMerchantError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// SyncBalance handles POST /merchant/balance/sync — pulls the balance
// from the gateway and overwrites the local copy.
func (h *Handler) SyncBalance(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.SyncBalance(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		writeMerchantError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

func writeMerchantError(w http.ResponseWriter, err error) {
	var gwErr *silkpay.GatewayError
	switch {
	case errors.Is(err, merchant.ErrMerchantNotFound):
		api.NotFound(w, "merchant not found")
	case errors.As(err, &gwErr):
		api.GatewayError(w, "payment gateway unavailable")
	default:
		api.InternalError(w, "merchant operation failed")
	}
}
