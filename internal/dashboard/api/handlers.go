package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/webitof-developer/Silkpay/internal/common/api"
	"github.com/webitof-developer/Silkpay/internal/common/middleware"
	"github.com/webitof-developer/Silkpay/internal/dashboard"
)

// Handler handles dashboard HTTP requests.
type Handler struct {
	service *dashboard.Service
}

// NewHandler creates a dashboard handler.
func NewHandler(service *dashboard.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the dashboard routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/overview", h.Overview)
	r.Get("/trends", h.Trends)
	r.Get("/top-beneficiaries", h.TopBeneficiaries)
	r.Get("/activity", h.Activity)

	return r
}

// Overview handles GET /dashboard/overview
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOverview(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		api.InternalError(w, "failed to load overview")
		return
	}
	api.WriteData(w, http.StatusOK, o)
}

// Trends handles GET /dashboard/trends?days=30
func (h *Handler) Trends(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	points, err := h.service.GetTrends(r.Context(), middleware.GetMerchantID(r.Context()), days)
	if err != nil {
		api.InternalError(w, "failed to load trends")
		return
	}
	api.WriteData(w, http.StatusOK, points)
}

// TopBeneficiaries handles GET /dashboard/top-beneficiaries?limit=5
func (h *Handler) TopBeneficiaries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	top, err := h.service.GetTopBeneficiaries(r.Context(), middleware.GetMerchantID(r.Context()), limit)
	if err != nil {
		api.InternalError(w, "failed to load top beneficiaries")
		return
	}
	api.WriteData(w, http.StatusOK, top)
}

// Activity handles GET /dashboard/activity?limit=10
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	feed, err := h.service.GetRecentActivity(r.Context(), middleware.GetMerchantID(r.Context()), limit)
	if err != nil {
		api.InternalError(w, "failed to load activity")
		return
	}
	api.WriteData(w, http.StatusOK, feed)
}
