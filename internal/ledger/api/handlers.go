package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitof-developer/Silkpay/internal/common/api"
	"github.com/webitof-developer/Silkpay/internal/common/middleware"
	"github.com/webitof-developer/Silkpay/internal/ledger"
)

// Handler handles transaction-history HTTP requests.
type Handler struct {
	transactions *ledger.Transactions
}

// NewHandler creates a transactions handler.
func NewHandler(transactions *ledger.Transactions) *Handler {
	return &Handler{transactions: transactions}
}

// Routes returns the transaction routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/export", h.Export)
	r.Get("/{id}", h.Get)

	return r
}

func filterFromQuery(r *http.Request) ledger.EntryFilter {
	q := r.URL.Query()
	f := ledger.EntryFilter{
		Type:     ledger.EntryType(q.Get("type")),
		PayoutID: q.Get("payout_id"),
		Search:   q.Get("search"),
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = &t
		}
	}
	return f
}

// List handles GET /transactions
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)
	f := filterFromQuery(r)
	f.Limit = params.Limit
	f.Offset = params.Offset

	entries, total, err := h.transactions.List(r.Context(), middleware.GetMerchantID(r.Context()), f)
	if err != nil {
		api.InternalError(w, "failed to list transactions")
		return
	}

	api.WritePaginated(w, entries, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(entries)) < total,
	})
}

// Get handles GET /transactions/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.transactions.GetByID(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to load transaction")
		return
	}
	api.WriteData(w, http.StatusOK, e)
}

// Stats handles GET /transactions/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	stats, err := h.transactions.Stats(r.Context(), middleware.GetMerchantID(r.Context()), f.From, f.To)
	if err != nil {
		api.InternalError(w, "failed to aggregate transactions")
		return
	}
	api.WriteData(w, http.StatusOK, stats)
}

// Export handles GET /transactions/export, streaming CSV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="transactions-%s.csv"`, time.Now().UTC().Format("2006-01-02")))

	if _, err := h.transactions.ExportCSV(r.Context(), w, middleware.GetMerchantID(r.Context()), filterFromQuery(r)); err != nil {
		// Headers are already out; nothing useful can be written here.
		return
	}
}
