package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webitof-developer/Silkpay/internal/beneficiary"
	"github.com/webitof-developer/Silkpay/internal/common/api"
	"github.com/webitof-developer/Silkpay/internal/common/middleware"
	"github.com/webitof-developer/Silkpay/internal/common/money"
	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/ledger"
	"github.com/webitof-developer/Silkpay/internal/payout"
)

var webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_webhooks_total",
	Help: "Inbound gateway webhooks by result.",
}, []string{"result"})

// Handler handles payout HTTP requests.
type Handler struct {
	service *payout.Service
}

// NewHandler creates a payout handler.
func NewHandler(service *payout.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the authenticated payout routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/query", h.QueryStatus)
	r.Post("/{id}/reverse", h.Reverse)

	return r
}

// CreateRequest is the API request for creating a payout. The amount is
// a two-decimal string; either a saved beneficiary id or inline one-time
// details must be given.
type CreateRequest struct {
	BeneficiaryID string                   `json:"beneficiary_id,omitempty"`
	Beneficiary   *beneficiary.CreateInput `json:"beneficiary,omitempty"`
	Amount        string                   `json:"amount" validate:"required"`
	Remark        string                   `json:"remark,omitempty" validate:"max=255"`
}

// Create handles POST /payouts
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.ParseDecimal(req.Amount, money.INR)
	if err != nil {
		api.BadRequest(w, "invalid amount: "+err.Error())
		return
	}

	p, err := h.service.Create(r.Context(), middleware.GetMerchantID(r.Context()), middleware.GetMerchantNo(r.Context()), payout.CreateInput{
		BeneficiaryID: req.BeneficiaryID,
		OneTime:       req.Beneficiary,
		Amount:        amount,
		Remark:        req.Remark,
	})
	if err != nil {
		writePayoutError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

// List handles GET /payouts
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)
	q := r.URL.Query()

	f := payout.ListFilter{
		Status:        payout.Status(q.Get("status")),
		BeneficiaryID: q.Get("beneficiary_id"),
		Mode:          payout.Mode(q.Get("mode")),
		Search:        q.Get("search"),
		Limit:         params.Limit,
		Offset:        params.Offset,
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

	payouts, total, err := h.service.List(r.Context(), middleware.GetMerchantID(r.Context()), f)
	if err != nil {
		api.InternalError(w, "failed to list payouts")
		return
	}

	api.WritePaginated(w, payouts, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(payouts)) < total,
	})
}

// Get handles GET /payouts/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writePayoutError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// QueryStatus handles POST /payouts/{id}/query — an on-demand gateway
// status check.
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.QueryStatus(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writePayoutError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ReverseRequest carries the operator's reason for a manual reversal.
type ReverseRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// Reverse handles POST /payouts/{id}/reverse. The body is optional; a
// missing reason gets a default.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		api.BadRequest(w, "invalid request body")
		return
	}

	p, err := h.service.MarkReversed(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writePayoutError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

func writePayoutError(w http.ResponseWriter, err error) {
	var gwErr *silkpay.GatewayError
	switch {
	case errors.Is(err, payout.ErrNotFound):
		api.NotFound(w, "payout not found")
	case errors.Is(err, beneficiary.ErrNotFound):
		api.NotFound(w, "beneficiary not found")
	case errors.Is(err, beneficiary.ErrInactive):
		api.BadRequest(w, "beneficiary is inactive")
	case errors.Is(err, beneficiary.ErrMissingTarget), errors.Is(err, beneficiary.ErrInvalidIFSC):
		api.BadRequest(w, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		api.InsufficientBalance(w, "insufficient available balance")
	case errors.Is(err, payout.ErrAlreadyFinal):
		api.Conflict(w, "payout already finalized")
	case errors.As(err, &gwErr):
		api.GatewayError(w, "payment gateway unavailable")
	default:
		api.InternalError(w, "payout operation failed")
	}
}

// WebhookHandler receives gateway payout notifications. It is mounted
// outside the API-key middleware: the gateway authenticates through the
// payload signature instead.
type WebhookHandler struct {
	service *payout.Service
	gateway *silkpay.Client
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(service *payout.Service, gateway *silkpay.Client) *WebhookHandler {
	return &WebhookHandler{service: service, gateway: gateway}
}

// ServeHTTP handles POST /webhooks/silkpay. The gateway expects a plain
// "OK" body on success and retries on any 5xx, so processing must stay
// replayable.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		webhooksReceived.WithLabelValues("malformed").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	var payload silkpay.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		webhooksReceived.WithLabelValues("malformed").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if !h.gateway.VerifyWebhookSignature(&payload) {
		webhooksReceived.WithLabelValues("bad_signature").Inc()
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	_, err = h.service.ApplyWebhookEvent(r.Context(), payout.WebhookEvent{
		OutTradeNo: payload.MOrderID,
		Status:     silkpay.NormalizeStatus(payload.StatusCode()),
		Raw:        body,
	})
	if err != nil {
		if errors.Is(err, payout.ErrNotFound) {
			// The payout row may not be visible yet if the webhook beat
			// the creating transaction; a 5xx makes the gateway retry.
			webhooksReceived.WithLabelValues("unknown_payout").Inc()
			http.Error(w, "payout not found", http.StatusInternalServerError)
			return
		}
		webhooksReceived.WithLabelValues("error").Inc()
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	webhooksReceived.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
