// Package silkpay is the adapter for the SilkPay payout gateway. It owns
// the signed wire protocol, normalizes the gateway's status vocabulary into
// the internal three-valued status, and verifies inbound webhook signatures.
package silkpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/webitof-developer/Silkpay/internal/common/money"
)

// Config holds gateway configuration.
type Config struct {
	BaseURL      string        `envconfig:"SILKPAY_BASE_URL" required:"true"`
	MerchantID   string        `envconfig:"SILKPAY_MERCHANT_ID" required:"true"`
	SecretKey    string        `envconfig:"SILKPAY_SECRET_KEY" required:"true"`
	NotifyURL    string        `envconfig:"SILKPAY_NOTIFY_URL"`
	Timeout      time.Duration `envconfig:"SILKPAY_TIMEOUT" default:"30s"`
	QueryTimeout time.Duration `envconfig:"SILKPAY_QUERY_TIMEOUT" default:"15s"`
}

// Status is the internal three-valued payout status.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusProcessing Status = "PROCESSING"
)

// NormalizeStatus maps the gateway's status vocabulary onto the internal
// status. Known codes:
//
//	"1", "2", "200"     -> SUCCESS
//	"0", "PROCESSING"   -> PROCESSING
//	"3", "FAILED"       -> FAILED
//
// Anything unrecognized maps to FAILED: an unknown code must never be
// treated as success.
func NormalizeStatus(code string) Status {
	switch code {
	case "1", "2", "200":
		return StatusSuccess
	case "0", "PROCESSING":
		return StatusProcessing
	default:
		return StatusFailed
	}
}

// GatewayError is returned when the gateway responds with a non-success
// HTTP status or a body that cannot be decoded.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("silkpay %s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// PayoutRequest is a payout submission to the gateway.
type PayoutRequest struct {
	OutTradeNo      string
	Amount          money.Money
	BeneficiaryName string
	AccountNumber   string
	IFSC            string
	UPI             string
}

// PayoutResult is a normalized gateway reply for submit and query calls.
type PayoutResult struct {
	Status  Status
	OrderNo string
	Message string
	Raw     json.RawMessage
}

// BalanceResult is the merchant balance as reported by the gateway.
type BalanceResult struct {
	Available money.Money
	Pending   money.Money
	Raw       json.RawMessage
}

// Client talks to the SilkPay API. Construct one at startup and inject it;
// it is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// sign computes the lowercase hex SHA-256 digest over the concatenation of
// parts plus the shared secret. Per-endpoint part order:
//
//	payout:       mId + mOrderId + amount + timestamp
//	query:        mId + mOrderId + timestamp
//	balance/list: mId + timestamp
func (c *Client) sign(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	h.Write([]byte(c.cfg.SecretKey))
	return hex.EncodeToString(h.Sum(nil))
}

// flexString decodes a JSON value that may arrive as a string or a number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type apiResponse struct {
	Status  flexString      `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) doPost(ctx context.Context, op, path string, params map[string]string) (*apiResponse, json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("silkpay %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, nil, &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return &parsed, respBody, nil
}

// SubmitPayout submits a payout to the gateway. A "200" reply means the
// gateway accepted the order and is processing it; settlement arrives later
// via webhook or polling.
func (c *Client) SubmitPayout(ctx context.Context, req *PayoutRequest) (*PayoutResult, error) {
	timestamp := fmt.Sprintf("%d", c.now().UnixMilli())
	amount := req.Amount.DecimalString()

	params := map[string]string{
		"amount":    amount,
		"mId":       c.cfg.MerchantID,
		"mOrderId":  req.OutTradeNo,
		"timestamp": timestamp,
		"notifyUrl": c.cfg.NotifyURL,
		"upi":       req.UPI,
		"bankNo":    req.AccountNumber,
		"ifsc":      req.IFSC,
		"name":      req.BeneficiaryName,
	}
	params["sign"] = c.sign(c.cfg.MerchantID, req.OutTradeNo, amount, timestamp)

	c.logger.Info("submitting payout",
		"m_order_id", req.OutTradeNo,
		"amount", amount,
	)

	parsed, raw, err := c.doPost(ctx, "payout", "/transaction/payout", params)
	if err != nil {
		return nil, err
	}

	var data struct {
		PayOrderID string `json:"payOrderId"`
	}
	if len(parsed.Data) > 0 {
		_ = json.Unmarshal(parsed.Data, &data)
	}

	result := &PayoutResult{
		Status:  StatusFailed,
		OrderNo: data.PayOrderID,
		Message: parsed.Message,
		Raw:     raw,
	}
	// Acceptance is never an immediate SUCCESS.
	if parsed.Status == "200" {
		result.Status = StatusProcessing
	}

	c.logger.Info("payout submitted",
		"m_order_id", req.OutTradeNo,
		"gateway_status", string(parsed.Status),
		"pay_order_id", data.PayOrderID,
	)

	return result, nil
}

// QueryPayout polls the gateway for the current status of a payout. The
// query endpoint may lag reality: when it reports PROCESSING, the listing
// endpoint is cross-checked and a terminal disagreement wins. A webhook
// always outranks either answer.
func (c *Client) QueryPayout(ctx context.Context, outTradeNo string) (*PayoutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	timestamp := fmt.Sprintf("%d", c.now().UnixMilli())
	params := map[string]string{
		"mId":       c.cfg.MerchantID,
		"mOrderId":  outTradeNo,
		"timestamp": timestamp,
	}
	params["sign"] = c.sign(c.cfg.MerchantID, outTradeNo, timestamp)

	parsed, raw, err := c.doPost(ctx, "query", "/transaction/payout/query", params)
	if err != nil {
		return nil, err
	}

	var data struct {
		Status     flexString `json:"status"`
		PayOrderID string     `json:"payOrderId"`
		Amount     flexString `json:"amount"`
	}
	if len(parsed.Data) > 0 {
		_ = json.Unmarshal(parsed.Data, &data)
	}

	code := string(data.Status)
	if code == "" {
		code = string(parsed.Status)
	}
	status := NormalizeStatus(code)

	if status == StatusProcessing {
		if listed, ok := c.statusViaList(ctx, outTradeNo); ok && listed != StatusProcessing {
			c.logger.Info("status corrected via list endpoint",
				"m_order_id", outTradeNo,
				"query_status", string(status),
				"list_status", string(listed),
			)
			status = listed
		}
	}

	return &PayoutResult{
		Status:  status,
		OrderNo: data.PayOrderID,
		Message: parsed.Message,
		Raw:     raw,
	}, nil
}

// statusViaList looks the payout up on the listing endpoint. Best effort:
// any failure is logged and reported as not found.
func (c *Client) statusViaList(ctx context.Context, outTradeNo string) (Status, bool) {
	timestamp := fmt.Sprintf("%d", c.now().UnixMilli())
	params := map[string]string{
		"mId":       c.cfg.MerchantID,
		"timestamp": timestamp,
		"page":      "1",
		"limit":     "10",
		"mOrderId":  outTradeNo,
	}
	params["sign"] = c.sign(c.cfg.MerchantID, timestamp)

	parsed, _, err := c.doPost(ctx, "list", "/transaction/payout/list", params)
	if err != nil {
		c.logger.Warn("list cross-check failed", "m_order_id", outTradeNo, "error", err)
		return "", false
	}
	if parsed.Status != "200" || len(parsed.Data) == 0 {
		return "", false
	}

	var data struct {
		Items []struct {
			MOrderID string     `json:"mOrderId"`
			Status   flexString `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(parsed.Data, &data); err != nil {
		return "", false
	}

	for _, item := range data.Items {
		if item.MOrderID == outTradeNo {
			return NormalizeStatus(string(item.Status)), true
		}
	}
	return "", false
}

// QueryBalance fetches the merchant balance held at the gateway.
func (c *Client) QueryBalance(ctx context.Context) (*BalanceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	timestamp := fmt.Sprintf("%d", c.now().UnixMilli())
	params := map[string]string{
		"mId":       c.cfg.MerchantID,
		"timestamp": timestamp,
	}
	params["sign"] = c.sign(c.cfg.MerchantID, timestamp)

	parsed, raw, err := c.doPost(ctx, "balance", "/transaction/balance", params)
	if err != nil {
		return nil, err
	}

	var data struct {
		AvailableAmount flexString `json:"availableAmount"`
		PendingAmount   flexString `json:"pendingAmount"`
	}
	if len(parsed.Data) > 0 {
		_ = json.Unmarshal(parsed.Data, &data)
	}

	available, err := money.ParseDecimal(stringOrZero(string(data.AvailableAmount)), money.INR)
	if err != nil {
		return nil, fmt.Errorf("parsing available amount: %w", err)
	}
	pending, err := money.ParseDecimal(stringOrZero(string(data.PendingAmount)), money.INR)
	if err != nil {
		return nil, fmt.Errorf("parsing pending amount: %w", err)
	}

	return &BalanceResult{Available: available, Pending: pending, Raw: raw}, nil
}

func stringOrZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}

// WebhookPayload is the gateway's asynchronous notification body.
type WebhookPayload struct {
	MID       string     `json:"mId"`
	MOrderID  string     `json:"mOrderId"`
	Amount    flexString `json:"amount"`
	Timestamp flexString `json:"timestamp"`
	Status    flexString `json:"status"`
	Sign      string     `json:"sign"`
}

// StatusCode returns the raw gateway status code carried in the payload.
func (p *WebhookPayload) StatusCode() string {
	return string(p.Status)
}

// VerifyWebhookSignature recomputes the webhook signature over
// mId + mOrderId + amount + timestamp and compares in constant time.
// Returns false, never an error, on malformed input.
func (c *Client) VerifyWebhookSignature(p *WebhookPayload) bool {
	if p == nil || p.Sign == "" {
		return false
	}
	expected := c.sign(p.MID, p.MOrderID, string(p.Amount), string(p.Timestamp))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(p.Sign)))
}
