package payout

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/webitof-developer/Silkpay/internal/common/money"
)

// Status is the payout lifecycle state. Terminal states are absorbing:
// once SUCCESS, FAILED or REVERSED is reached the status never changes
// again, whatever later webhooks or polls report.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusReversed   Status = "REVERSED"
)

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusReversed
}

// FinalizedBy records which path won the race to finalize a payout.
type FinalizedBy string

const (
	FinalizedByWebhook FinalizedBy = "WEBHOOK"
	FinalizedByQuery   FinalizedBy = "QUERY"
	FinalizedByManual  FinalizedBy = "MANUAL"
)

// Mode is the rail a payout travels on.
type Mode string

const (
	ModeBank Mode = "BANK"
	ModeUPI  Mode = "UPI"
)

var (
	ErrNotFound     = errors.New("payout not found")
	ErrAlreadyFinal = errors.New("payout already finalized")
)

// Payout is one transfer through the gateway.
type Payout struct {
	ID         string `json:"id"`
	MerchantID string `json:"-"`
	MerchantNo string `json:"merchant_no"`

	BeneficiaryID   string `json:"beneficiary_id"`
	BeneficiaryName string `json:"beneficiary_name"`
	Mode            Mode   `json:"mode"`

	// Destination snapshot taken at creation. The payout row renders its
	// target without joining the beneficiary, which may be soft-deleted
	// or (for one-time entries) excluded from listings. Bank payouts
	// carry the masked account and IFSC; UPI payouts carry the handle.
	BeneficiaryAccountMasked string `json:"beneficiary_account_masked,omitempty"`
	BeneficiaryIFSC          string `json:"beneficiary_ifsc,omitempty"`

	// OutTradeNo is our idempotency reference with the gateway. The
	// gateway echoes it in webhooks and query responses.
	OutTradeNo     string `json:"out_trade_no"`
	GatewayOrderNo string `json:"gateway_order_no,omitempty"`

	AmountMinor int64          `json:"amount_minor"`
	Currency    money.Currency `json:"currency"`

	Status        Status      `json:"status"`
	FinalizedBy   FinalizedBy `json:"finalized_by,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Remark        string      `json:"remark,omitempty"`

	// GatewayResponse is the raw body of the most recent gateway reply
	// that moved this payout: the submit response at creation,
	// overwritten by the webhook or query payload that finalized it.
	// Kept verbatim as dispute evidence, never parsed from storage.
	GatewayResponse json.RawMessage `json:"-"`

	// Webhook bookkeeping. These update even after the payout is
	// terminal, so replayed webhooks leave an audit trail.
	WebhookReceived bool       `json:"webhook_received"`
	WebhookCount    int        `json:"webhook_count"`
	LastWebhookAt   *time.Time `json:"last_webhook_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Amount returns the payout amount as money.
func (p *Payout) Amount() money.Money {
	return money.New(p.AmountMinor, p.Currency)
}

// GenerateOutTradeNo builds the gateway reference:
// merchant number, millisecond timestamp, and a 4-digit random suffix.
func GenerateOutTradeNo(merchantNo string) string {
	return fmt.Sprintf("%s_%d_%04d", merchantNo, time.Now().UnixMilli(), rand.Intn(10000))
}
