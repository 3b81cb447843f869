// Package merchant holds the merchant identity and its three-part balance.
package merchant

import (
	"time"

	"github.com/webitof-developer/Silkpay/internal/common/money"
)

// Status represents merchant account status.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// Balance is the merchant's three-part balance in minor units.
// available moves to pending when a payout is reserved; pending resolves
// to either total (success) or back to available (failure).
type Balance struct {
	AvailableMinor int64          `json:"available_minor"`
	PendingMinor   int64          `json:"pending_minor"`
	TotalMinor     int64          `json:"total_minor"`
	Currency       money.Currency `json:"currency"`
}

// Available returns the available balance as Money.
func (b Balance) Available() money.Money {
	return money.New(b.AvailableMinor, b.Currency)
}

// Merchant is a dashboard account that initiates payouts.
type Merchant struct {
	ID         string    `json:"id"`
	MerchantNo string    `json:"merchant_no"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Mobile     string    `json:"mobile,omitempty"`
	Status     Status    `json:"status"`
	Balance    Balance   `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsActive reports whether the merchant may initiate payouts.
func (m *Merchant) IsActive() bool {
	return m.Status == StatusActive
}
