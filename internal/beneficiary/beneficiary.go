package beneficiary

import (
	"errors"
	"regexp"
	"time"
)

// Type distinguishes saved beneficiaries from one-shot payout targets.
type Type string

const (
	// TypeRegular beneficiaries are saved to the merchant's address book
	// and appear in listings.
	TypeRegular Type = "REGULAR"
	// TypeOneTime beneficiaries exist only to anchor a single payout and
	// are hidden from listings.
	TypeOneTime Type = "ONE_TIME"
)

// Status of a beneficiary. Deactivation is a soft delete so historical
// payouts keep a valid reference.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

var (
	ErrNotFound      = errors.New("beneficiary not found")
	ErrDuplicate     = errors.New("beneficiary already exists for this account")
	ErrInactive      = errors.New("beneficiary is inactive")
	ErrMissingTarget = errors.New("either bank account with IFSC or UPI ID is required")
	ErrInvalidIFSC   = errors.New("invalid IFSC code")
)

var ifscPattern = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)

// ValidIFSC reports whether s is a well-formed IFSC code.
func ValidIFSC(s string) bool {
	return ifscPattern.MatchString(s)
}

// Stats tracks payout volume through a beneficiary. Updated in the same
// transaction that finalizes each successful payout.
type Stats struct {
	TotalPayouts     int64      `json:"total_payouts"`
	TotalAmountMinor int64      `json:"total_amount_minor"`
	LastPayoutAt     *time.Time `json:"last_payout_at,omitempty"`
}

// Beneficiary is a payout destination. The account number is stored
// encrypted; only the masked form and a keyed fingerprint (for duplicate
// detection) leave the secure store.
type Beneficiary struct {
	ID         string `json:"id"`
	MerchantID string `json:"-"`
	Name       string `json:"name"`

	// AccountMasked is the only rendering of the bank account a caller
	// ever sees, e.g. "XXXX1234".
	AccountMasked      string `json:"account_number,omitempty"`
	accountEncrypted   string
	AccountFingerprint string `json:"-"`
	IFSC               string `json:"ifsc,omitempty"`
	UPI                string `json:"upi,omitempty"`
	BankName           string `json:"bank_name,omitempty"`

	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Stats  Stats  `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasBankAccount reports whether the beneficiary carries bank details.
func (b *Beneficiary) HasBankAccount() bool {
	return b.accountEncrypted != ""
}

// IsActive reports whether payouts may target this beneficiary.
func (b *Beneficiary) IsActive() bool {
	return b.Status == StatusActive
}
