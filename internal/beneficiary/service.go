package beneficiary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/webitof-developer/Silkpay/internal/common/events"
	"github.com/webitof-developer/Silkpay/internal/common/secure"
)

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, b *Beneficiary) error
	GetByID(ctx context.Context, merchantID, id string) (*Beneficiary, error)
	GetByFingerprint(ctx context.Context, merchantID, fingerprint string) (*Beneficiary, error)
	List(ctx context.Context, merchantID string, f ListFilter) ([]*Beneficiary, int64, error)
	Update(ctx context.Context, b *Beneficiary) error
}

// Cipher encrypts accounts at rest and fingerprints them for duplicate
// detection.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
	Fingerprint(value string) string
}

// Service manages a merchant's payout destinations.
type Service struct {
	store     Store
	cipher    Cipher
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a beneficiary service.
func NewService(store Store, cipher Cipher, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{store: store, cipher: cipher, publisher: publisher, logger: logger}
}

// CreateInput carries the fields needed to register a beneficiary.
type CreateInput struct {
	Name          string `json:"name" validate:"required,min=2,max=100"`
	AccountNumber string `json:"account_number,omitempty" validate:"omitempty,min=6,max=34"`
	IFSC          string `json:"ifsc,omitempty"`
	UPI           string `json:"upi,omitempty" validate:"omitempty,contains=@"`
	BankName      string `json:"bank_name,omitempty" validate:"omitempty,max=100"`
}

func (in *CreateInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.AccountNumber = strings.TrimSpace(in.AccountNumber)
	in.IFSC = strings.ToUpper(strings.TrimSpace(in.IFSC))
	in.UPI = strings.TrimSpace(in.UPI)
	in.BankName = strings.TrimSpace(in.BankName)

	hasBank := in.AccountNumber != ""
	if hasBank {
		if !ValidIFSC(in.IFSC) {
			return ErrInvalidIFSC
		}
	} else if in.UPI == "" {
		return ErrMissingTarget
	}
	return nil
}

// Create registers a saved beneficiary. The same account (or UPI ID) can
// only be registered once per merchant.
func (s *Service) Create(ctx context.Context, merchantID, merchantNo string, in CreateInput) (*Beneficiary, error) {
	b, err := s.build(merchantID, in, TypeRegular)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetByFingerprint(ctx, merchantID, b.AccountFingerprint); err == nil {
		if existing.Status == StatusInactive {
			return nil, fmt.Errorf("%w (deactivated beneficiary %s)", ErrDuplicate, existing.ID)
		}
		return nil, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("beneficiary created",
		"beneficiary_id", b.ID,
		"merchant_no", merchantNo,
		"has_bank", b.HasBankAccount(),
		"has_upi", b.UPI != "",
	)
	s.publish(ctx, events.EventBeneficiaryCreated, merchantNo, b)
	return b, nil
}

// CreateOneTime registers a hidden beneficiary anchoring a single payout.
// One-time entries skip duplicate detection and never appear in listings.
func (s *Service) CreateOneTime(ctx context.Context, merchantID string, in CreateInput) (*Beneficiary, error) {
	b, err := s.build(merchantID, in, TypeOneTime)
	if err != nil {
		return nil, err
	}
	b.AccountFingerprint = ""

	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) build(merchantID string, in CreateInput, typ Type) (*Beneficiary, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Beneficiary{
		ID:         ulid.Make().String(),
		MerchantID: merchantID,
		Name:       in.Name,
		IFSC:       in.IFSC,
		UPI:        in.UPI,
		BankName:   in.BankName,
		Type:       typ,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if in.AccountNumber != "" {
		encrypted, err := s.cipher.Encrypt(in.AccountNumber)
		if err != nil {
			return nil, fmt.Errorf("encrypting account: %w", err)
		}
		b.accountEncrypted = encrypted
		b.AccountMasked = secure.MaskAccountNumber(in.AccountNumber)
		b.AccountFingerprint = s.cipher.Fingerprint(in.AccountNumber + "|" + in.IFSC)
	} else {
		b.AccountFingerprint = s.cipher.Fingerprint("upi|" + strings.ToLower(in.UPI))
	}
	return b, nil
}

// Get fetches one beneficiary.
func (s *Service) Get(ctx context.Context, merchantID, id string) (*Beneficiary, error) {
	return s.store.GetByID(ctx, merchantID, id)
}

// List returns the merchant's saved beneficiaries.
func (s *Service) List(ctx context.Context, merchantID string, f ListFilter) ([]*Beneficiary, int64, error) {
	return s.store.List(ctx, merchantID, f)
}

// UpdateInput carries the mutable beneficiary fields. Account details are
// immutable; register a new beneficiary to change them.
type UpdateInput struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=2,max=100"`
	BankName *string `json:"bank_name,omitempty" validate:"omitempty,max=100"`
}

// Update changes a beneficiary's display fields.
func (s *Service) Update(ctx context.Context, merchantID, id string, in UpdateInput) (*Beneficiary, error) {
	b, err := s.store.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		b.Name = strings.TrimSpace(*in.Name)
	}
	if in.BankName != nil {
		b.BankName = strings.TrimSpace(*in.BankName)
	}
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Deactivate soft-deletes a beneficiary. Historical payouts keep their
// reference; new payouts to it are rejected.
func (s *Service) Deactivate(ctx context.Context, merchantID, merchantNo, id string) error {
	b, err := s.store.GetByID(ctx, merchantID, id)
	if err != nil {
		return err
	}
	if b.Status == StatusInactive {
		return nil
	}

	b.Status = StatusInactive
	if err := s.store.Update(ctx, b); err != nil {
		return err
	}

	s.logger.Info("beneficiary deactivated", "beneficiary_id", id, "merchant_no", merchantNo)
	s.publish(ctx, events.EventBeneficiaryDeactivated, merchantNo, b)
	return nil
}

// Target is the decrypted payout destination handed to the gateway.
type Target struct {
	BeneficiaryID string
	Name          string
	AccountNumber string
	AccountMasked string
	IFSC          string
	UPI           string
}

// PayoutTarget resolves a beneficiary into gateway-ready details,
// decrypting the account number. Inactive beneficiaries are rejected.
func (s *Service) PayoutTarget(ctx context.Context, merchantID, id string) (*Target, error) {
	b, err := s.store.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if !b.IsActive() {
		return nil, ErrInactive
	}

	t := &Target{
		BeneficiaryID: b.ID,
		Name:          b.Name,
		AccountMasked: b.AccountMasked,
		IFSC:          b.IFSC,
		UPI:           b.UPI,
	}
	if b.HasBankAccount() {
		account, err := s.cipher.Decrypt(b.accountEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypting account: %w", err)
		}
		t.AccountNumber = account
	}
	return t, nil
}

func (s *Service) publish(ctx context.Context, eventType, merchantNo string, b *Beneficiary) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, merchantNo, "beneficiary", b.ID, map[string]string{
		"beneficiary_id": b.ID,
		"name":           b.Name,
		"type":           string(b.Type),
		"status":         string(b.Status),
	})
	if err != nil {
		s.logger.Warn("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}
