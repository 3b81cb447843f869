package merchant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/webitof-developer/Silkpay/internal/common/events"
	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
)

// Store persists merchants.
type Store interface {
	GetByID(ctx context.Context, id string) (*Merchant, error)
	GetByAPIKeyHash(ctx context.Context, keyHash string) (*Merchant, error)
	SetBalance(ctx context.Context, id string, availableMinor, pendingMinor, totalMinor int64) error
}

// Gateway is the slice of the gateway client the merchant service needs.
type Gateway interface {
	QueryBalance(ctx context.Context) (*silkpay.BalanceResult, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service handles merchant lookups and balance sync.
type Service struct {
	store     Store
	gateway   Gateway
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a merchant service.
func NewService(store Store, gateway Gateway, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// Get fetches a merchant by ID.
func (s *Service) Get(ctx context.Context, id string) (*Merchant, error) {
	return s.store.GetByID(ctx, id)
}

// BalanceView is the balance payload returned to the dashboard.
type BalanceView struct {
	MerchantNo string     `json:"merchant_no"`
	Balance    Balance    `json:"balance"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// GetBalance returns the locally tracked balance.
func (s *Service) GetBalance(ctx context.Context, merchantID string) (*BalanceView, error) {
	m, err := s.store.GetByID(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{MerchantNo: m.MerchantNo, Balance: m.Balance}, nil
}

// SyncBalance pulls the authoritative balance from the gateway and
// overwrites the local copy. total is available + pending as the gateway
// sees it; in-flight payouts settle through webhooks either way.
func (s *Service) SyncBalance(ctx context.Context, merchantID string) (*BalanceView, error) {
	m, err := s.store.GetByID(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.QueryBalance(ctx)
	if err != nil {
		s.logger.Error("balance sync failed",
			"merchant_no", m.MerchantNo,
			"error", err,
		)
		return nil, fmt.Errorf("querying gateway balance: %w", err)
	}

	available := result.Available.AmountMinor
	pending := result.Pending.AmountMinor
	total := available + pending

	if err := s.store.SetBalance(ctx, merchantID, available, pending, total); err != nil {
		return nil, fmt.Errorf("storing synced balance: %w", err)
	}

	s.logger.Info("balance synced",
		"merchant_no", m.MerchantNo,
		"available_minor", available,
		"pending_minor", pending,
		"total_minor", total,
	)

	if event, err := events.NewEvent(events.EventBalanceSynced, m.MerchantNo, "merchant", m.ID, events.BalanceSyncedData{
		AvailableMinor: available,
		PendingMinor:   pending,
		TotalMinor:     total,
	}); err == nil {
		if pubErr := s.publisher.Publish(ctx, event); pubErr != nil {
			s.logger.Warn("failed to publish balance.synced", "error", pubErr)
		}
	}

	now := time.Now().UTC()
	return &BalanceView{
		MerchantNo: m.MerchantNo,
		Balance: Balance{
			AvailableMinor: available,
			PendingMinor:   pending,
			TotalMinor:     total,
			Currency:       m.Balance.Currency,
		},
		SyncedAt: &now,
	}, nil
}

// ValidateAPIKey resolves a raw API key to the owning active merchant.
// Keys are stored hashed; the raw key never touches the database.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (merchantID, merchantNo string, err error) {
	sum := sha256.Sum256([]byte(apiKey))
	m, err := s.store.GetByAPIKeyHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return "", "", err
	}
	return m.ID, m.MerchantNo, nil
}
