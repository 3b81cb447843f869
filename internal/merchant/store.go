package merchant

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webitof-developer/Silkpay/internal/common/database"
)

// ErrMerchantNotFound is returned when a merchant lookup misses.
var ErrMerchantNotFound = errors.New("merchant not found")

// PostgresStore implements merchant persistence.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a merchant store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const merchantColumns = `
	id, merchant_no, name, email, mobile, status,
	available_minor, pending_minor, total_minor, currency,
	created_at, updated_at
`

// GetByID fetches a merchant by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Merchant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)
	return scanMerchant(row)
}

// GetByAPIKeyHash fetches an active merchant by the hash of its API key.
func (s *PostgresStore) GetByAPIKeyHash(ctx context.Context, keyHash string) (*Merchant, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE api_key_hash = $1 AND status = 'ACTIVE'`,
		keyHash,
	)
	return scanMerchant(row)
}

// SetBalance overwrites the stored balance. Used only by the gateway
// balance sync; payout flows mutate balances through the ledger accessor.
func (s *PostgresStore) SetBalance(ctx context.Context, id string, availableMinor, pendingMinor, totalMinor int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE merchants
		SET available_minor = $2, pending_minor = $3, total_minor = $4, updated_at = $5
		WHERE id = $1
	`, id, availableMinor, pendingMinor, totalMinor, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMerchantNotFound
	}
	return nil
}

func scanMerchant(row pgx.Row) (*Merchant, error) {
	var m Merchant
	var mobile *string

	err := row.Scan(
		&m.ID, &m.MerchantNo, &m.Name, &m.Email, &mobile, &m.Status,
		&m.Balance.AvailableMinor, &m.Balance.PendingMinor, &m.Balance.TotalMinor, &m.Balance.Currency,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}

	if mobile != nil {
		m.Mobile = *mobile
	}
	return &m, nil
}
