package beneficiary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webitof-developer/Silkpay/internal/common/database"
)

// PostgresStore persists beneficiaries.
type PostgresStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPostgresStore creates a beneficiary store.
func NewPostgresStore(db *database.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const beneficiaryColumns = `
	id, merchant_id, name, account_encrypted, account_masked, account_fingerprint,
	ifsc, upi, bank_name, type, status,
	total_payouts, total_amount_minor, last_payout_at,
	created_at, updated_at
`

// Create inserts a beneficiary. A unique index on
// (merchant_id, account_fingerprint) rejects duplicate accounts.
func (s *PostgresStore) Create(ctx context.Context, b *Beneficiary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO beneficiaries (
			id, merchant_id, name, account_encrypted, account_masked, account_fingerprint,
			ifsc, upi, bank_name, type, status,
			total_payouts, total_amount_minor,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, $12, $13)
	`,
		b.ID, b.MerchantID, b.Name, b.accountEncrypted, b.AccountMasked, nullable(b.AccountFingerprint),
		b.IFSC, b.UPI, b.BankName, b.Type, b.Status,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("creating beneficiary: %w", err)
	}
	return nil
}

// GetByID fetches a beneficiary scoped to a merchant.
func (s *PostgresStore) GetByID(ctx context.Context, merchantID, id string) (*Beneficiary, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = $1 AND merchant_id = $2`,
		id, merchantID,
	)
	return scanBeneficiary(row)
}

// GetByFingerprint looks up an existing beneficiary by account fingerprint.
func (s *PostgresStore) GetByFingerprint(ctx context.Context, merchantID, fingerprint string) (*Beneficiary, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE merchant_id = $1 AND account_fingerprint = $2`,
		merchantID, fingerprint,
	)
	return scanBeneficiary(row)
}

// ListFilter narrows beneficiary listings. One-time beneficiaries are
// always excluded.
type ListFilter struct {
	Status Status
	Search string
	Limit  int
	Offset int
}

// List returns a merchant's saved beneficiaries, newest first, plus the
// total count.
func (s *PostgresStore) List(ctx context.Context, merchantID string, f ListFilter) ([]*Beneficiary, int64, error) {
	where := ` WHERE merchant_id = $1 AND type = $2`
	args := []interface{}{merchantID, TypeRegular}
	idx := 3

	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND (name ILIKE $%[1]d OR upi ILIKE $%[1]d OR bank_name ILIKE $%[1]d)", idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM beneficiaries`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting beneficiaries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(
		`SELECT %s FROM beneficiaries%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		beneficiaryColumns, where, limit, f.Offset,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing beneficiaries: %w", err)
	}
	defer rows.Close()

	var list []*Beneficiary
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, b)
	}
	return list, total, rows.Err()
}

// Update persists mutable fields: name, bank name and status.
func (s *PostgresStore) Update(ctx context.Context, b *Beneficiary) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE beneficiaries
		SET name = $3, bank_name = $4, status = $5, updated_at = $6
		WHERE id = $1 AND merchant_id = $2
	`, b.ID, b.MerchantID, b.Name, b.BankName, b.Status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating beneficiary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementStats bumps payout counters. It accepts a Querier so payout
// finalization can run it inside the finalizing transaction.
func IncrementStats(ctx context.Context, q database.Querier, beneficiaryID string, amountMinor int64, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE beneficiaries
		SET total_payouts = total_payouts + 1,
			total_amount_minor = total_amount_minor + $2,
			last_payout_at = $3,
			updated_at = $3
		WHERE id = $1
	`, beneficiaryID, amountMinor, at)
	if err != nil {
		return fmt.Errorf("updating beneficiary stats: %w", err)
	}
	return nil
}

func scanBeneficiary(row pgx.Row) (*Beneficiary, error) {
	var b Beneficiary
	var fingerprint *string

	err := row.Scan(
		&b.ID, &b.MerchantID, &b.Name, &b.accountEncrypted, &b.AccountMasked, &fingerprint,
		&b.IFSC, &b.UPI, &b.BankName, &b.Type, &b.Status,
		&b.Stats.TotalPayouts, &b.Stats.TotalAmountMinor, &b.Stats.LastPayoutAt,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if fingerprint != nil {
		b.AccountFingerprint = *fingerprint
	}
	return &b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
