package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/webitof-developer/Silkpay/internal/beneficiary"
	"github.com/webitof-developer/Silkpay/internal/common/database"
	"github.com/webitof-developer/Silkpay/internal/ledger"
)

// PostgresStore persists payouts and runs the finalizing transaction.
type PostgresStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPostgresStore creates a payout store.
func NewPostgresStore(db *database.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const payoutColumns = `
	id, merchant_id, merchant_no, beneficiary_id, beneficiary_name,
	beneficiary_account_masked, beneficiary_ifsc, mode,
	out_trade_no, gateway_order_no, amount_minor, currency,
	status, finalized_by, failure_reason, remark, gateway_response,
	webhook_received, webhook_count, last_webhook_at,
	created_at, updated_at, completed_at
`

// CreateReserved inserts a non-terminal payout, reserves its amount from
// the merchant's available balance and writes the PAYOUT ledger entry,
// all in one transaction. Nothing persists if the reservation fails.
func (s *PostgresStore) CreateReserved(ctx context.Context, p *Payout, entry *ledger.Entry) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertPayout(ctx, tx, p); err != nil {
			return err
		}
		if err := ledger.ReserveTx(ctx, tx, p.MerchantID, p.AmountMinor); err != nil {
			return err
		}
		available, err := ledger.AvailableFor(ctx, tx, p.MerchantID)
		if err != nil {
			return err
		}
		entry.BalanceBeforeMinor = available + p.AmountMinor
		entry.BalanceAfterMinor = available
		return ledger.Record(ctx, tx, entry)
	})
}

// CreateFailed inserts a payout the gateway rejected at submission.
// No balance is touched.
func (s *PostgresStore) CreateFailed(ctx context.Context, p *Payout) error {
	return insertPayout(ctx, s.db.Pool(), p)
}

func insertPayout(ctx context.Context, q database.Querier, p *Payout) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payouts (
			id, merchant_id, merchant_no, beneficiary_id, beneficiary_name,
			beneficiary_account_masked, beneficiary_ifsc, mode,
			out_trade_no, gateway_order_no, amount_minor, currency,
			status, finalized_by, failure_reason, remark, gateway_response,
			webhook_received, webhook_count,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			false, 0,
			$18, $19, $20
		)
	`,
		p.ID, p.MerchantID, p.MerchantNo, p.BeneficiaryID, p.BeneficiaryName,
		nullStr(p.BeneficiaryAccountMasked), nullStr(p.BeneficiaryIFSC), p.Mode,
		p.OutTradeNo, nullStr(p.GatewayOrderNo), p.AmountMinor, p.Currency,
		p.Status, nullStr(string(p.FinalizedBy)), nullStr(p.FailureReason), p.Remark, nullJSON(p.GatewayResponse),
		p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payout: %w", err)
	}
	return nil
}

// GetByID fetches a payout scoped to a merchant.
func (s *PostgresStore) GetByID(ctx context.Context, merchantID, id string) (*Payout, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1 AND merchant_id = $2`,
		id, merchantID,
	)
	return scanPayout(row)
}

// GetByOutTradeNo fetches a payout by gateway reference. Used by the
// webhook path, which has no merchant scope.
func (s *PostgresStore) GetByOutTradeNo(ctx context.Context, outTradeNo string) (*Payout, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE out_trade_no = $1`,
		outTradeNo,
	)
	return scanPayout(row)
}

// ListFilter narrows payout listings.
type ListFilter struct {
	Status        Status
	BeneficiaryID string
	Mode          Mode
	From          *time.Time
	To            *time.Time
	Search        string
	Limit         int
	Offset        int
}

// List returns a merchant's payouts, newest first, plus the total count.
func (s *PostgresStore) List(ctx context.Context, merchantID string, f ListFilter) ([]*Payout, int64, error) {
	where := ` WHERE merchant_id = $1`
	args := []interface{}{merchantID}
	idx := 2

	add := func(cond string, val interface{}) {
		where += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.BeneficiaryID != "" {
		add("beneficiary_id = $%d", f.BeneficiaryID)
	}
	if f.Mode != "" {
		add("mode = $%d", f.Mode)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.Search != "" {
		add("(out_trade_no ILIKE $%[1]d OR beneficiary_name ILIKE $%[1]d)", "%"+f.Search+"%")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payouts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payouts: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(
		`SELECT %s FROM payouts%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		payoutColumns, where, limit, f.Offset,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payouts: %w", err)
	}
	defer rows.Close()

	payouts, err := scanPayouts(rows)
	if err != nil {
		return nil, 0, err
	}
	return payouts, total, nil
}

// ListUnsettled returns non-terminal payouts created within the window,
// oldest first, for the reconciliation poller.
func (s *PostgresStore) ListUnsettled(ctx context.Context, window time.Duration, limit int) ([]*Payout, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status IN ('PENDING', 'PROCESSING')
			AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, time.Now().UTC().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled payouts: %w", err)
	}
	defer rows.Close()

	return scanPayouts(rows)
}

// RecordWebhook bumps the webhook counters without touching status. Runs
// for every delivery, including ones arriving after the payout is
// terminal.
func (s *PostgresStore) RecordWebhook(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE payouts
		SET webhook_received = true,
			webhook_count = webhook_count + 1,
			last_webhook_at = $2,
			updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("recording webhook delivery: %w", err)
	}
	return nil
}

// MarkProcessing promotes a PENDING payout. Terminal payouts are left
// untouched.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE payouts
		SET status = 'PROCESSING', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking payout processing: %w", err)
	}
	return nil
}

// SetGatewayOrderNo stores the gateway's own order id when it first
// becomes known.
func (s *PostgresStore) SetGatewayOrderNo(ctx context.Context, id, orderNo string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE payouts
		SET gateway_order_no = COALESCE(gateway_order_no, $2), updated_at = $3
		WHERE id = $1
	`, id, orderNo, time.Now().UTC())
	return err
}

// Outcome describes a terminal transition to apply. GatewayResponse is
// the raw payload that reported the terminal status; it replaces the
// stored submit response.
type Outcome struct {
	Status          Status
	FinalizedBy     FinalizedBy
	FailureReason   string
	GatewayOrderNo  string
	GatewayResponse json.RawMessage
	At              time.Time
}

// Finalize moves a payout to a terminal state, releases its reservation,
// writes the REFUND entry on failure and bumps beneficiary stats on
// success, all in one transaction. The status update is conditional on
// the payout still being non-terminal; if another channel won the race,
// ErrAlreadyFinal is returned and no balance is touched.
func (s *PostgresStore) Finalize(ctx context.Context, p *Payout, o Outcome) error {
	if !o.Status.IsTerminal() {
		return fmt.Errorf("finalize called with non-terminal status %s", o.Status)
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payouts
			SET status = $2,
				finalized_by = $3,
				failure_reason = $4,
				gateway_order_no = COALESCE(gateway_order_no, $5),
				gateway_response = COALESCE($6, gateway_response),
				completed_at = $7,
				updated_at = $7
			WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
		`, p.ID, o.Status, o.FinalizedBy, nullStr(o.FailureReason), nullStr(o.GatewayOrderNo), nullJSON(o.GatewayResponse), o.At)
		if err != nil {
			return fmt.Errorf("finalizing payout: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyFinal
		}

		success := o.Status == StatusSuccess
		if err := ledger.Release(ctx, tx, p.MerchantID, p.AmountMinor, success); err != nil {
			return err
		}

		if success {
			return beneficiary.IncrementStats(ctx, tx, p.BeneficiaryID, p.AmountMinor, o.At)
		}

		available, err := ledger.AvailableFor(ctx, tx, p.MerchantID)
		if err != nil {
			return err
		}
		return ledger.Record(ctx, tx, &ledger.Entry{
			ID:                 ulid.Make().String(),
			MerchantID:         p.MerchantID,
			MerchantNo:         p.MerchantNo,
			Type:               ledger.EntryRefund,
			PayoutID:           p.ID,
			AmountMinor:        p.AmountMinor,
			Currency:           p.Currency,
			BalanceBeforeMinor: available - p.AmountMinor,
			BalanceAfterMinor:  available,
			Description:        fmt.Sprintf("Refund for %s payout %s", o.Status, p.OutTradeNo),
			ReferenceNo:        p.OutTradeNo,
			CreatedAt:          o.At,
		})
	})
}

func scanPayout(row pgx.Row) (*Payout, error) {
	var p Payout
	var accountMasked, ifsc, gatewayOrderNo, finalizedBy, failureReason *string
	var gatewayResponse []byte

	err := row.Scan(
		&p.ID, &p.MerchantID, &p.MerchantNo, &p.BeneficiaryID, &p.BeneficiaryName,
		&accountMasked, &ifsc, &p.Mode,
		&p.OutTradeNo, &gatewayOrderNo, &p.AmountMinor, &p.Currency,
		&p.Status, &finalizedBy, &failureReason, &p.Remark, &gatewayResponse,
		&p.WebhookReceived, &p.WebhookCount, &p.LastWebhookAt,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if accountMasked != nil {
		p.BeneficiaryAccountMasked = *accountMasked
	}
	if ifsc != nil {
		p.BeneficiaryIFSC = *ifsc
	}
	if gatewayOrderNo != nil {
		p.GatewayOrderNo = *gatewayOrderNo
	}
	if finalizedBy != nil {
		p.FinalizedBy = FinalizedBy(*finalizedBy)
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	p.GatewayResponse = gatewayResponse
	return &p, nil
}

func scanPayouts(rows pgx.Rows) ([]*Payout, error) {
	var payouts []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
