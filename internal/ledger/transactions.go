package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webitof-developer/Silkpay/internal/common/database"
	"github.com/webitof-developer/Silkpay/internal/common/money"
)

// ErrEntryNotFound is returned when a transaction lookup misses.
var ErrEntryNotFound = errors.New("transaction not found")

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryPayout     EntryType = "PAYOUT"
	EntryRefund     EntryType = "REFUND"
	EntryFee        EntryType = "FEE"
	EntryAdjustment EntryType = "ADJUSTMENT"
)

// Entry is an immutable ledger record. Entries are append-only: every
// balance mutation writes one, carrying the available balance before and
// after so the trail can be audited without replaying history.
type Entry struct {
	ID                 string         `json:"id"`
	MerchantID         string         `json:"merchant_id"`
	MerchantNo         string         `json:"merchant_no"`
	Type               EntryType      `json:"type"`
	PayoutID           string         `json:"payout_id,omitempty"`
	AmountMinor        int64          `json:"amount_minor"`
	Currency           money.Currency `json:"currency"`
	BalanceBeforeMinor int64          `json:"balance_before_minor"`
	BalanceAfterMinor  int64          `json:"balance_after_minor"`
	Description        string         `json:"description"`
	ReferenceNo        string         `json:"reference_no"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Transactions reads and appends ledger entries.
type Transactions struct {
	db     *database.DB
	logger *slog.Logger
}

// NewTransactions creates the transaction ledger accessor.
func NewTransactions(db *database.DB, logger *slog.Logger) *Transactions {
	return &Transactions{db: db, logger: logger}
}

const entryColumns = `
	id, merchant_id, merchant_no, type, payout_id,
	amount_minor, currency, balance_before_minor, balance_after_minor,
	description, reference_no, created_at
`

// Record appends an entry. It accepts a Querier so the caller can run it
// inside the same transaction as the balance mutation it documents.
func Record(ctx context.Context, q database.Querier, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := q.Exec(ctx, `
		INSERT INTO transactions (
			id, merchant_id, merchant_no, type, payout_id,
			amount_minor, currency, balance_before_minor, balance_after_minor,
			description, reference_no, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.ID, e.MerchantID, e.MerchantNo, e.Type, nullStr(e.PayoutID),
		e.AmountMinor, e.Currency, e.BalanceBeforeMinor, e.BalanceAfterMinor,
		e.Description, e.ReferenceNo, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording transaction: %w", err)
	}
	return nil
}

// EntryFilter narrows transaction listings.
type EntryFilter struct {
	Type     EntryType
	PayoutID string
	From     *time.Time
	To       *time.Time
	Search   string
	Limit    int
	Offset   int
}

func (f EntryFilter) where(startIdx int) (string, []interface{}) {
	clause := ""
	var args []interface{}
	idx := startIdx

	add := func(cond string, val interface{}) {
		clause += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.PayoutID != "" {
		add("payout_id = $%d", f.PayoutID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.Search != "" {
		add("(description ILIKE $%[1]d OR reference_no ILIKE $%[1]d)", "%"+f.Search+"%")
	}

	return clause, args
}

// List returns entries for a merchant, newest first, plus the total count.
func (t *Transactions) List(ctx context.Context, merchantID string, f EntryFilter) ([]*Entry, int64, error) {
	where, args := f.where(2)
	args = append([]interface{}{merchantID}, args...)

	var total int64
	err := t.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE merchant_id = $1`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE merchant_id = $1%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		entryColumns, where, limit, f.Offset,
	)

	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// GetByID fetches a single entry scoped to a merchant.
func (t *Transactions) GetByID(ctx context.Context, merchantID, id string) (*Entry, error) {
	row := t.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM transactions WHERE id = $1 AND merchant_id = $2`,
		id, merchantID,
	)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return e, nil
}

// Recent returns the newest entries for a merchant.
func (t *Transactions) Recent(ctx context.Context, merchantID string, limit int) ([]*Entry, error) {
	entries, _, err := t.List(ctx, merchantID, EntryFilter{Limit: limit})
	return entries, err
}

// TypeStats aggregates count and amount per entry type.
type TypeStats struct {
	Count       int64 `json:"count"`
	TotalAmount int64 `json:"total_amount_minor"`
}

// Stats summarizes transactions by type within an optional date range.
func (t *Transactions) Stats(ctx context.Context, merchantID string, from, to *time.Time) (map[EntryType]TypeStats, error) {
	f := EntryFilter{From: from, To: to}
	where, args := f.where(2)
	args = append([]interface{}{merchantID}, args...)

	rows, err := t.db.Query(ctx, `
		SELECT type, COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM transactions
		WHERE merchant_id = $1`+where+`
		GROUP BY type
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating transactions: %w", err)
	}
	defer rows.Close()

	stats := make(map[EntryType]TypeStats)
	for rows.Next() {
		var entryType EntryType
		var s TypeStats
		if err := rows.Scan(&entryType, &s.Count, &s.TotalAmount); err != nil {
			return nil, err
		}
		stats[entryType] = s
	}
	return stats, rows.Err()
}

// exportLimit caps a CSV export.
const exportLimit = 10000

// ExportCSV streams matching entries as CSV, newest first. Returns the
// number of rows written.
func (t *Transactions) ExportCSV(ctx context.Context, w io.Writer, merchantID string, f EntryFilter) (int, error) {
	where, args := f.where(2)
	args = append([]interface{}{merchantID}, args...)

	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE merchant_id = $1%s ORDER BY created_at DESC LIMIT %d`,
		entryColumns, where, exportLimit,
	)

	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exporting transactions: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	header := []string{"Date", "Type", "Amount", "Currency", "Balance Before", "Balance After", "Description", "Reference"}
	if err := cw.Write(header); err != nil {
		return 0, err
	}

	count := 0
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return count, err
		}
		record := []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Type),
			money.New(e.AmountMinor, e.Currency).DecimalString(),
			string(e.Currency),
			money.New(e.BalanceBeforeMinor, e.Currency).DecimalString(),
			money.New(e.BalanceAfterMinor, e.Currency).DecimalString(),
			e.Description,
			e.ReferenceNo,
		}
		if err := cw.Write(record); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return count, err
	}

	t.logger.Info("transactions exported", "merchant_id", merchantID, "rows", count)
	return count, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var payoutID *string

	err := row.Scan(
		&e.ID, &e.MerchantID, &e.MerchantNo, &e.Type, &payoutID,
		&e.AmountMinor, &e.Currency, &e.BalanceBeforeMinor, &e.BalanceAfterMinor,
		&e.Description, &e.ReferenceNo, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payoutID != nil {
		e.PayoutID = *payoutID
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
