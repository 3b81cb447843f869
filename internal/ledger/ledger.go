// Package ledger is the accessor for merchant balances and the append-only
// transaction trail. All money movement goes through Reserve and Release;
// nothing else writes balance columns during payout flows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webitof-developer/Silkpay/internal/common/database"
)

// ErrInsufficientBalance is returned when a reservation would drive the
// available balance negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Balances performs atomic balance mutations on the merchants table.
type Balances struct {
	db     *database.DB
	logger *slog.Logger
}

// NewBalances creates a balance accessor.
func NewBalances(db *database.DB, logger *slog.Logger) *Balances {
	return &Balances{db: db, logger: logger}
}

// Reserve moves amount from available to pending. The guard lives in the
// WHERE clause, so two concurrent reservations against the same merchant
// serialize on the row and the loser sees zero rows affected rather than
// a negative balance.
func (b *Balances) Reserve(ctx context.Context, merchantID string, amountMinor int64) error {
	if err := ReserveTx(ctx, b.db.Pool(), merchantID, amountMinor); err != nil {
		return err
	}

	b.logger.Info("balance reserved",
		"merchant_id", merchantID,
		"amount_minor", amountMinor,
	)
	return nil
}

// Available reads a merchant's current available balance.
func (b *Balances) Available(ctx context.Context, merchantID string) (int64, error) {
	return AvailableFor(ctx, b.db.Pool(), merchantID)
}

// ReserveTx is Reserve running on the caller's Querier, so a reservation
// can share a transaction with the payout insert it backs.
func ReserveTx(ctx context.Context, q database.Querier, merchantID string, amountMinor int64) error {
	if amountMinor <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amountMinor)
	}

	tag, err := q.Exec(ctx, `
		UPDATE merchants
		SET available_minor = available_minor - $1,
		    pending_minor   = pending_minor + $1,
		    updated_at      = $3
		WHERE id = $2 AND available_minor >= $1
	`, amountMinor, merchantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reserving balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Release resolves a reservation inside the caller's transaction. On
// success the amount leaves pending and total; on failure it returns from
// pending to available. Callers gate this on the payout status write, so
// it runs at most once per payout.
func Release(ctx context.Context, q database.Querier, merchantID string, amountMinor int64, success bool) error {
	if amountMinor <= 0 {
		return fmt.Errorf("release amount must be positive, got %d", amountMinor)
	}

	var query string
	if success {
		query = `
			UPDATE merchants
			SET pending_minor = pending_minor - $1,
			    total_minor   = total_minor - $1,
			    updated_at    = $3
			WHERE id = $2 AND pending_minor >= $1
		`
	} else {
		query = `
			UPDATE merchants
			SET pending_minor   = pending_minor - $1,
			    available_minor = available_minor + $1,
			    updated_at      = $3
			WHERE id = $2 AND pending_minor >= $1
		`
	}

	tag, err := q.Exec(ctx, query, amountMinor, merchantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("releasing balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("releasing balance: pending below %d for merchant %s", amountMinor, merchantID)
	}
	return nil
}

// AvailableFor reads the current available balance inside or outside a
// transaction.
func AvailableFor(ctx context.Context, q database.Querier, merchantID string) (int64, error) {
	var available int64
	err := q.QueryRow(ctx, `SELECT available_minor FROM merchants WHERE id = $1`, merchantID).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("reading available balance: %w", err)
	}
	return available, nil
}
