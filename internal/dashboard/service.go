// Package dashboard serves read-only aggregates for the merchant UI.
// Everything here is derived from payouts and transactions; it writes
// nothing.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/webitof-developer/Silkpay/internal/common/database"
)

// Service computes dashboard aggregates.
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

// NewService creates a dashboard service.
func NewService(db *database.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// StatusCount is one slice of the payout status breakdown.
type StatusCount struct {
	Status      string `json:"status"`
	Count       int64  `json:"count"`
	AmountMinor int64  `json:"amount_minor"`
}

// Overview is the dashboard headline block.
type Overview struct {
	TotalPayouts     int64         `json:"total_payouts"`
	ByStatus         []StatusCount `json:"by_status"`
	TodayPayouts     int64         `json:"today_payouts"`
	TodayAmountMinor int64         `json:"today_amount_minor"`
	PendingPayouts   int64         `json:"pending_payouts"`
	PendingMinor     int64         `json:"pending_minor"`
}

// GetOverview aggregates lifetime and same-day payout figures.
func (s *Service) GetOverview(ctx context.Context, merchantID string) (*Overview, error) {
	o := &Overview{}

	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM payouts
		WHERE merchant_id = $1
		GROUP BY status
	`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("aggregating payout statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count, &sc.AmountMinor); err != nil {
			return nil, err
		}
		o.ByStatus = append(o.ByStatus, sc)
		o.TotalPayouts += sc.Count
		if sc.Status == "PENDING" || sc.Status == "PROCESSING" {
			o.PendingPayouts += sc.Count
			o.PendingMinor += sc.AmountMinor
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM payouts
		WHERE merchant_id = $1 AND status = 'SUCCESS' AND completed_at >= $2
	`, merchantID, dayStart).Scan(&o.TodayPayouts, &o.TodayAmountMinor)
	if err != nil {
		return nil, fmt.Errorf("aggregating today's payouts: %w", err)
	}

	return o, nil
}

// TrendPoint is one day of payout volume.
type TrendPoint struct {
	Date        string `json:"date"`
	Count       int64  `json:"count"`
	AmountMinor int64  `json:"amount_minor"`
}

// GetTrends returns daily successful-payout volume for the last n days.
func (s *Service) GetTrends(ctx context.Context, merchantID string, days int) ([]TrendPoint, error) {
	if days <= 0 || days > 90 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)

	rows, err := s.db.Query(ctx, `
		SELECT DATE(completed_at), COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM payouts
		WHERE merchant_id = $1 AND status = 'SUCCESS' AND completed_at >= $2
		GROUP BY DATE(completed_at)
		ORDER BY DATE(completed_at)
	`, merchantID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating payout trends: %w", err)
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var day time.Time
		var tp TrendPoint
		if err := rows.Scan(&day, &tp.Count, &tp.AmountMinor); err != nil {
			return nil, err
		}
		tp.Date = day.Format("2006-01-02")
		points = append(points, tp)
	}
	return points, rows.Err()
}

// TopBeneficiary summarizes payout volume through one beneficiary.
type TopBeneficiary struct {
	BeneficiaryID string     `json:"beneficiary_id"`
	Name          string     `json:"name"`
	PayoutCount   int64      `json:"payout_count"`
	TotalMinor    int64      `json:"total_minor"`
	LastPayoutAt  *time.Time `json:"last_payout_at,omitempty"`
}

// GetTopBeneficiaries ranks saved beneficiaries by successful volume.
func (s *Service) GetTopBeneficiaries(ctx context.Context, merchantID string, limit int) ([]TopBeneficiary, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}

	rows, err := s.db.Query(ctx, `
		SELECT b.id, b.name, b.total_payouts, b.total_amount_minor, b.last_payout_at
		FROM beneficiaries b
		WHERE b.merchant_id = $1 AND b.type = 'REGULAR' AND b.total_payouts > 0
		ORDER BY b.total_amount_minor DESC
		LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking beneficiaries: %w", err)
	}
	defer rows.Close()

	var top []TopBeneficiary
	for rows.Next() {
		var tb TopBeneficiary
		if err := rows.Scan(&tb.BeneficiaryID, &tb.Name, &tb.PayoutCount, &tb.TotalMinor, &tb.LastPayoutAt); err != nil {
			return nil, err
		}
		top = append(top, tb)
	}
	return top, rows.Err()
}

// Activity is one recent payout row for the activity feed.
type Activity struct {
	PayoutID        string     `json:"payout_id"`
	OutTradeNo      string     `json:"out_trade_no"`
	BeneficiaryName string     `json:"beneficiary_name"`
	AmountMinor     int64      `json:"amount_minor"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// GetRecentActivity returns the newest payouts.
func (s *Service) GetRecentActivity(ctx context.Context, merchantID string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, out_trade_no, beneficiary_name, amount_minor, status, created_at, completed_at
		FROM payouts
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent activity: %w", err)
	}
	defer rows.Close()

	var feed []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.PayoutID, &a.OutTradeNo, &a.BeneficiaryName, &a.AmountMinor, &a.Status, &a.CreatedAt, &a.CompletedAt); err != nil {
			return nil, err
		}
		feed = append(feed, a)
	}
	return feed, rows.Err()
}
