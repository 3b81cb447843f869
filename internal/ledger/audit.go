package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webitof-developer/Silkpay/internal/common/database"
)

var (
	auditRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_audit_runs_total",
		Help: "Number of completed ledger audit sweeps.",
	})
	auditDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_audit_inconsistent_merchants",
		Help: "Merchants whose balances failed the last audit sweep.",
	})
)

// AuditConfig controls the background consistency sweep.
type AuditConfig struct {
	Interval time.Duration `envconfig:"AUDIT_INTERVAL" default:"10m"`
}

// Auditor verifies that every merchant's balance columns agree with each
// other and with the transaction trail. It never repairs anything; drift
// is logged and exported for operators to act on.
type Auditor struct {
	db     *database.DB
	cfg    AuditConfig
	logger *slog.Logger
}

// NewAuditor creates a ledger auditor.
func NewAuditor(db *database.DB, cfg AuditConfig, logger *slog.Logger) *Auditor {
	return &Auditor{db: db, cfg: cfg, logger: logger.With("component", "ledger_auditor")}
}

// Run sweeps on the configured interval until the context is canceled.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("ledger auditor started", "interval", a.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("ledger auditor stopped")
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.Error("audit sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one full audit pass and updates the drift gauge.
func (a *Auditor) Sweep(ctx context.Context) error {
	bad, err := a.checkColumnIdentity(ctx)
	if err != nil {
		return err
	}
	trailBad, err := a.checkTrailAgreement(ctx)
	if err != nil {
		return err
	}

	auditRuns.Inc()
	auditDrift.Set(float64(bad + trailBad))
	return nil
}

// checkColumnIdentity finds merchants where total != available + pending.
func (a *Auditor) checkColumnIdentity(ctx context.Context) (int, error) {
	rows, err := a.db.Query(ctx, `
		SELECT id, merchant_no, available_minor, pending_minor, total_minor
		FROM merchants
		WHERE total_minor <> available_minor + pending_minor
	`)
	if err != nil {
		return 0, fmt.Errorf("auditing balance columns: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, merchantNo string
		var available, pending, total int64
		if err := rows.Scan(&id, &merchantNo, &available, &pending, &total); err != nil {
			return count, err
		}
		count++
		a.logger.Error("balance identity violated",
			"merchant_id", id,
			"merchant_no", merchantNo,
			"available_minor", available,
			"pending_minor", pending,
			"total_minor", total,
		)
	}
	return count, rows.Err()
}

// checkTrailAgreement compares each merchant's newest transaction
// balance_after against the live available balance. A mismatch means a
// balance was mutated without a corresponding ledger entry, or an entry
// was recorded outside the mutating transaction. Merchants whose balance
// row was touched after the newest entry are skipped: the gateway balance
// sync overwrites balances without writing entries.
func (a *Auditor) checkTrailAgreement(ctx context.Context) (int, error) {
	rows, err := a.db.Query(ctx, `
		SELECT m.id, m.merchant_no, m.available_minor, t.balance_after_minor
		FROM merchants m
		JOIN LATERAL (
			SELECT balance_after_minor, created_at
			FROM transactions
			WHERE merchant_id = m.id
			ORDER BY created_at DESC
			LIMIT 1
		) t ON true
		WHERE m.available_minor <> t.balance_after_minor
			AND m.updated_at <= t.created_at
	`)
	if err != nil {
		return 0, fmt.Errorf("auditing transaction trail: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, merchantNo string
		var available, recorded int64
		if err := rows.Scan(&id, &merchantNo, &available, &recorded); err != nil {
			return count, err
		}
		count++
		a.logger.Error("transaction trail disagrees with live balance",
			"merchant_id", id,
			"merchant_no", merchantNo,
			"available_minor", available,
			"recorded_after_minor", recorded,
		)
	}
	return count, rows.Err()
}
