package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webitof-developer/Silkpay/internal/beneficiary"
	"github.com/webitof-developer/Silkpay/internal/common/events"
	"github.com/webitof-developer/Silkpay/internal/common/money"
	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/ledger"
)

var (
	payoutsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_created_total",
		Help: "Payout creations by initial status.",
	}, []string{"status"})
	payoutsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_finalized_total",
		Help: "Terminal payout transitions by status and channel.",
	}, []string{"status", "by"})
	webhookReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_webhook_replays_total",
		Help: "Webhook deliveries for payouts already finalized.",
	})
)

// Store is the persistence surface the state machine needs. Finalize must
// be atomic: the conditional status write, the balance release, the
// REFUND entry on failure and the beneficiary stats on success all land
// in one transaction, or ErrAlreadyFinal when another channel won.
type Store interface {
	CreateReserved(ctx context.Context, p *Payout, entry *ledger.Entry) error
	CreateFailed(ctx context.Context, p *Payout) error
	GetByID(ctx context.Context, merchantID, id string) (*Payout, error)
	GetByOutTradeNo(ctx context.Context, outTradeNo string) (*Payout, error)
	List(ctx context.Context, merchantID string, f ListFilter) ([]*Payout, int64, error)
	ListUnsettled(ctx context.Context, window time.Duration, limit int) ([]*Payout, error)
	RecordWebhook(ctx context.Context, id string, at time.Time) error
	MarkProcessing(ctx context.Context, id string) error
	SetGatewayOrderNo(ctx context.Context, id, orderNo string) error
	Finalize(ctx context.Context, p *Payout, o Outcome) error
}

// Gateway is the slice of the gateway adapter the state machine uses.
type Gateway interface {
	SubmitPayout(ctx context.Context, req *silkpay.PayoutRequest) (*silkpay.PayoutResult, error)
	QueryPayout(ctx context.Context, outTradeNo string) (*silkpay.PayoutResult, error)
}

// Beneficiaries resolves payout destinations.
type Beneficiaries interface {
	PayoutTarget(ctx context.Context, merchantID, id string) (*beneficiary.Target, error)
	CreateOneTime(ctx context.Context, merchantID string, in beneficiary.CreateInput) (*beneficiary.Beneficiary, error)
}

// BalanceReader pre-checks available funds before a gateway call.
type BalanceReader interface {
	Available(ctx context.Context, merchantID string) (int64, error)
}

// Service owns the payout lifecycle. All status transitions, however they
// arrive, converge on finalize.
type Service struct {
	store         Store
	gateway       Gateway
	beneficiaries Beneficiaries
	balances      BalanceReader
	publisher     events.EventPublisher
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates the payout service.
func NewService(store Store, gateway Gateway, beneficiaries Beneficiaries, balances BalanceReader, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		gateway:       gateway,
		beneficiaries: beneficiaries,
		balances:      balances,
		publisher:     publisher,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput carries a payout request. Either BeneficiaryID or OneTime
// must be set.
type CreateInput struct {
	BeneficiaryID string
	OneTime       *beneficiary.CreateInput
	Amount        money.Money
	Remark        string
}

// Create submits a payout. The available balance is checked up front,
// the gateway is called, and only an accepted submission persists with a
// reservation and a PAYOUT entry. A gateway-side rejection persists an
// immediately-failed record with no money movement; a transport error
// persists nothing and surfaces to the caller.
func (s *Service) Create(ctx context.Context, merchantID, merchantNo string, in CreateInput) (*Payout, error) {
	if !in.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	target, err := s.resolveTarget(ctx, merchantID, in)
	if err != nil {
		return nil, err
	}

	available, err := s.balances.Available(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if available < in.Amount.AmountMinor {
		return nil, ledger.ErrInsufficientBalance
	}

	outTradeNo := GenerateOutTradeNo(merchantNo)
	result, err := s.gateway.SubmitPayout(ctx, &silkpay.PayoutRequest{
		OutTradeNo:      outTradeNo,
		Amount:          in.Amount,
		BeneficiaryName: target.Name,
		AccountNumber:   target.AccountNumber,
		IFSC:            target.IFSC,
		UPI:             target.UPI,
	})
	if err != nil {
		return nil, fmt.Errorf("submitting payout %s: %w", outTradeNo, err)
	}

	now := s.now()
	p := &Payout{
		ID:              ulid.Make().String(),
		MerchantID:      merchantID,
		MerchantNo:      merchantNo,
		BeneficiaryID:   target.BeneficiaryID,
		BeneficiaryName: target.Name,
		Mode:            modeFor(target),
		OutTradeNo:      outTradeNo,
		GatewayOrderNo:  result.OrderNo,
		AmountMinor:     in.Amount.AmountMinor,
		Currency:        in.Amount.Currency,
		Remark:          strings.TrimSpace(in.Remark),
		GatewayResponse: result.Raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	snapshotDestination(p, target)

	if result.Status == silkpay.StatusFailed {
		p.Status = StatusFailed
		p.FailureReason = failureReason(result.Message)
		p.CompletedAt = &now
		if err := s.store.CreateFailed(ctx, p); err != nil {
			return nil, err
		}
		payoutsCreated.WithLabelValues(string(StatusFailed)).Inc()
		s.logger.Warn("payout rejected at submission",
			"payout_id", p.ID,
			"out_trade_no", outTradeNo,
			"reason", p.FailureReason,
		)
		return p, nil
	}

	p.Status = StatusProcessing
	entry := &ledger.Entry{
		ID:          ulid.Make().String(),
		MerchantID:  merchantID,
		MerchantNo:  merchantNo,
		Type:        ledger.EntryPayout,
		PayoutID:    p.ID,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		Description: fmt.Sprintf("Payout to %s", target.Name),
		ReferenceNo: outTradeNo,
		CreatedAt:   now,
	}
	if err := s.store.CreateReserved(ctx, p, entry); err != nil {
		return nil, err
	}

	payoutsCreated.WithLabelValues(string(StatusProcessing)).Inc()
	s.logger.Info("payout created",
		"payout_id", p.ID,
		"out_trade_no", outTradeNo,
		"amount_minor", p.AmountMinor,
		"mode", p.Mode,
	)
	s.publishCreated(ctx, p)
	return p, nil
}

func (s *Service) resolveTarget(ctx context.Context, merchantID string, in CreateInput) (*beneficiary.Target, error) {
	switch {
	case in.BeneficiaryID != "" && in.OneTime != nil:
		return nil, errors.New("specify a beneficiary id or inline details, not both")
	case in.BeneficiaryID != "":
		return s.beneficiaries.PayoutTarget(ctx, merchantID, in.BeneficiaryID)
	case in.OneTime != nil:
		b, err := s.beneficiaries.CreateOneTime(ctx, merchantID, *in.OneTime)
		if err != nil {
			return nil, err
		}
		return s.beneficiaries.PayoutTarget(ctx, merchantID, b.ID)
	default:
		return nil, errors.New("beneficiary is required")
	}
}

func modeFor(t *beneficiary.Target) Mode {
	if t.AccountNumber != "" {
		return ModeBank
	}
	return ModeUPI
}

// snapshotDestination denormalizes the resolved target onto the payout
// so the record stays renderable after the beneficiary is deactivated.
func snapshotDestination(p *Payout, t *beneficiary.Target) {
	if p.Mode == ModeBank {
		p.BeneficiaryAccountMasked = t.AccountMasked
		p.BeneficiaryIFSC = t.IFSC
		return
	}
	p.BeneficiaryAccountMasked = t.UPI
}

// Get fetches one payout.
func (s *Service) Get(ctx context.Context, merchantID, id string) (*Payout, error) {
	return s.store.GetByID(ctx, merchantID, id)
}

// List returns a merchant's payouts.
func (s *Service) List(ctx context.Context, merchantID string, f ListFilter) ([]*Payout, int64, error) {
	return s.store.List(ctx, merchantID, f)
}

// WebhookEvent is one verified gateway notification. Raw is the payload
// body as delivered, retained on the payout when the event finalizes it.
type WebhookEvent struct {
	OutTradeNo string
	Status     silkpay.Status
	OrderNo    string
	Message    string
	Raw        json.RawMessage
}

// ApplyWebhookEvent feeds a verified gateway notification into the state
// machine. Webhook bookkeeping updates on every delivery, including ones
// arriving after the payout is terminal; the status transition itself
// happens at most once.
func (s *Service) ApplyWebhookEvent(ctx context.Context, ev WebhookEvent) (*Payout, error) {
	p, err := s.store.GetByOutTradeNo(ctx, ev.OutTradeNo)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.store.RecordWebhook(ctx, p.ID, now); err != nil {
		return nil, err
	}
	p.WebhookReceived = true
	p.WebhookCount++
	p.LastWebhookAt = &now

	if p.Status.IsTerminal() {
		webhookReplays.Inc()
		s.logger.Info("webhook for finalized payout",
			"payout_id", p.ID,
			"status", p.Status,
			"webhook_status", ev.Status,
			"webhook_count", p.WebhookCount,
		)
		return p, nil
	}

	if ev.Status == silkpay.StatusProcessing {
		if p.Status == StatusPending {
			if err := s.store.MarkProcessing(ctx, p.ID); err != nil {
				return nil, err
			}
			p.Status = StatusProcessing
		}
		return p, nil
	}

	return s.finalize(ctx, p, Outcome{
		Status:          statusFrom(ev.Status),
		FinalizedBy:     FinalizedByWebhook,
		FailureReason:   failureReasonIf(ev.Status, ev.Message),
		GatewayOrderNo:  ev.OrderNo,
		GatewayResponse: ev.Raw,
		At:              now,
	})
}

// ApplyPollResult feeds a gateway query result into the state machine.
// A PROCESSING result is a no-op apart from promoting PENDING payouts.
func (s *Service) ApplyPollResult(ctx context.Context, p *Payout, result *silkpay.PayoutResult, by FinalizedBy) (*Payout, error) {
	if p.Status.IsTerminal() {
		return p, nil
	}

	if result.Status == silkpay.StatusProcessing {
		if p.Status == StatusPending {
			if err := s.store.MarkProcessing(ctx, p.ID); err != nil {
				return nil, err
			}
			p.Status = StatusProcessing
		}
		if result.OrderNo != "" && p.GatewayOrderNo == "" {
			if err := s.store.SetGatewayOrderNo(ctx, p.ID, result.OrderNo); err != nil {
				return nil, err
			}
			p.GatewayOrderNo = result.OrderNo
		}
		return p, nil
	}

	return s.finalize(ctx, p, Outcome{
		Status:          statusFrom(result.Status),
		FinalizedBy:     by,
		FailureReason:   failureReasonIf(result.Status, result.Message),
		GatewayOrderNo:  result.OrderNo,
		GatewayResponse: result.Raw,
		At:              s.now(),
	})
}

// QueryStatus queries the gateway for one payout on demand and applies
// the result. Transitions from this path record MANUAL as the channel.
func (s *Service) QueryStatus(ctx context.Context, merchantID, id string) (*Payout, error) {
	p, err := s.store.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return p, nil
	}

	result, err := s.gateway.QueryPayout(ctx, p.OutTradeNo)
	if err != nil {
		return nil, fmt.Errorf("querying payout %s: %w", p.OutTradeNo, err)
	}
	return s.ApplyPollResult(ctx, p, result, FinalizedByManual)
}

// MarkReversed finalizes a non-terminal payout as REVERSED, returning its
// reservation to the available balance. Operator action only.
func (s *Service) MarkReversed(ctx context.Context, merchantID, id, reason string) (*Payout, error) {
	p, err := s.store.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, ErrAlreadyFinal
	}
	if reason == "" {
		reason = "reversed by operator"
	}
	return s.finalize(ctx, p, Outcome{
		Status:        StatusReversed,
		FinalizedBy:   FinalizedByManual,
		FailureReason: reason,
		At:            s.now(),
	})
}

// finalize is the single terminal-transition path. Losing the race to
// another channel is not an error: the payout is reloaded and returned
// unchanged.
func (s *Service) finalize(ctx context.Context, p *Payout, o Outcome) (*Payout, error) {
	if err := s.store.Finalize(ctx, p, o); err != nil {
		if errors.Is(err, ErrAlreadyFinal) {
			s.logger.Info("finalize lost race",
				"payout_id", p.ID,
				"attempted_status", o.Status,
				"attempted_by", o.FinalizedBy,
			)
			return s.store.GetByID(ctx, p.MerchantID, p.ID)
		}
		return nil, err
	}

	p.Status = o.Status
	p.FinalizedBy = o.FinalizedBy
	p.FailureReason = o.FailureReason
	if o.GatewayOrderNo != "" && p.GatewayOrderNo == "" {
		p.GatewayOrderNo = o.GatewayOrderNo
	}
	if len(o.GatewayResponse) > 0 {
		p.GatewayResponse = o.GatewayResponse
	}
	p.CompletedAt = &o.At
	p.UpdatedAt = o.At

	payoutsFinalized.WithLabelValues(string(o.Status), string(o.FinalizedBy)).Inc()
	s.logger.Info("payout finalized",
		"payout_id", p.ID,
		"out_trade_no", p.OutTradeNo,
		"status", p.Status,
		"finalized_by", p.FinalizedBy,
		"amount_minor", p.AmountMinor,
	)
	s.publishFinalized(ctx, p)
	return p, nil
}

func statusFrom(s silkpay.Status) Status {
	switch s {
	case silkpay.StatusSuccess:
		return StatusSuccess
	case silkpay.StatusProcessing:
		return StatusProcessing
	default:
		return StatusFailed
	}
}

func failureReasonIf(s silkpay.Status, message string) string {
	if s == silkpay.StatusSuccess {
		return ""
	}
	return failureReason(message)
}

func failureReason(message string) string {
	if message == "" {
		return "rejected by gateway"
	}
	return message
}

func (s *Service) publishCreated(ctx context.Context, p *Payout) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventPayoutCreated, p.MerchantNo, "payout", p.ID, events.PayoutCreatedData{
		PayoutID:        p.ID,
		OutTradeNo:      p.OutTradeNo,
		BeneficiaryID:   p.BeneficiaryID,
		AmountMinor:     p.AmountMinor,
		Currency:        string(p.Currency),
		Status:          string(p.Status),
		BeneficiaryName: p.BeneficiaryName,
	})
	if err != nil {
		s.logger.Warn("failed to build payout.created event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish payout.created", "payout_id", p.ID, "error", err)
	}
}

func (s *Service) publishFinalized(ctx context.Context, p *Payout) {
	if s.publisher == nil {
		return
	}

	var eventType string
	switch p.Status {
	case StatusSuccess:
		eventType = events.EventPayoutCompleted
	case StatusReversed:
		eventType = events.EventPayoutReversed
	default:
		eventType = events.EventPayoutFailed
	}

	event, err := events.NewEvent(eventType, p.MerchantNo, "payout", p.ID, events.PayoutFinalizedData{
		PayoutID:      p.ID,
		OutTradeNo:    p.OutTradeNo,
		AmountMinor:   p.AmountMinor,
		Currency:      string(p.Currency),
		Status:        string(p.Status),
		FinalizedBy:   string(p.FinalizedBy),
		FailureReason: p.FailureReason,
		CompletedAt:   *p.CompletedAt,
	})
	if err != nil {
		s.logger.Warn("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "payout_id", p.ID, "error", err)
	}
}
