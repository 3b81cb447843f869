package payout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitof-developer/Silkpay/internal/beneficiary"
	"github.com/webitof-developer/Silkpay/internal/common/money"
	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/ledger"
)

// fakeStore mirrors the transactional semantics of the real store: the
// reservation is atomic with the insert, and Finalize releases the
// balance at most once.
type fakeStore struct {
	available int64
	pending   int64
	total     int64

	payouts map[string]*Payout
	byRef   map[string]string
	entries []*ledger.Entry

	statsCount  map[string]int64
	statsAmount map[string]int64
}

func newFakeStore(available int64) *fakeStore {
	return &fakeStore{
		available:   available,
		total:       available,
		payouts:     map[string]*Payout{},
		byRef:       map[string]string{},
		statsCount:  map[string]int64{},
		statsAmount: map[string]int64{},
	}
}

func (s *fakeStore) Available(ctx context.Context, merchantID string) (int64, error) {
	return s.available, nil
}

func (s *fakeStore) CreateReserved(ctx context.Context, p *Payout, entry *ledger.Entry) error {
	if s.available < p.AmountMinor {
		return ledger.ErrInsufficientBalance
	}
	s.available -= p.AmountMinor
	s.pending += p.AmountMinor

	entry.BalanceBeforeMinor = s.available + p.AmountMinor
	entry.BalanceAfterMinor = s.available
	s.entries = append(s.entries, entry)

	cp := *p
	s.payouts[p.ID] = &cp
	s.byRef[p.OutTradeNo] = p.ID
	return nil
}

func (s *fakeStore) CreateFailed(ctx context.Context, p *Payout) error {
	cp := *p
	s.payouts[p.ID] = &cp
	s.byRef[p.OutTradeNo] = p.ID
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, merchantID, id string) (*Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) GetByOutTradeNo(ctx context.Context, outTradeNo string) (*Payout, error) {
	id, ok := s.byRef[outTradeNo]
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, "", id)
}

func (s *fakeStore) List(ctx context.Context, merchantID string, f ListFilter) ([]*Payout, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) ListUnsettled(ctx context.Context, window time.Duration, limit int) ([]*Payout, error) {
	var out []*Payout
	for _, p := range s.payouts {
		if !p.Status.IsTerminal() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordWebhook(ctx context.Context, id string, at time.Time) error {
	p := s.payouts[id]
	p.WebhookReceived = true
	p.WebhookCount++
	p.LastWebhookAt = &at
	return nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, id string) error {
	if p := s.payouts[id]; p.Status == StatusPending {
		p.Status = StatusProcessing
	}
	return nil
}

func (s *fakeStore) SetGatewayOrderNo(ctx context.Context, id, orderNo string) error {
	if p := s.payouts[id]; p.GatewayOrderNo == "" {
		p.GatewayOrderNo = orderNo
	}
	return nil
}

func (s *fakeStore) Finalize(ctx context.Context, p *Payout, o Outcome) error {
	stored := s.payouts[p.ID]
	if stored.Status.IsTerminal() {
		return ErrAlreadyFinal
	}

	stored.Status = o.Status
	stored.FinalizedBy = o.FinalizedBy
	stored.FailureReason = o.FailureReason
	if o.GatewayOrderNo != "" && stored.GatewayOrderNo == "" {
		stored.GatewayOrderNo = o.GatewayOrderNo
	}
	if len(o.GatewayResponse) > 0 {
		stored.GatewayResponse = o.GatewayResponse
	}
	at := o.At
	stored.CompletedAt = &at

	s.pending -= p.AmountMinor
	if o.Status == StatusSuccess {
		s.total -= p.AmountMinor
		s.statsCount[p.BeneficiaryID]++
		s.statsAmount[p.BeneficiaryID] += p.AmountMinor
		return nil
	}

	s.available += p.AmountMinor
	s.entries = append(s.entries, &ledger.Entry{
		ID:                 "refund-" + p.ID,
		MerchantID:         p.MerchantID,
		Type:               ledger.EntryRefund,
		PayoutID:           p.ID,
		AmountMinor:        p.AmountMinor,
		Currency:           p.Currency,
		BalanceBeforeMinor: s.available - p.AmountMinor,
		BalanceAfterMinor:  s.available,
		ReferenceNo:        p.OutTradeNo,
		CreatedAt:          o.At,
	})
	return nil
}

type fakeGateway struct {
	submitResult *silkpay.PayoutResult
	submitErr    error
	submitCalls  int

	queryResult *silkpay.PayoutResult
	queryErr    error
}

func (g *fakeGateway) SubmitPayout(ctx context.Context, req *silkpay.PayoutRequest) (*silkpay.PayoutResult, error) {
	g.submitCalls++
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	return g.submitResult, nil
}

func (g *fakeGateway) QueryPayout(ctx context.Context, outTradeNo string) (*silkpay.PayoutResult, error) {
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return g.queryResult, nil
}

type fakeBeneficiaries struct {
	target *beneficiary.Target
}

func (b *fakeBeneficiaries) PayoutTarget(ctx context.Context, merchantID, id string) (*beneficiary.Target, error) {
	if b.target == nil || b.target.BeneficiaryID != id {
		return nil, beneficiary.ErrNotFound
	}
	return b.target, nil
}

func (b *fakeBeneficiaries) CreateOneTime(ctx context.Context, merchantID string, in beneficiary.CreateInput) (*beneficiary.Beneficiary, error) {
	return nil, errors.New("not used in these tests")
}

func newTestService(store *fakeStore, gateway *fakeGateway) *Service {
	benefs := &fakeBeneficiaries{target: &beneficiary.Target{
		BeneficiaryID: "ben-1",
		Name:          "Asha Verma",
		AccountNumber: "123456789012",
		AccountMasked: "XXXXXXXX9012",
		IFSC:          "HDFC0001234",
	}}
	return NewService(store, gateway, benefs, store, nil, slog.Default())
}

func amountINR(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.ParseDecimal(s, money.INR)
	require.NoError(t, err)
	return m
}

func accepted() *silkpay.PayoutResult {
	return &silkpay.PayoutResult{
		Status:  silkpay.StatusProcessing,
		OrderNo: "SP-1",
		Raw:     json.RawMessage(`{"status":"200","data":{"payOrderId":"SP-1"}}`),
	}
}

func webhookEvent(outTradeNo string, status silkpay.Status) WebhookEvent {
	return WebhookEvent{
		OutTradeNo: outTradeNo,
		Status:     status,
		Raw:        json.RawMessage(`{"mOrderId":"` + outTradeNo + `","status":"notify"}`),
	}
}

func createPayout(t *testing.T, svc *Service) *Payout {
	t.Helper()
	p, err := svc.Create(context.Background(), "mer-1", "M1001", CreateInput{
		BeneficiaryID: "ben-1",
		Amount:        amountINR(t, "300.00"),
	})
	require.NoError(t, err)
	return p
}

func TestCreateReservesAndRecords(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})

	p := createPayout(t, svc)

	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, "SP-1", p.GatewayOrderNo)
	assert.Equal(t, ModeBank, p.Mode)
	assert.Empty(t, p.FinalizedBy)

	assert.Equal(t, int64(70000), store.available)
	assert.Equal(t, int64(30000), store.pending)
	assert.Equal(t, int64(100000), store.total)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, ledger.EntryPayout, entry.Type)
	assert.Equal(t, int64(100000), entry.BalanceBeforeMinor)
	assert.Equal(t, int64(70000), entry.BalanceAfterMinor)
	assert.Equal(t, p.ID, entry.PayoutID)
}

func TestCreateInsufficientBalance(t *testing.T) {
	store := newFakeStore(10000)
	gateway := &fakeGateway{submitResult: accepted()}
	svc := newTestService(store, gateway)

	_, err := svc.Create(context.Background(), "mer-1", "M1001", CreateInput{
		BeneficiaryID: "ben-1",
		Amount:        amountINR(t, "300.00"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Zero(t, gateway.submitCalls, "gateway must not be called without funds")
	assert.Empty(t, store.payouts)
}

func TestCreateFailClosedOnGatewayError(t *testing.T) {
	store := newFakeStore(100000)
	gateway := &fakeGateway{submitErr: &silkpay.GatewayError{Op: "payout", StatusCode: 502, Body: "bad gateway"}}
	svc := newTestService(store, gateway)

	_, err := svc.Create(context.Background(), "mer-1", "M1001", CreateInput{
		BeneficiaryID: "ben-1",
		Amount:        amountINR(t, "300.00"),
	})
	require.Error(t, err)

	var gwErr *silkpay.GatewayError
	assert.ErrorAs(t, err, &gwErr)
	assert.Equal(t, int64(100000), store.available, "no reservation without an accepted submission")
	assert.Zero(t, store.pending)
	assert.Empty(t, store.payouts)
	assert.Empty(t, store.entries)
}

func TestCreateGatewayRejection(t *testing.T) {
	store := newFakeStore(100000)
	gateway := &fakeGateway{submitResult: &silkpay.PayoutResult{
		Status:  silkpay.StatusFailed,
		Message: "beneficiary bank unavailable",
	}}
	svc := newTestService(store, gateway)

	p, err := svc.Create(context.Background(), "mer-1", "M1001", CreateInput{
		BeneficiaryID: "ben-1",
		Amount:        amountINR(t, "300.00"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "beneficiary bank unavailable", p.FailureReason)
	assert.NotNil(t, p.CompletedAt)

	assert.Equal(t, int64(100000), store.available)
	assert.Zero(t, store.pending)
	assert.Empty(t, store.entries, "a rejected submission moves no money")
}

func TestCreateSnapshotsDestination(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})

	p := createPayout(t, svc)

	// The record must render its destination without the beneficiary row.
	assert.Equal(t, "XXXXXXXX9012", p.BeneficiaryAccountMasked)
	assert.Equal(t, "HDFC0001234", p.BeneficiaryIFSC)

	stored := store.payouts[p.ID]
	assert.Equal(t, "XXXXXXXX9012", stored.BeneficiaryAccountMasked)
	assert.Equal(t, "HDFC0001234", stored.BeneficiaryIFSC)
}

func TestCreateSnapshotsUPIHandle(t *testing.T) {
	store := newFakeStore(100000)
	gateway := &fakeGateway{submitResult: accepted()}
	benefs := &fakeBeneficiaries{target: &beneficiary.Target{
		BeneficiaryID: "ben-1",
		Name:          "Asha Verma",
		UPI:           "asha@okhdfc",
	}}
	svc := NewService(store, gateway, benefs, store, nil, slog.Default())

	p, err := svc.Create(context.Background(), "mer-1", "M1001", CreateInput{
		BeneficiaryID: "ben-1",
		Amount:        amountINR(t, "300.00"),
	})
	require.NoError(t, err)

	assert.Equal(t, ModeUPI, p.Mode)
	assert.Equal(t, "asha@okhdfc", p.BeneficiaryAccountMasked)
	assert.Empty(t, p.BeneficiaryIFSC)
}

func TestCreateRetainsGatewayResponse(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})

	p := createPayout(t, svc)

	assert.JSONEq(t, `{"status":"200","data":{"payOrderId":"SP-1"}}`, string(p.GatewayResponse))
	assert.JSONEq(t, `{"status":"200","data":{"payOrderId":"SP-1"}}`, string(store.payouts[p.ID].GatewayResponse))
}

func TestRejectionRetainsGatewayResponse(t *testing.T) {
	store := newFakeStore(100000)
	gateway := &fakeGateway{submitResult: &silkpay.PayoutResult{
		Status:  silkpay.StatusFailed,
		Message: "beneficiary bank unavailable",
		Raw:     json.RawMessage(`{"status":"400","message":"beneficiary bank unavailable"}`),
	}}
	svc := newTestService(store, gateway)

	p, err := svc.Create(context.Background(), "mer-1", "M1001", CreateInput{
		BeneficiaryID: "ben-1",
		Amount:        amountINR(t, "300.00"),
	})
	require.NoError(t, err)

	// The rejection body is the dispute evidence for a FAILED payout.
	assert.JSONEq(t, `{"status":"400","message":"beneficiary bank unavailable"}`, string(store.payouts[p.ID].GatewayResponse))
}

func TestFinalizeReplacesGatewayResponse(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.ApplyWebhookEvent(context.Background(), webhookEvent(p.OutTradeNo, silkpay.StatusSuccess))
	require.NoError(t, err)

	want := `{"mOrderId":"` + p.OutTradeNo + `","status":"notify"}`
	assert.JSONEq(t, want, string(got.GatewayResponse))
	assert.JSONEq(t, want, string(store.payouts[p.ID].GatewayResponse))
}

func TestWebhookSuccess(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.ApplyWebhookEvent(context.Background(), webhookEvent(p.OutTradeNo, silkpay.StatusSuccess))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, FinalizedByWebhook, got.FinalizedBy)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.WebhookReceived)
	assert.Equal(t, 1, got.WebhookCount)

	assert.Equal(t, int64(70000), store.available)
	assert.Zero(t, store.pending)
	assert.Equal(t, int64(70000), store.total, "total drops by exactly the payout amount")

	assert.Equal(t, int64(1), store.statsCount["ben-1"])
	assert.Equal(t, int64(30000), store.statsAmount["ben-1"])
	assert.Len(t, store.entries, 1, "success writes no refund entry")
}

func TestWebhookFailureRefunds(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.ApplyWebhookEvent(context.Background(), WebhookEvent{
		OutTradeNo: p.OutTradeNo,
		Status:     silkpay.StatusFailed,
		Message:    "account closed",
		Raw:        json.RawMessage(`{"status":"3","message":"account closed"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "account closed", got.FailureReason)

	assert.Equal(t, int64(100000), store.available, "failure restores available")
	assert.Zero(t, store.pending)
	assert.Equal(t, int64(100000), store.total)

	require.Len(t, store.entries, 2)
	refund := store.entries[1]
	assert.Equal(t, ledger.EntryRefund, refund.Type)
	assert.Equal(t, int64(100000), refund.BalanceAfterMinor)
	assert.Zero(t, store.statsCount["ben-1"])
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	var got *Payout
	var err error
	for i := 0; i < 5; i++ {
		got, err = svc.ApplyWebhookEvent(context.Background(), webhookEvent(p.OutTradeNo, silkpay.StatusSuccess))
		require.NoError(t, err)
	}

	assert.Equal(t, 5, got.WebhookCount)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, FinalizedByWebhook, got.FinalizedBy)

	// Balance released exactly once.
	assert.Equal(t, int64(70000), store.available)
	assert.Zero(t, store.pending)
	assert.Equal(t, int64(70000), store.total)
	assert.Equal(t, int64(1), store.statsCount["ben-1"])
	assert.Len(t, store.entries, 1)
}

func TestWebhookAfterTerminalKeepsMetadataOnly(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	_, err := svc.ApplyWebhookEvent(context.Background(), webhookEvent(p.OutTradeNo, silkpay.StatusSuccess))
	require.NoError(t, err)

	// A contradictory late webhook must not flip the status or move money.
	got, err := svc.ApplyWebhookEvent(context.Background(), WebhookEvent{
		OutTradeNo: p.OutTradeNo,
		Status:     silkpay.StatusFailed,
		Message:    "late failure",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, 2, got.WebhookCount)
	assert.Equal(t, int64(70000), store.total)
	assert.Len(t, store.entries, 1)
}

func TestWebhookUnknownReference(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})

	_, err := svc.ApplyWebhookEvent(context.Background(), webhookEvent("no-such-order", silkpay.StatusSuccess))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookProcessingIsNoOp(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.ApplyWebhookEvent(context.Background(), webhookEvent(p.OutTradeNo, silkpay.StatusProcessing))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, got.Status)
	assert.Empty(t, got.FinalizedBy)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 1, got.WebhookCount)
	assert.Len(t, store.entries, 1)
}

func TestPollProcessingIsNoOp(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.ApplyPollResult(context.Background(), p, &silkpay.PayoutResult{Status: silkpay.StatusProcessing}, FinalizedByQuery)
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, got.Status)
	assert.Empty(t, got.FinalizedBy)
	assert.Len(t, store.entries, 1, "no transaction written for a non-transition")
	assert.Equal(t, int64(30000), store.pending)
}

func TestPollFinalizesWithQueryChannel(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.ApplyPollResult(context.Background(), p, &silkpay.PayoutResult{Status: silkpay.StatusSuccess}, FinalizedByQuery)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, FinalizedByQuery, got.FinalizedBy)
}

func TestPollLosesRaceToWebhook(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	// The webhook finalizes first; the poller then applies a stale view of
	// the same payout.
	_, err := svc.ApplyWebhookEvent(context.Background(), webhookEvent(p.OutTradeNo, silkpay.StatusSuccess))
	require.NoError(t, err)

	stale := *p
	got, err := svc.ApplyPollResult(context.Background(), &stale, &silkpay.PayoutResult{Status: silkpay.StatusFailed}, FinalizedByQuery)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, got.Status, "the webhook's result stands")
	assert.Equal(t, FinalizedByWebhook, got.FinalizedBy)
	assert.Equal(t, int64(70000), store.available, "no double release")
	assert.Zero(t, store.pending)
	assert.Equal(t, int64(70000), store.total)
}

func TestMarkReversedRefunds(t *testing.T) {
	store := newFakeStore(100000)
	svc := newTestService(store, &fakeGateway{submitResult: accepted()})
	p := createPayout(t, svc)

	got, err := svc.MarkReversed(context.Background(), "mer-1", p.ID, "gateway reversed settlement")
	require.NoError(t, err)

	assert.Equal(t, StatusReversed, got.Status)
	assert.Equal(t, FinalizedByManual, got.FinalizedBy)
	assert.Equal(t, "gateway reversed settlement", got.FailureReason)
	assert.Equal(t, int64(100000), store.available)

	_, err = svc.MarkReversed(context.Background(), "mer-1", p.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyFinal)
}

func TestGenerateOutTradeNo(t *testing.T) {
	ref := GenerateOutTradeNo("M1001")
	assert.Regexp(t, `^M1001_\d{13}_\d{4}$`, ref)
	assert.NotEqual(t, ref, GenerateOutTradeNo("M1001"))
}
