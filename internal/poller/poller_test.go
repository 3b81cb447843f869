package poller

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/payout"
)

type fakeStore struct {
	payouts []*payout.Payout
	err     error
}

func (s *fakeStore) ListUnsettled(ctx context.Context, window time.Duration, limit int) ([]*payout.Payout, error) {
	return s.payouts, s.err
}

type fakeGateway struct {
	results map[string]*silkpay.PayoutResult
	errs    map[string]error
	calls   []string
}

func (g *fakeGateway) QueryPayout(ctx context.Context, outTradeNo string) (*silkpay.PayoutResult, error) {
	g.calls = append(g.calls, outTradeNo)
	if err := g.errs[outTradeNo]; err != nil {
		return nil, err
	}
	return g.results[outTradeNo], nil
}

type fakeApplier struct {
	applied map[string]silkpay.Status
	errs    map[string]error
}

func (a *fakeApplier) ApplyPollResult(ctx context.Context, p *payout.Payout, result *silkpay.PayoutResult, by payout.FinalizedBy) (*payout.Payout, error) {
	if err := a.errs[p.OutTradeNo]; err != nil {
		return nil, err
	}
	if a.applied == nil {
		a.applied = map[string]silkpay.Status{}
	}
	a.applied[p.OutTradeNo] = result.Status

	cp := *p
	switch result.Status {
	case silkpay.StatusSuccess:
		cp.Status = payout.StatusSuccess
	case silkpay.StatusFailed:
		cp.Status = payout.StatusFailed
	}
	return &cp, nil
}

func unsettled(refs ...string) []*payout.Payout {
	var out []*payout.Payout
	for _, ref := range refs {
		out = append(out, &payout.Payout{
			ID:         "id-" + ref,
			OutTradeNo: ref,
			Status:     payout.StatusProcessing,
		})
	}
	return out
}

func testPoller(store Store, gateway Gateway, applier Applier) *Poller {
	return New(Config{
		Interval:  time.Minute,
		Window:    7 * 24 * time.Hour,
		BatchSize: 100,
		CallDelay: time.Millisecond,
	}, store, gateway, applier, slog.Default())
}

func TestCycleAppliesResults(t *testing.T) {
	store := &fakeStore{payouts: unsettled("ord-1", "ord-2")}
	gateway := &fakeGateway{results: map[string]*silkpay.PayoutResult{
		"ord-1": {Status: silkpay.StatusSuccess},
		"ord-2": {Status: silkpay.StatusProcessing},
	}}
	applier := &fakeApplier{}

	testPoller(store, gateway, applier).cycle(context.Background())

	assert.Equal(t, []string{"ord-1", "ord-2"}, gateway.calls)
	assert.Equal(t, silkpay.StatusSuccess, applier.applied["ord-1"])
	assert.Equal(t, silkpay.StatusProcessing, applier.applied["ord-2"])
}

func TestCycleSkipsFailedQueries(t *testing.T) {
	store := &fakeStore{payouts: unsettled("ord-1", "ord-2", "ord-3")}
	gateway := &fakeGateway{
		results: map[string]*silkpay.PayoutResult{
			"ord-1": {Status: silkpay.StatusSuccess},
			"ord-3": {Status: silkpay.StatusFailed},
		},
		errs: map[string]error{
			"ord-2": &silkpay.GatewayError{Op: "query", StatusCode: 503, Body: "down"},
		},
	}
	applier := &fakeApplier{}

	testPoller(store, gateway, applier).cycle(context.Background())

	// One failed query must not stop the rest of the batch.
	assert.Len(t, gateway.calls, 3)
	assert.Contains(t, applier.applied, "ord-1")
	assert.NotContains(t, applier.applied, "ord-2")
	assert.Contains(t, applier.applied, "ord-3")
}

func TestCycleSkipsFailedApplies(t *testing.T) {
	store := &fakeStore{payouts: unsettled("ord-1", "ord-2")}
	gateway := &fakeGateway{results: map[string]*silkpay.PayoutResult{
		"ord-1": {Status: silkpay.StatusSuccess},
		"ord-2": {Status: silkpay.StatusSuccess},
	}}
	applier := &fakeApplier{errs: map[string]error{"ord-1": errors.New("db busy")}}

	testPoller(store, gateway, applier).cycle(context.Background())

	assert.NotContains(t, applier.applied, "ord-1")
	assert.Contains(t, applier.applied, "ord-2")
}

func TestCycleStoreFailureAborts(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	gateway := &fakeGateway{}
	applier := &fakeApplier{}

	testPoller(store, gateway, applier).cycle(context.Background())

	assert.Empty(t, gateway.calls)
}

func TestCycleHonorsCancellation(t *testing.T) {
	store := &fakeStore{payouts: unsettled("ord-1", "ord-2", "ord-3")}
	gateway := &fakeGateway{results: map[string]*silkpay.PayoutResult{
		"ord-1": {Status: silkpay.StatusProcessing},
	}}
	applier := &fakeApplier{}

	ctx, cancel := context.WithCancel(context.Background())
	p := testPoller(store, gateway, applier)

	// Cancel before the first inter-call delay elapses; at most the first
	// payout is queried.
	cancel()
	p.cycle(ctx)
	assert.LessOrEqual(t, len(gateway.calls), 1)
}

func TestRunGuardsOverlap(t *testing.T) {
	store := &fakeStore{}
	p := testPoller(store, &fakeGateway{}, &fakeApplier{})

	require.True(t, p.running.CompareAndSwap(false, true), "acquire the guard")
	assert.False(t, p.running.CompareAndSwap(false, true), "second acquisition must fail while held")
	p.running.Store(false)
	assert.True(t, p.running.CompareAndSwap(false, true))
}
