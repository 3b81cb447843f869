package silkpay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitof-developer/Silkpay/internal/common/money"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{
		BaseURL:    server.URL,
		MerchantID: "M1001",
		SecretKey:  "test-secret",
		NotifyURL:  "https://example.com/webhooks/silkpay",
	}, slog.Default())
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		code string
		want Status
	}{
		{"1", StatusSuccess},
		{"2", StatusSuccess},
		{"200", StatusSuccess},
		{"0", StatusProcessing},
		{"PROCESSING", StatusProcessing},
		{"3", StatusFailed},
		{"FAILED", StatusFailed},
		{"", StatusFailed},
		{"banana", StatusFailed},
		{"SUCCESS", StatusFailed}, // not part of the gateway vocabulary
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeStatus(tt.code), "code %q", tt.code)
	}
}

func TestSubmitPayoutAccepted(t *testing.T) {
	var got map[string]string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/payout", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"status":"200","message":"accepted","data":{"payOrderId":"SP-77"}}`)
	}))

	amount, _ := money.ParseDecimal("300.00", money.INR)
	result, err := c.SubmitPayout(context.Background(), &PayoutRequest{
		OutTradeNo:      "M1001_1700000000000_0042",
		Amount:          amount,
		BeneficiaryName: "Asha Verma",
		AccountNumber:   "123456789012",
		IFSC:            "HDFC0001234",
	})
	require.NoError(t, err)

	// Acceptance means processing, never immediate success.
	assert.Equal(t, StatusProcessing, result.Status)
	assert.Equal(t, "SP-77", result.OrderNo)

	assert.Equal(t, "300.00", got["amount"])
	assert.Equal(t, "M1001", got["mId"])
	assert.Equal(t, "https://example.com/webhooks/silkpay", got["notifyUrl"])
	expectedSign := digest("M1001", "M1001_1700000000000_0042", "300.00", got["timestamp"], "test-secret")
	assert.Equal(t, expectedSign, got["sign"])
}

func TestSubmitPayoutRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"400","message":"insufficient merchant balance"}`)
	}))

	amount, _ := money.ParseDecimal("300.00", money.INR)
	result, err := c.SubmitPayout(context.Background(), &PayoutRequest{OutTradeNo: "ord-1", Amount: amount})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "insufficient merchant balance", result.Message)
}

func TestSubmitPayoutHTTPError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))

	amount, _ := money.ParseDecimal("10.00", money.INR)
	_, err := c.SubmitPayout(context.Background(), &PayoutRequest{OutTradeNo: "ord-1", Amount: amount})
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
	assert.Contains(t, gwErr.Body, "upstream broke")
}

func TestSubmitPayoutGarbageBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))

	amount, _ := money.ParseDecimal("10.00", money.INR)
	_, err := c.SubmitPayout(context.Background(), &PayoutRequest{OutTradeNo: "ord-1", Amount: amount})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
}

func TestQueryPayoutTerminal(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/payout/query", r.URL.Path)
		fmt.Fprint(w, `{"status":"200","data":{"status":1,"payOrderId":"SP-9"}}`)
	}))

	result, err := c.QueryPayout(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "SP-9", result.OrderNo)
}

func TestQueryPayoutCrossChecksList(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transaction/payout/query":
			fmt.Fprint(w, `{"status":"200","data":{"status":"0"}}`)
		case "/transaction/payout/list":
			fmt.Fprint(w, `{"status":"200","data":{"items":[{"mOrderId":"ord-9","status":"1"}]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// The query endpoint lags; the listing already shows success.
	result, err := c.QueryPayout(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestQueryPayoutListAgreesProcessing(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transaction/payout/query":
			fmt.Fprint(w, `{"status":"200","data":{"status":"0"}}`)
		case "/transaction/payout/list":
			fmt.Fprint(w, `{"status":"200","data":{"items":[{"mOrderId":"ord-9","status":"0"}]}}`)
		}
	}))

	result, err := c.QueryPayout(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, result.Status)
}

func TestQueryPayoutListFailureIsBestEffort(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transaction/payout/query":
			fmt.Fprint(w, `{"status":"200","data":{"status":"0"}}`)
		case "/transaction/payout/list":
			http.Error(w, "list broken", http.StatusInternalServerError)
		}
	}))

	result, err := c.QueryPayout(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, result.Status)
}

func TestQueryBalance(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/balance", r.URL.Path)
		fmt.Fprint(w, `{"status":"200","data":{"availableAmount":"1500.50","pendingAmount":250}}`)
	}))

	result, err := c.QueryBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(150050), result.Available.AmountMinor)
	assert.Equal(t, int64(25000), result.Pending.AmountMinor)
}

func TestVerifyWebhookSignature(t *testing.T) {
	c := testClient(t, http.NewServeMux())

	payload := &WebhookPayload{
		MID:       "M1001",
		MOrderID:  "ord-1",
		Amount:    "300.00",
		Timestamp: "1700000000000",
		Status:    "1",
	}
	payload.Sign = digest("M1001", "ord-1", "300.00", "1700000000000", "test-secret")

	assert.True(t, c.VerifyWebhookSignature(payload))

	// Uppercase hex from the gateway is accepted.
	upper := *payload
	upper.Sign = strToUpper(payload.Sign)
	assert.True(t, c.VerifyWebhookSignature(&upper))

	tampered := *payload
	tampered.Amount = "9999.00"
	assert.False(t, c.VerifyWebhookSignature(&tampered))

	unsigned := *payload
	unsigned.Sign = ""
	assert.False(t, c.VerifyWebhookSignature(&unsigned))

	assert.False(t, c.VerifyWebhookSignature(nil))
}

func strToUpper(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'a' && ch <= 'f' {
			b[i] = ch - 'a' + 'A'
		}
	}
	return string(b)
}

func TestWebhookPayloadDecodesNumericFields(t *testing.T) {
	var p WebhookPayload
	raw := `{"mId":"M1001","mOrderId":"ord-1","amount":300.5,"timestamp":1700000000000,"status":2,"sign":"abc"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Equal(t, "300.5", string(p.Amount))
	assert.Equal(t, "1700000000000", string(p.Timestamp))
	assert.Equal(t, "2", p.StatusCode())
}
