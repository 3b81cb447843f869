package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"whole and fraction", "1500.50", 150050, false},
		{"whole only", "1500", 150000, false},
		{"single decimal place", "10.5", 1050, false},
		{"small amount", "0.01", 1, false},
		{"zero", "0", 0, false},
		{"too many decimal places", "10.999", 0, true},
		{"way too many decimal places", "10.00001", 0, true},
		{"negative", "-25.00", -2500, false},
		{"leading whitespace", " 100.00", 10000, false},
		{"empty", "", 0, true},
		{"not a number", "abc", 0, true},
		{"double dot", "1.2.3", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseDecimal(tt.input, INR)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.AmountMinor)
			assert.Equal(t, INR, m.Currency)
		})
	}
}

func TestDecimalString(t *testing.T) {
	assert.Equal(t, "1500.50", New(150050, INR).DecimalString())
	assert.Equal(t, "0.05", New(5, INR).DecimalString())
	assert.Equal(t, "0.00", Zero(INR).DecimalString())
	assert.Equal(t, "-25.00", New(-2500, INR).DecimalString())
	assert.Equal(t, "3.07", New(307, INR).DecimalString())
}

func TestParseDecimalRoundTrip(t *testing.T) {
	for _, s := range []string{"0.01", "1.00", "99.99", "123456.78"} {
		m, err := ParseDecimal(s, INR)
		require.NoError(t, err)
		assert.Equal(t, s, m.DecimalString())
	}
}

func TestArithmetic(t *testing.T) {
	a := New(1000, INR)
	b := New(250, INR)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), sum.AmountMinor)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(750), diff.AmountMinor)

	_, err = a.Add(New(100, USD))
	assert.Error(t, err, "mixed currencies must not add")

	assert.True(t, a.GreaterThan(b))
	assert.True(t, b.LessThan(a))
	assert.True(t, a.IsPositive())
	assert.False(t, Zero(INR).IsPositive())
}

func TestJSONRoundTrip(t *testing.T) {
	m := New(150050, INR)
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Money
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, m.Equal(got))
}
