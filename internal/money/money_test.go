package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
		wantErr  error
	}{
		{name: "two decimals", amount: "100.50", currency: "USD", want: 10050},
		{name: "integer", amount: "7", currency: "EUR", want: 700},
		{name: "zero exponent", amount: "1500", currency: "JPY", want: 1500},
		{name: "three decimals", amount: "1.234", currency: "KWD", want: 1234},
		{name: "negative", amount: "-0.01", currency: "USD", want: -1},
		{name: "trailing zeros beyond exponent", amount: "1.2300", currency: "USD", want: 123},
		{name: "sub minor precision", amount: "0.005", currency: "USD", wantErr: ErrPrecision},
		{name: "yen fraction", amount: "10.5", currency: "JPY", wantErr: ErrPrecision},
		{name: "garbage", amount: "ten", currency: "USD", wantErr: ErrInvalidAmount},
		{name: "overflow", amount: "999999999999999999999", currency: "USD", wantErr: ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMinor(tt.amount, tt.currency)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromMinor(t *testing.T) {
	assert.Equal(t, "100.50", FromMinor(10050, "USD"))
	assert.Equal(t, "-0.01", FromMinor(-1, "USD"))
	assert.Equal(t, "1500", FromMinor(1500, "JPY"))
	assert.Equal(t, "1.234", FromMinor(1234, "KWD"))
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", code)

	_, err = NormalizeCurrency("US")
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = NormalizeCurrency("U5D")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestAddOverflow(t *testing.T) {
	sum, err := Add(40, -100)
	require.NoError(t, err)
	assert.Equal(t, int64(-60), sum)

	_, err = Add(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Add(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Abs(math.MinInt64)
	assert.ErrorIs(t, err, ErrOverflow)
}
