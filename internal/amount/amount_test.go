package amount

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"1.5", "1.5", nil},
		{" 0.011896577 ", "0.011896577", nil},
		{"0", "0", nil},
		{"", "", ErrInvalid},
		{"abc", "", ErrInvalid},
		{"-1", "", ErrNegative},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestToUnits_Truncates(t *testing.T) {
	d := decimal.RequireFromString("0.011777611234")
	assert.Equal(t, "1177761", ToUnits(d, 8).String())

	eth := decimal.RequireFromString("1.000000000000000001")
	assert.Equal(t, "1000000000000000001", ToUnits(eth, 18).String())
}

func TestFromUnits(t *testing.T) {
	assert.Equal(t, "0.01177761", FromUnits(big.NewInt(1177761), 8).String())
	assert.True(t, FromUnits(nil, 8).IsZero())
}

func TestWithinUnit(t *testing.T) {
	a := decimal.RequireFromString("0.01189657")
	b := decimal.RequireFromString("0.011896577")
	assert.True(t, WithinUnit(a, b, 8))
	assert.False(t, WithinUnit(a, decimal.RequireFromString("0.01189659"), 8))
}

func TestBasisPoints(t *testing.T) {
	d := decimal.RequireFromString("2.5")
	assert.Equal(t, "0.025", BasisPoints(d, 100).String())
	assert.True(t, BasisPoints(d, 0).IsZero())
}
