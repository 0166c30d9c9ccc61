package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCompute(t *testing.T) {
	// 500 at 2% platform, no broker
	s, err := Compute(d("500"), 0.02, 0, 8)
	require.Nil(t, err)
	assert.True(t, s.Platform.Equal(d("10")), "platform:%s", s.Platform)
	assert.True(t, s.Broker.IsZero())
	assert.True(t, s.Net.Equal(d("490")), "net:%s", s.Net)

	// with broker
	s, err = Compute(d("1000"), 0.02, 0.01, 8)
	require.Nil(t, err)
	assert.True(t, s.Platform.Equal(d("20")))
	assert.True(t, s.Broker.Equal(d("10")))
	assert.True(t, s.Net.Equal(d("970")))
}

func TestComputeTruncates(t *testing.T) {
	// 0.00000001 * 2% would be 0.0000000002, truncated to zero at 8 places
	s, err := Compute(d("0.00000001"), 0.02, 0, 8)
	require.Nil(t, err)
	assert.True(t, s.Platform.IsZero())
	assert.True(t, s.Net.Equal(d("0.00000001")))

	// never rounds up
	s, err = Compute(d("333"), 0.0033, 0, 2)
	require.Nil(t, err)
	assert.True(t, s.Platform.Equal(d("1.09")), "platform:%s", s.Platform) // 1.0989 → 1.09
}

func TestComputeCapsPlatformFirst(t *testing.T) {
	// absurd rates: fees may not exceed principal, platform gives way first
	s, err := Compute(d("100"), 0.8, 0.5, 8)
	require.Nil(t, err)
	assert.True(t, s.Broker.Equal(d("50")))
	assert.True(t, s.Platform.Equal(d("50"))) // reduced from 80
	assert.True(t, s.Net.IsZero())
	assert.False(t, s.Platform.IsNegative())

	// broker alone over principal gets clamped, platform to zero
	s, err = Compute(d("100"), 0.5, 1.5, 8)
	require.Nil(t, err)
	assert.True(t, s.Broker.Equal(d("100")))
	assert.True(t, s.Platform.IsZero())
	assert.True(t, s.Net.IsZero())
}

func TestComputeConservation(t *testing.T) {
	cases := []struct {
		principal string
		platform  float64
		broker    float64
	}{
		{"500", 0.02, 0},
		{"0.12345678", 0.015, 0.005},
		{"999999.999999", 0.1, 0.033},
		{"1", 0, 0},
		{"0", 0.02, 0.01},
	}

	for _, c := range cases {
		s, err := Compute(d(c.principal), c.platform, c.broker, 8)
		require.Nil(t, err)
		sum := s.Platform.Add(s.Broker).Add(s.Net)
		assert.True(t, sum.Equal(d(c.principal)), "principal:%s sum:%s", c.principal, sum)
		assert.False(t, s.Platform.IsNegative())
		assert.False(t, s.Broker.IsNegative())
		assert.False(t, s.Net.IsNegative())
	}
}

func TestComputeZeroBrokerRate(t *testing.T) {
	for _, principal := range []string{"1", "12345.6789", "0.00000001"} {
		s, err := Compute(d(principal), 0.02, 0, 8)
		require.Nil(t, err)
		assert.True(t, s.Broker.IsZero())
	}
}

func TestComputeBadInput(t *testing.T) {
	_, err := Compute(d("-1"), 0.02, 0, 8)
	assert.Equal(t, ErrBadInput, err)

	_, err = Compute(d("1"), -0.02, 0, 8)
	assert.Equal(t, ErrBadInput, err)

	_, err = Compute(d("1"), 0.02, -1, 8)
	assert.Equal(t, ErrBadInput, err)
}
