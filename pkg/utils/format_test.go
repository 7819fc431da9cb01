package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{5, "$5.00"},
		{999.994, "$999.99"},
		{1000, "$1,000.00"},
		{1234567.891, "$1,234,567.89"},
		{-42.5, "-$42.50"},
		{-1000000, "-$1,000,000.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUSD(tt.in), "FormatUSD(%v)", tt.in)
	}
}

func TestProperty_FormatUSDRoundTrips(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	grouping := regexp.MustCompile(`^-?\$\d{1,3}(,\d{3})*\.\d{2}$`)

	properties.Property("grouped by thousands and parses back to the rounded value", prop.ForAll(
		func(amount float64) bool {
			s := FormatUSD(amount)
			if !grouping.MatchString(s) {
				t.Logf("bad grouping %q for %f", s, amount)
				return false
			}
			plain := strings.NewReplacer("$", "", ",", "").Replace(s)
			back, err := strconv.ParseFloat(plain, 64)
			if err != nil {
				return false
			}
			return math.Abs(back-amount) <= 0.005+1e-9*math.Abs(amount)
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestFormatPnLAndPercent(t *testing.T) {
	assert.Equal(t, "+$12.00", FormatPnL(12))
	assert.Equal(t, "-$3.10", FormatPnL(-3.1))
	assert.Equal(t, "$0.00", FormatPnL(0))
	assert.Equal(t, "+1.50%", FormatPercent(1.5))
	assert.Equal(t, "-0.25%", FormatPercent(-0.25))
}
