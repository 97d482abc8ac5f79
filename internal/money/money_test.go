package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundUp_RoundsAwayFromZero(t *testing.T) {
	micros, err := ParseRoundUp("$0.0001")
	require.NoError(t, err)
	assert.Equal(t, int64(100), micros)
}

func TestParseRoundUp_ExactValueUnaffected(t *testing.T) {
	micros, err := ParseRoundUp("$0.01")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), micros)
}

func TestParseRoundDown_TruncatesTowardZero(t *testing.T) {
	micros, err := ParseRoundDown("$0.0199999")
	require.NoError(t, err)
	assert.Equal(t, int64(19_999), micros)
}

func TestParseRoundUp_RejectsNegative(t *testing.T) {
	_, err := ParseRoundUp("-$0.01")
	assert.Error(t, err)
}

func TestParseRoundUp_RejectsEmpty(t *testing.T) {
	_, err := ParseRoundUp("")
	assert.Error(t, err)
}

func TestParseRoundUp_TolerantOfDollarSignAndWhitespace(t *testing.T) {
	micros, err := ParseRoundUp("  $1.5  ")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), micros)
}

func TestDisplay_RoundCentsGetTwoDecimals(t *testing.T) {
	assert.Equal(t, "$0.01", Display(10_000))
}

func TestDisplay_SubCentGranularityGetsThreeDecimals(t *testing.T) {
	assert.Equal(t, "$0.001", Display(1_000))
	assert.Equal(t, "$0.015", Display(15_000))
}

func TestRoundUpToMilli(t *testing.T) {
	assert.Equal(t, int64(1000), RoundUpToMilli(1))
	assert.Equal(t, int64(2000), RoundUpToMilli(1001))
	assert.Equal(t, int64(3000), RoundUpToMilli(3000))
}
