package fiscal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodBoundsAreHalfOpen(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	start, end := Period{Month: 12, Year: 2024}.Bounds(loc)
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, loc), end)
}

func TestPeriodValidate(t *testing.T) {
	_, err := NewPeriod(13, 2025)
	require.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = NewPeriod(0, 2025)
	require.ErrorIs(t, err, ErrInvalidPeriod)

	p, err := NewPeriod(6, 2025)
	require.NoError(t, err)
	assert.Equal(t, int32(202506), p.Key())
	assert.Equal(t, "2025-06", p.String())
	assert.Equal(t, Period{Month: 5, Year: 2025}, p.Previous())
	assert.Equal(t, Period{Month: 12, Year: 2024}, Period{Month: 1, Year: 2025}.Previous())
}

func TestDateOfUsesFiscalZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	// 01:30 UTC on the 1st is still the previous day in Sao Paulo.
	instant := time.Date(2025, 7, 1, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), DateOf(instant, loc))
	assert.Equal(t, Period{Month: 6, Year: 2025}, PeriodOf(instant, loc))
}

func TestParseCalcMethods(t *testing.T) {
	methods := ParseCalcMethods(" mva, ,SUBSTITUICAO_TRIBUTARIA")
	assert.Equal(t, []CalcMethod{MethodMVA, MethodSubstituicaoTributaria}, methods)
	assert.True(t, MethodReducaoBase.Valid())
	assert.False(t, CalcMethod("icms_st").Valid())
}

func TestRoundMoney(t *testing.T) {
	assert.Equal(t, "10.13", RoundMoney(decimal.RequireFromString("10.125")).StringFixed(2))
	assert.Equal(t, "-10.13", RoundMoney(decimal.RequireFromString("-10.125")).StringFixed(2))
}
