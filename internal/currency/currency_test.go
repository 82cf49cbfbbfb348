package currency

import (
	"testing"
	"time"

	"github.com/ksred/journal-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "USD", Normalize("usd"))
	assert.Equal(t, "HKD", Normalize(" hkd "))
	assert.Equal(t, "CNY", Normalize("RMB"))
	assert.Equal(t, "CNY", Normalize("rmb"))
	assert.Equal(t, "", Normalize(""))
}

func TestConvertIdentity(t *testing.T) {
	converter := NewConverter(NewStaticRateSource())

	got, err := converter.Convert(123.45, "USD", "usd", at)
	require.NoError(t, err)
	assert.Equal(t, 123.45, got)

	// Identity holds even for currencies the source does not know.
	got, err = converter.Convert(50, "GBP", "GBP", at)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got)
}

func TestConvertPivotsThroughUSD(t *testing.T) {
	converter := NewConverter(NewStaticRateSource())

	got, err := converter.Convert(100, "USD", "HKD", at)
	require.NoError(t, err)
	assert.InDelta(t, 780.0, got, 1e-9)

	got, err = converter.Convert(780, "HKD", "USD", at)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got, 1e-9)

	got, err = converter.Convert(100, "HKD", "EUR", at)
	require.NoError(t, err)
	assert.InDelta(t, 100/7.80*0.92, got, 1e-9)
}

func TestConvertFoldsAliases(t *testing.T) {
	converter := NewConverter(NewStaticRateSource())

	got, err := converter.Convert(71, "RMB", "USD", at)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got, 1e-9)
}

func TestConvertUnknownCurrency(t *testing.T) {
	converter := NewConverter(NewStaticRateSource())

	_, err := converter.Convert(10, "GBP", "USD", at)
	var rateErr *types.RateUnavailableError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "GBP", rateErr.Currency)
	assert.Equal(t, at, rateErr.At)
}
