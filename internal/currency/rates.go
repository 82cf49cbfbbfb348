package currency

import (
	"time"

	"github.com/ksred/journal-api/internal/types"
)

// StaticRateSource serves a fixed units-per-USD table. It stands in for a
// market data feed during development and in tests; the converter does not
// care where rates come from.
type StaticRateSource struct {
	rates map[string]float64
}

// NewStaticRateSource returns a source covering the account currencies the
// journal supports out of the box.
func NewStaticRateSource() *StaticRateSource {
	return &StaticRateSource{
		rates: map[string]float64{
			"USD": 1,
			"HKD": 7.80,
			"EUR": 0.92,
			"JPY": 145.00,
			"CNY": 7.10,
		},
	}
}

func (s *StaticRateSource) Rate(currency string, at time.Time) (float64, error) {
	rate, ok := s.rates[Normalize(currency)]
	if !ok {
		return 0, &types.RateUnavailableError{Currency: Normalize(currency), At: at}
	}
	return rate, nil
}
