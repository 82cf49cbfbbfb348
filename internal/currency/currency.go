package currency

import (
	"strings"
	"time"
)

// RateSource is the external collaborator supplying conversion factors.
// Rate returns how many units of the given currency equal one US dollar at
// the given instant, or a types.RateUnavailableError when no rate exists.
type RateSource interface {
	Rate(currency string, at time.Time) (float64, error)
}

// Normalize canonicalizes a currency code. Codes are upper-cased and known
// aliases are folded (brokers report RMB for CNY).
func Normalize(code string) string {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if upper == "RMB" {
		return "CNY"
	}
	return upper
}

// Converter converts money amounts between currencies at a point in time.
// It is stateless: all rates come from the injected source and nothing is
// cached or stored.
type Converter struct {
	source RateSource
}

func NewConverter(source RateSource) *Converter {
	return &Converter{source: source}
}

// Convert converts amount from one currency to another at the given instant.
// Same-currency conversions return the amount untouched so identity
// conversions never introduce rounding.
func (c *Converter) Convert(amount float64, from, to string, at time.Time) (float64, error) {
	fromCode := Normalize(from)
	toCode := Normalize(to)
	if fromCode == toCode {
		return amount, nil
	}

	fromRate, err := c.source.Rate(fromCode, at)
	if err != nil {
		return 0, err
	}
	toRate, err := c.source.Rate(toCode, at)
	if err != nil {
		return 0, err
	}

	// Pivot through USD: rates express units per US dollar.
	return amount / fromRate * toRate, nil
}
