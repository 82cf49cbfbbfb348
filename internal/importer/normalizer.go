package importer

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/internal/types"
)

// ibkrTimeLayout matches the IBKR flex export Date/Time field once the
// semicolon separator is removed: 20240131;233000.
const ibkrTimeLayout = "20060102150405"

// exchangeTimezones maps listing exchanges to the zone their export
// timestamps are expressed in. A recognized exchange takes precedence over
// the import's declared timezone.
var exchangeTimezones = map[string]string{
	"ARCA":   "America/New_York",
	"NYSE":   "America/New_York",
	"NASDAQ": "America/New_York",
	"SMART":  "America/New_York",
	"CBOE":   "America/Chicago",
	"CME":    "America/Chicago",
}

var assetClasses = map[string]types.AssetType{
	"STK": types.AssetTypeStock,
	"OPT": types.AssetTypeOption,
	"FUT": types.AssetTypeFuture,
}

// Normalizer validates and canonicalizes raw execution rows into typed
// fills. Violations are reported per row as MalformedRecordError and never
// abort the batch.
type Normalizer struct {
	baseCurrency string
}

// NewNormalizer returns a normalizer that falls back to the account's base
// currency when a row carries none.
func NewNormalizer(baseCurrency string) *Normalizer {
	base := currency.Normalize(baseCurrency)
	if base == "" {
		base = "USD"
	}
	return &Normalizer{baseCurrency: base}
}

// Normalize turns one raw row into a validated fill. The declared timezone
// interprets the row's local timestamp unless the listing exchange pins a
// more specific one; the stored trade time is always UTC.
func (n *Normalizer) Normalize(row RawRow, timezone string) (types.Fill, error) {
	reject := func(field, reason string) (types.Fill, error) {
		return types.Fill{}, &types.MalformedRecordError{Row: row.Index, Field: field, Reason: reason}
	}

	symbol := row.get("Symbol")
	if symbol == "" {
		return reject("Symbol", "must not be empty")
	}

	assetType, ok := assetClasses[strings.ToUpper(row.get("AssetClass"))]
	if !ok {
		assetType = types.AssetTypeStock
	}

	side := types.FillSide(strings.ToUpper(row.get("Buy/Sell")))
	if side != types.SideBuy && side != types.SideSell {
		return reject("Buy/Sell", "must be BUY or SELL")
	}

	quantity, err := strconv.ParseFloat(row.get("Quantity"), 64)
	if err != nil {
		return reject("Quantity", "must be a number")
	}
	quantity = math.Abs(quantity)
	if quantity == 0 {
		return reject("Quantity", "must be greater than 0")
	}

	price, err := strconv.ParseFloat(row.get("Price"), 64)
	if err != nil {
		return reject("Price", "must be a number")
	}
	if price <= 0 {
		return reject("Price", "must be greater than 0")
	}

	commission, err := strconv.ParseFloat(row.get("Commission"), 64)
	if err != nil {
		return reject("Commission", "must be a number")
	}
	commission = math.Abs(commission)

	code := currency.Normalize(row.get("CurrencyPrimary"))
	if code == "" {
		code = n.baseCurrency
	}
	if !validCurrencyCode(code) {
		return reject("CurrencyPrimary", "must be a 3-letter currency code")
	}

	exchange := listingExchange(row.get("ListingExchange"))
	zone := exchangeTimezones[exchange]
	if zone == "" {
		zone = timezone
	}
	if zone == "" {
		zone = "UTC"
	}

	tradeTime, err := parseTradeTime(row.get("Date/Time"), zone)
	if err != nil {
		return reject("Date/Time", err.Error())
	}

	return types.Fill{
		AssetCode:        symbol,
		AssetType:        assetType,
		Side:             side,
		Quantity:         quantity,
		Price:            price,
		Commission:       commission,
		Currency:         code,
		OriginalCurrency: code,
		TradeTime:        tradeTime,
		OrderID:          row.get("OrderID"),
		Source:           row.get("TradeID"),
		RowIndex:         row.Index,
	}, nil
}

// listingExchange extracts the primary exchange from a field that may list
// several separated by commas or semicolons.
func listingExchange(field string) string {
	if i := strings.IndexAny(field, ",;"); i >= 0 {
		field = field[:i]
	}
	return strings.ToUpper(strings.TrimSpace(field))
}

func parseTradeTime(value, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, err
	}
	compact := strings.ReplaceAll(value, ";", "")
	local, err := time.ParseInLocation(ibkrTimeLayout, compact, loc)
	if err != nil {
		return time.Time{}, err
	}
	return local.UTC(), nil
}

func validCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
