package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/internal/types"
	"github.com/ksred/journal-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service computes derived views over parent trades. It only ever reads:
// trades are handed to it by the persistence layer and never mutated.
type Service struct {
	db        *Database
	converter *currency.Converter
}

func NewService(gormDB *gorm.DB, converter *currency.Converter) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		converter: converter,
	}
}

func displayCurrency(filter types.Filter) string {
	code := currency.Normalize(filter.Currency)
	if code == "" {
		code = "USD"
	}
	return code
}

// convertedPnL converts a closed trade's realized result into the target
// currency at the trade's close instant.
func (s *Service) convertedPnL(trade *types.ParentTrade, target string) (float64, error) {
	return s.converter.Convert(*trade.ProfitLoss, trade.Currency, target, *trade.CloseTime)
}

// Overview computes the headline statistics for the closed trades matching
// the filter.
func (s *Service) Overview(filter types.Filter) (*OverviewStats, error) {
	target := displayCurrency(filter)
	trades, err := s.db.ClosedTrades(filter)
	if err != nil {
		return nil, err
	}

	stats := &OverviewStats{Currency: target}
	if len(trades) == 0 {
		return stats, nil
	}

	var total, winSum, lossSum float64
	var wins, losses int
	for i := range trades {
		pnl, err := s.convertedPnL(&trades[i], target)
		if err != nil {
			return nil, err
		}
		total += pnl
		switch {
		case pnl > 0:
			wins++
			winSum += pnl
		case pnl < 0:
			losses++
			lossSum += -pnl
		}
	}

	stats.TotalTrades = len(trades)
	stats.WinRate = float64(wins) / float64(len(trades))
	stats.TotalProfitLoss = total
	stats.AverageProfitLoss = total / float64(len(trades))

	// Both quotients stay nil without losing trades; a zero in the
	// denominator is undefined, not infinity.
	if losses > 0 {
		avgLoss := lossSum / float64(losses)
		var avgWin float64
		if wins > 0 {
			avgWin = winSum / float64(wins)
		}
		ratio := avgWin / avgLoss
		factor := winSum / lossSum
		stats.ProfitLossRatio = &ratio
		stats.ProfitFactor = &factor
	}
	return stats, nil
}

// ByAsset computes the same win-rate and PnL metrics grouped by asset.
func (s *Service) ByAsset(filter types.Filter) ([]AssetBreakdown, error) {
	target := displayCurrency(filter)
	trades, err := s.db.ClosedTrades(filter)
	if err != nil {
		return nil, err
	}

	// The same code can trade as different instrument kinds; each pair is
	// its own line.
	type assetKey struct {
		code      string
		assetType types.AssetType
	}
	type bucket struct {
		count int
		wins  int
		pnl   float64
	}
	buckets := make(map[assetKey]*bucket)
	for i := range trades {
		trade := &trades[i]
		key := assetKey{code: trade.AssetCode, assetType: trade.AssetType}
		entry, ok := buckets[key]
		if !ok {
			entry = &bucket{}
			buckets[key] = entry
		}
		pnl, err := s.convertedPnL(trade, target)
		if err != nil {
			return nil, err
		}
		entry.count++
		if pnl > 0 {
			entry.wins++
		}
		entry.pnl += pnl
	}

	breakdown := make([]AssetBreakdown, 0, len(buckets))
	for key, entry := range buckets {
		breakdown = append(breakdown, AssetBreakdown{
			AssetCode:       key.code,
			AssetType:       string(key.assetType),
			TradeCount:      entry.count,
			WinRate:         float64(entry.wins) / float64(entry.count),
			TotalProfitLoss: entry.pnl,
		})
	}
	sort.Slice(breakdown, func(i, j int) bool {
		if breakdown[i].TradeCount != breakdown[j].TradeCount {
			return breakdown[i].TradeCount > breakdown[j].TradeCount
		}
		if breakdown[i].AssetCode != breakdown[j].AssetCode {
			return breakdown[i].AssetCode < breakdown[j].AssetCode
		}
		return breakdown[i].AssetType < breakdown[j].AssetType
	})
	return breakdown, nil
}

// Calendar groups closed trades into day or month buckets in the requested
// timezone. The bucket is derived from the trade event's instant converted
// into that zone, never from a naive date string, so a trade late in a UTC
// day lands on the following local day east of Greenwich.
func (s *Service) Calendar(filter types.Filter, granularity Granularity, basis Basis) ([]CalendarBucket, error) {
	target := displayCurrency(filter)
	zone := filter.Timezone
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", zone, err)
	}

	layout := "2006-01-02"
	if granularity == GranularityMonth {
		layout = "2006-01"
	}

	trades, err := s.db.ClosedTrades(filter)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		count int
		wins  int
		pnl   float64
	}
	buckets := make(map[string]*bucket)
	for i := range trades {
		trade := &trades[i]
		instant := *trade.CloseTime
		if basis == BasisOpen {
			instant = trade.OpenTime
		}
		key := instant.In(loc).Format(layout)
		entry, ok := buckets[key]
		if !ok {
			entry = &bucket{}
			buckets[key] = entry
		}
		pnl, err := s.convertedPnL(trade, target)
		if err != nil {
			return nil, err
		}
		entry.count++
		if pnl > 0 {
			entry.wins++
		}
		entry.pnl += pnl
	}

	days := make([]string, 0, len(buckets))
	for key := range buckets {
		days = append(days, key)
	}
	sort.Strings(days)

	out := make([]CalendarBucket, 0, len(days))
	for _, day := range days {
		entry := buckets[day]
		out = append(out, CalendarBucket{
			Date:            day,
			TradeCount:      entry.count,
			WinRate:         float64(entry.wins) / float64(entry.count),
			TotalProfitLoss: entry.pnl,
		})
	}
	return out, nil
}

// ListTrades returns matching trades with their money fields converted into
// the display currency. The stored trades are untouched; conversion happens
// on copies.
func (s *Service) ListTrades(filter types.Filter) ([]types.ParentTrade, error) {
	target := displayCurrency(filter)
	trades, err := s.db.Trades(filter)
	if err != nil {
		return nil, err
	}

	for i := range trades {
		if err := s.convertTradeView(&trades[i], target); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

func (s *Service) convertTradeView(trade *types.ParentTrade, target string) error {
	instant := trade.OpenTime
	if trade.CloseTime != nil {
		instant = *trade.CloseTime
	}

	convert := func(value float64) (float64, error) {
		return s.converter.Convert(value, trade.Currency, target, instant)
	}

	openPrice, err := convert(trade.OpenPrice)
	if err != nil {
		return err
	}
	commission, err := convert(trade.TotalCommission)
	if err != nil {
		return err
	}
	trade.OpenPrice = openPrice
	trade.TotalCommission = commission
	if trade.ClosePrice != nil {
		converted, err := convert(*trade.ClosePrice)
		if err != nil {
			return err
		}
		trade.ClosePrice = &converted
	}
	if trade.ProfitLoss != nil {
		converted, err := convert(*trade.ProfitLoss)
		if err != nil {
			return err
		}
		trade.ProfitLoss = &converted
	}

	for i := range trade.Fills {
		fill := &trade.Fills[i]
		price, err := s.converter.Convert(fill.Price, fill.Currency, target, fill.TradeTime)
		if err != nil {
			return err
		}
		fillCommission, err := s.converter.Convert(fill.Commission, fill.Currency, target, fill.TradeTime)
		if err != nil {
			return err
		}
		fill.Price = price
		fill.Commission = fillCommission
		fill.Currency = target
	}
	trade.Currency = target
	return nil
}

// ExportFills renders matching fills as a plain-text document, one
// pipe-delimited line per fill in execution order:
// trade_time|asset_code|asset_type|side|quantity|price|commission|currency|order_id
func (s *Service) ExportFills(filter types.Filter) (string, error) {
	fills, err := s.db.Fills(filter)
	if err != nil {
		return "", err
	}
	if len(fills) == 0 {
		return "", gorm.ErrRecordNotFound
	}

	var b strings.Builder
	for i := range fills {
		fill := &fills[i]
		fmt.Fprintf(&b, "%s|%s|%s|%s|%g|%g|%g|%s|%s\n",
			fill.TradeTime.UTC().Format(time.RFC3339),
			fill.AssetCode,
			fill.AssetType,
			fill.Side,
			fill.Quantity,
			fill.Price,
			fill.Commission,
			fill.Currency,
			fill.OrderID,
		)
	}
	return b.String(), nil
}

// DeleteAllTrades wipes the journal's fills and trades.
func (s *Service) DeleteAllTrades() error {
	log.Info().Str("service", "analytics").Msg("deleting all trades and fills")
	return s.db.DeleteAllTrades()
}

// DefaultsSource supplies display defaults applied when a request omits
// timezone or currency. Defaults live at the HTTP layer only; the service
// always receives an explicit filter.
type DefaultsSource interface {
	DisplayDefaults() (timezone, currency string)
}

// GinHandlers contains HTTP handlers for analytics endpoints
type GinHandlers struct {
	service  *Service
	defaults DefaultsSource
}

func NewGinHandlers(service *Service, defaults DefaultsSource) *GinHandlers {
	return &GinHandlers{service: service, defaults: defaults}
}

// parseFilter builds the explicit filter context from query parameters.
// Naive start/end timestamps are interpreted in the filter's timezone.
func (h *GinHandlers) parseFilter(c *gin.Context) (types.Filter, error) {
	defaultZone, defaultCurrency := "UTC", "USD"
	if h.defaults != nil {
		defaultZone, defaultCurrency = h.defaults.DisplayDefaults()
	}
	filter := types.Filter{
		AssetCode: c.Query("asset_code"),
		AssetType: types.AssetType(c.Query("asset_type")),
		Direction: types.TradeDirection(c.Query("direction")),
		Timezone:  c.DefaultQuery("timezone", defaultZone),
		Currency:  c.DefaultQuery("currency", defaultCurrency),
	}

	loc, err := time.LoadLocation(filter.Timezone)
	if err != nil {
		return filter, fmt.Errorf("unknown timezone %q", filter.Timezone)
	}
	start, err := parseQueryTime(c.Query("start"), loc)
	if err != nil {
		return filter, err
	}
	end, err := parseQueryTime(c.Query("end"), loc)
	if err != nil {
		return filter, err
	}
	filter.Start = start
	filter.End = end
	return filter, nil
}

var queryTimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02"}

func parseQueryTime(value string, loc *time.Location) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		utc := t.UTC()
		return &utc, nil
	}
	for _, layout := range queryTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("invalid time value %q", value)
}

// OverviewHandler handles GET requests for headline statistics.
func (h *GinHandlers) OverviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := h.parseFilter(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		stats, err := h.service.Overview(filter)
		response.Handle(c, stats, err)
	}
}

// ByAssetHandler handles GET requests for the per-asset breakdown.
func (h *GinHandlers) ByAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := h.parseFilter(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		breakdown, err := h.service.ByAsset(filter)
		response.Handle(c, breakdown, err)
	}
}

// CalendarHandler handles GET requests for calendar buckets.
// Query parameters: granularity (day|month), basis (close|open).
func (h *GinHandlers) CalendarHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := h.parseFilter(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		granularity := Granularity(c.DefaultQuery("granularity", string(GranularityDay)))
		if granularity != GranularityDay && granularity != GranularityMonth {
			response.BadRequest(c, "granularity must be day or month")
			return
		}
		basis := Basis(c.DefaultQuery("basis", string(BasisClose)))
		if basis != BasisClose && basis != BasisOpen {
			response.BadRequest(c, "basis must be close or open")
			return
		}
		buckets, err := h.service.Calendar(filter, granularity, basis)
		response.Handle(c, buckets, err)
	}
}

// ListTradesHandler handles GET requests for the trade listing.
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := h.parseFilter(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		trades, err := h.service.ListTrades(filter)
		response.Handle(c, trades, err)
	}
}

// ExportFillsHandler handles GET requests for the plain-text fills export.
func (h *GinHandlers) ExportFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := h.parseFilter(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		document, err := h.service.ExportFills(filter)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.String(200, document)
	}
}

// DeleteTradesHandler handles DELETE requests wiping the journal.
func (h *GinHandlers) DeleteTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.DeleteAllTrades(); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "all trades deleted"})
	}
}
