package analytics

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestAnalytics(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "journal.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Fill{}, &types.ParentTrade{}))

	converter := currency.NewConverter(currency.NewStaticRateSource())
	return NewService(db, converter), db
}

var tradeSeq int

func closedTrade(asset string, openTime time.Time, pnl float64, code string) types.ParentTrade {
	tradeSeq++
	closeTime := openTime.Add(time.Hour)
	closePrice := 100.0
	return types.ParentTrade{
		TradeID:          fmt.Sprintf("TRD_%06d", tradeSeq),
		AssetCode:        asset,
		AssetType:        types.AssetTypeStock,
		Direction:        types.DirectionLong,
		Quantity:         10,
		OpenTime:         openTime,
		CloseTime:        &closeTime,
		OpenPrice:        100,
		ClosePrice:       &closePrice,
		ProfitLoss:       &pnl,
		Currency:         code,
		OriginalCurrency: code,
	}
}

func openTrade(asset string, openTime time.Time) types.ParentTrade {
	tradeSeq++
	return types.ParentTrade{
		TradeID:   fmt.Sprintf("TRD_%06d", tradeSeq),
		AssetCode: asset,
		AssetType: types.AssetTypeStock,
		Direction: types.DirectionLong,
		Quantity:  10,
		OpenTime:  openTime,
		OpenPrice: 100,
		Currency:  "USD",
	}
}

var tradeDay = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func TestOverviewEmpty(t *testing.T) {
	service, _ := newTestAnalytics(t)

	stats, err := service.Overview(types.Filter{})
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTrades)
	assert.Zero(t, stats.WinRate)
	assert.Nil(t, stats.ProfitLossRatio)
	assert.Nil(t, stats.ProfitFactor)
	assert.Equal(t, "USD", stats.Currency)
}

func TestOverviewStats(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create([]types.ParentTrade{
		closedTrade("AAPL", tradeDay, 100, "USD"),
		closedTrade("AAPL", tradeDay.Add(time.Hour), -50, "USD"),
		closedTrade("MSFT", tradeDay.Add(2*time.Hour), 25, "USD"),
		openTrade("MSFT", tradeDay.Add(3*time.Hour)),
	}).Error)

	stats, err := service.Overview(types.Filter{})
	require.NoError(t, err)

	// Open trades carry no realized result and are excluded.
	assert.Equal(t, 3, stats.TotalTrades)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 75.0, stats.TotalProfitLoss, 1e-9)
	assert.InDelta(t, 25.0, stats.AverageProfitLoss, 1e-9)
	require.NotNil(t, stats.ProfitLossRatio)
	assert.InDelta(t, 62.5/50.0, *stats.ProfitLossRatio, 1e-9)
	require.NotNil(t, stats.ProfitFactor)
	assert.InDelta(t, 125.0/50.0, *stats.ProfitFactor, 1e-9)
}

func TestOverviewNoLosers(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create([]types.ParentTrade{
		closedTrade("AAPL", tradeDay, 100, "USD"),
		closedTrade("AAPL", tradeDay.Add(time.Hour), 40, "USD"),
	}).Error)

	stats, err := service.Overview(types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats.WinRate)
	assert.Nil(t, stats.ProfitLossRatio)
	assert.Nil(t, stats.ProfitFactor)
}

func TestOverviewConvertsCurrency(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create([]types.ParentTrade{
		closedTrade("700", tradeDay, 780, "HKD"),
		closedTrade("AAPL", tradeDay.Add(time.Hour), 50, "USD"),
	}).Error)

	stats, err := service.Overview(types.Filter{Currency: "USD"})
	require.NoError(t, err)
	assert.InDelta(t, 150.0, stats.TotalProfitLoss, 1e-9)
	assert.Equal(t, "USD", stats.Currency)

	stats, err = service.Overview(types.Filter{Currency: "HKD"})
	require.NoError(t, err)
	assert.InDelta(t, 780+50*7.80, stats.TotalProfitLoss, 1e-9)
}

func TestOverviewRateUnavailable(t *testing.T) {
	service, db := newTestAnalytics(t)
	trade := closedTrade("X", tradeDay, 10, "GBP")
	require.NoError(t, db.Create(&trade).Error)

	_, err := service.Overview(types.Filter{Currency: "USD"})
	var rateErr *types.RateUnavailableError
	require.ErrorAs(t, err, &rateErr)
}

func TestOverviewAppliesFilter(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create([]types.ParentTrade{
		closedTrade("AAPL", tradeDay, 100, "USD"),
		closedTrade("MSFT", tradeDay, -50, "USD"),
	}).Error)

	stats, err := service.Overview(types.Filter{AssetCode: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.InDelta(t, 100.0, stats.TotalProfitLoss, 1e-9)
}

func TestByAsset(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create([]types.ParentTrade{
		closedTrade("AAPL", tradeDay, 100, "USD"),
		closedTrade("AAPL", tradeDay.Add(time.Hour), -20, "USD"),
		closedTrade("MSFT", tradeDay, 30, "USD"),
	}).Error)

	breakdown, err := service.ByAsset(types.Filter{})
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	// Most traded asset first.
	assert.Equal(t, "AAPL", breakdown[0].AssetCode)
	assert.Equal(t, 2, breakdown[0].TradeCount)
	assert.InDelta(t, 0.5, breakdown[0].WinRate, 1e-9)
	assert.InDelta(t, 80.0, breakdown[0].TotalProfitLoss, 1e-9)

	assert.Equal(t, "MSFT", breakdown[1].AssetCode)
	assert.Equal(t, 1, breakdown[1].TradeCount)
}

func TestByAssetSplitsInstrumentKinds(t *testing.T) {
	service, db := newTestAnalytics(t)
	stock := closedTrade("AAPL", tradeDay, 100, "USD")
	option := closedTrade("AAPL", tradeDay.Add(time.Hour), -20, "USD")
	option.AssetType = types.AssetTypeOption
	require.NoError(t, db.Create([]types.ParentTrade{stock, option}).Error)

	breakdown, err := service.ByAsset(types.Filter{})
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	assert.Equal(t, "AAPL", breakdown[0].AssetCode)
	assert.Equal(t, string(types.AssetTypeOption), breakdown[0].AssetType)
	assert.Equal(t, 1, breakdown[0].TradeCount)
	assert.InDelta(t, -20.0, breakdown[0].TotalProfitLoss, 1e-9)

	assert.Equal(t, "AAPL", breakdown[1].AssetCode)
	assert.Equal(t, string(types.AssetTypeStock), breakdown[1].AssetType)
	assert.InDelta(t, 100.0, breakdown[1].TotalProfitLoss, 1e-9)
}

func TestCalendarTimezoneBoundary(t *testing.T) {
	service, db := newTestAnalytics(t)

	// Closes at 23:30 UTC on Jan 31, which is already Feb 1 in Tokyo.
	trade := closedTrade("AAPL", time.Date(2024, 1, 31, 22, 30, 0, 0, time.UTC), 100, "USD")
	require.NoError(t, db.Create(&trade).Error)

	buckets, err := service.Calendar(types.Filter{Timezone: "UTC"}, GranularityDay, BasisClose)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2024-01-31", buckets[0].Date)

	buckets, err = service.Calendar(types.Filter{Timezone: "Asia/Tokyo"}, GranularityDay, BasisClose)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2024-02-01", buckets[0].Date)

	buckets, err = service.Calendar(types.Filter{Timezone: "Asia/Tokyo"}, GranularityMonth, BasisClose)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2024-02", buckets[0].Date)

	// Open-time basis keys the same trade on its opening instant.
	buckets, err = service.Calendar(types.Filter{Timezone: "UTC"}, GranularityDay, BasisOpen)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2024-01-31", buckets[0].Date)
}

func TestCalendarBucketsSortedAscending(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create([]types.ParentTrade{
		closedTrade("AAPL", time.Date(2024, 2, 5, 10, 0, 0, 0, time.UTC), 100, "USD"),
		closedTrade("AAPL", time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC), -50, "USD"),
		closedTrade("AAPL", time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC), 30, "USD"),
	}).Error)

	buckets, err := service.Calendar(types.Filter{}, GranularityDay, BasisClose)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "2024-01-10", buckets[0].Date)
	assert.Equal(t, 2, buckets[0].TradeCount)
	assert.InDelta(t, 0.5, buckets[0].WinRate, 1e-9)
	assert.Equal(t, "2024-02-05", buckets[1].Date)
}

func TestCalendarUnknownTimezone(t *testing.T) {
	service, _ := newTestAnalytics(t)

	_, err := service.Calendar(types.Filter{Timezone: "Mars/Olympus"}, GranularityDay, BasisClose)
	require.Error(t, err)
}

func TestListTradesConvertsMoneyFields(t *testing.T) {
	service, db := newTestAnalytics(t)
	trade := closedTrade("700", tradeDay, 780, "HKD")
	trade.OpenPrice = 78
	price := 85.8
	trade.ClosePrice = &price
	trade.TotalCommission = 7.8
	require.NoError(t, db.Create(&trade).Error)

	trades, err := service.ListTrades(types.Filter{Currency: "USD"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	got := trades[0]
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, "HKD", got.OriginalCurrency)
	assert.InDelta(t, 10.0, got.OpenPrice, 1e-9)
	assert.InDelta(t, 11.0, *got.ClosePrice, 1e-9)
	assert.InDelta(t, 1.0, got.TotalCommission, 1e-9)
	assert.InDelta(t, 100.0, *got.ProfitLoss, 1e-9)
}

func TestExportFills(t *testing.T) {
	service, db := newTestAnalytics(t)
	require.NoError(t, db.Create(&types.Fill{
		AssetCode: "AAPL",
		AssetType: types.AssetTypeStock,
		Side:      types.SideBuy,
		Quantity:  100,
		Price:     185.5,
		Currency:  "USD",
		TradeTime: tradeDay,
		OrderID:   "O1",
	}).Error)

	doc, err := service.ExportFills(types.Filter{})
	require.NoError(t, err)
	assert.Contains(t, doc, "AAPL")
	assert.Contains(t, doc, "BUY")
	assert.Contains(t, doc, tradeDay.Format(time.RFC3339))
}

func TestExportFillsEmpty(t *testing.T) {
	service, _ := newTestAnalytics(t)

	_, err := service.ExportFills(types.Filter{})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDeleteAllTrades(t *testing.T) {
	service, db := newTestAnalytics(t)
	trade := closedTrade("AAPL", tradeDay, 100, "USD")
	require.NoError(t, db.Create(&trade).Error)
	require.NoError(t, db.Create(&types.Fill{AssetCode: "AAPL", Side: types.SideBuy, Quantity: 1, Price: 1, Currency: "USD", TradeTime: tradeDay}).Error)

	require.NoError(t, service.DeleteAllTrades())

	var tradeCount, fillCount int64
	require.NoError(t, db.Model(&types.ParentTrade{}).Count(&tradeCount).Error)
	require.NoError(t, db.Model(&types.Fill{}).Count(&fillCount).Error)
	assert.Zero(t, tradeCount)
	assert.Zero(t, fillCount)
}
