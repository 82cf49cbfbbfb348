package analytics

// Granularity selects the calendar bucket width.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// Basis selects which trade event instant calendar buckets are keyed on.
// Bucketing on open time must be requested explicitly.
type Basis string

const (
	BasisClose Basis = "close"
	BasisOpen  Basis = "open"
)

// OverviewStats summarizes the closed trades matching a filter. Ratio and
// factor are nil when there are no losing trades: with nothing lost the
// quotients are undefined, not infinite.
type OverviewStats struct {
	TotalTrades       int      `json:"total_trades"`
	WinRate           float64  `json:"win_rate"`
	TotalProfitLoss   float64  `json:"total_profit_loss"`
	AverageProfitLoss float64  `json:"average_profit_loss"`
	ProfitLossRatio   *float64 `json:"profit_loss_ratio"`
	ProfitFactor      *float64 `json:"profit_factor"`
	Currency          string   `json:"currency"`
}

// AssetBreakdown carries the per-asset slice of the same metrics.
type AssetBreakdown struct {
	AssetCode       string  `json:"asset_code"`
	AssetType       string  `json:"asset_type"`
	TradeCount      int     `json:"trade_count"`
	WinRate         float64 `json:"win_rate"`
	TotalProfitLoss float64 `json:"total_profit_loss"`
}

// CalendarBucket is one day or month of closed-trade activity in the
// requested timezone. Derived, never persisted.
type CalendarBucket struct {
	Date            string  `json:"date"` // 2006-01-02 at day granularity, 2006-01 at month
	TradeCount      int     `json:"trade_count"`
	WinRate         float64 `json:"win_rate"`
	TotalProfitLoss float64 `json:"total_profit_loss"`
}
