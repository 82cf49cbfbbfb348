package types

import (
	"time"

	"gorm.io/gorm"
)

// AssetType classifies the instrument a fill was executed on.
type AssetType string

const (
	AssetTypeStock  AssetType = "stock"
	AssetTypeOption AssetType = "option"
	AssetTypeFuture AssetType = "future"
)

// FillSide is the executed side of a fill as reported by the broker.
type FillSide string

const (
	SideBuy  FillSide = "BUY"
	SideSell FillSide = "SELL"
)

// TradeDirection is the direction of a parent trade, derived from its opening fill.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
)

// ImportStatus tracks the lifecycle of an import batch.
// A batch is terminal once completed or failed.
type ImportStatus string

const (
	ImportPending   ImportStatus = "pending"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// Fill is one brokerage execution. Fills are immutable once created; only the
// parent trade reference is reassigned when positions are rebuilt.
type Fill struct {
	gorm.Model       `json:"-"`
	AssetCode        string         `gorm:"index" json:"asset_code"`
	AssetType        AssetType      `json:"asset_type"`
	Side             FillSide       `json:"side"`
	Quantity         float64        `json:"quantity"`
	Price            float64        `json:"price"`
	Commission       float64        `json:"commission"`
	Currency         string         `json:"currency"`
	OriginalCurrency string         `json:"original_currency"`
	TradeTime        time.Time      `gorm:"index" json:"trade_time"`
	OrderID          string         `json:"order_id,omitempty"`
	Source           string         `json:"source,omitempty"`
	RowIndex         int            `json:"-"` // position in the asset's fill stream, breaks timestamp ties
	ParentTradeID    uint           `gorm:"index" json:"-"`
	ImportBatchID    uint           `gorm:"index" json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SignedQuantity returns the fill quantity signed by side (buys positive).
func (f *Fill) SignedQuantity() float64 {
	if f.Side == SideSell {
		return -f.Quantity
	}
	return f.Quantity
}

// ParentTrade is one round-trip (or currently open) position for one asset.
// ProfitLoss is nil exactly while the trade is open (net quantity not yet back
// to zero); CloseTime and ClosePrice are nil under the same condition.
type ParentTrade struct {
	gorm.Model       `json:"-"`
	TradeID          string         `gorm:"uniqueIndex" json:"trade_id"`
	AssetCode        string         `gorm:"index" json:"asset_code"`
	AssetType        AssetType      `json:"asset_type"`
	Direction        TradeDirection `json:"direction"`
	Quantity         float64        `json:"quantity"`
	OpenTime         time.Time      `gorm:"index" json:"open_time"`
	CloseTime        *time.Time     `gorm:"index" json:"close_time"`
	OpenPrice        float64        `json:"open_price"`
	ClosePrice       *float64       `json:"close_price"`
	TotalCommission  float64        `json:"total_commission"`
	ProfitLoss       *float64       `json:"profit_loss"`
	Currency         string         `json:"currency"`
	OriginalCurrency string         `json:"original_currency"`
	Fills            []Fill         `gorm:"foreignKey:ParentTradeID" json:"fills,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Closed reports whether the trade's net quantity has returned to zero.
func (t *ParentTrade) Closed() bool {
	return t.CloseTime != nil
}

// ImportBatch is one upload attempt and its outcome bookkeeping.
type ImportBatch struct {
	gorm.Model      `json:"-"`
	BatchID         string       `gorm:"uniqueIndex" json:"batch_id"`
	Broker          string       `json:"broker"`
	Filename        string       `json:"filename"`
	Status          ImportStatus `json:"status"`
	TotalRecords    int          `json:"total_records"`
	SkippedRecords  int          `json:"skipped_records"`
	RejectedRecords int          `json:"rejected_records"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Timezone        string       `json:"timezone"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at"`
}
