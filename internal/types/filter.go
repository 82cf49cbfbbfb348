package types

import "time"

// Filter narrows the set of parent trades an analytics query operates on.
// Timezone and Currency are explicit context: the engine never reads display
// preferences from ambient state.
type Filter struct {
	AssetCode string         `form:"asset_code" json:"asset_code,omitempty"`
	AssetType AssetType      `form:"asset_type" json:"asset_type,omitempty"`
	Direction TradeDirection `form:"direction" json:"direction,omitempty"`
	Start     *time.Time     `form:"start" json:"start,omitempty"`
	End       *time.Time     `form:"end" json:"end,omitempty"`
	Timezone  string         `form:"timezone" json:"timezone,omitempty"`
	Currency  string         `form:"currency" json:"currency,omitempty"`
}
