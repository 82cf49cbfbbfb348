package positions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/internal/types"
	"github.com/rs/zerolog/log"
)

// quantityTolerance absorbs float accumulation noise in invariant checks.
// Position arithmetic itself uses exact comparisons: a closing fill that
// matches the open quantity zeroes it exactly.
const quantityTolerance = 1e-9

// FillShare is the portion of one canonical fill consumed by one parent
// trade. A fill normally maps to a single share covering its full quantity;
// a reversal partitions the triggering fill into two shares, one closing the
// old trade and one opening the new one, with commission split in proportion
// to quantity. The fill itself is never duplicated.
type FillShare struct {
	Fill       *types.Fill
	Quantity   float64
	Commission float64
}

// MatchedTrade pairs a reconstructed parent trade with the fill shares that
// produced it, in matching order.
type MatchedTrade struct {
	Trade  types.ParentTrade
	Shares []FillShare
}

// Matcher reconstructs parent trades from ordered fill sequences. The
// position for an asset is tracked as a single weighted-average lot, not a
// queue of discrete sub-lots: partial closes reduce quantity proportionally
// and crystallize profit on the closed portion only.
type Matcher struct {
	converter *currency.Converter
}

func NewMatcher(converter *currency.Converter) *Matcher {
	return &Matcher{converter: converter}
}

// openPosition is the running state for one asset between trade boundaries.
// All money fields are kept in the trade's settlement currency. openQtySum
// and openAmtSum accumulate every opening fill for the reported quantity and
// average price; costBasis tracks only the remaining open quantity's cost, so
// profit on each closed portion reflects true cash flow even after a
// close-then-extend sequence.
type openPosition struct {
	direction   types.TradeDirection
	quantity    float64 // unsigned remaining open quantity
	costBasis   float64 // cost of the remaining open quantity
	openQtySum  float64
	openAmtSum  float64
	closeQtySum float64
	closeAmtSum float64
	commission  float64
	realized    float64 // gross realized PnL, commission excluded
	openTime    time.Time
	currency    string
	original    string
	shares      []FillShare
}

func (p *openPosition) directionSign() float64 {
	if p.direction == types.DirectionShort {
		return -1
	}
	return 1
}

func (p *openPosition) avgOpenPrice() float64 {
	return p.openAmtSum / p.openQtySum
}

// Rebuild converts a sequence of fills for one asset into parent trades.
// Fills are ordered by execution time with ties broken by original row
// order. Rebuilding the same sequence always yields the same trade set.
func (m *Matcher) Rebuild(assetCode string, fills []types.Fill) ([]MatchedTrade, error) {
	logger := log.With().
		Str("asset_code", assetCode).
		Str("service", "positions").
		Logger()

	// Sort pointers so fill shares reference the caller's slice elements.
	ordered := make([]*types.Fill, len(fills))
	for i := range fills {
		ordered[i] = &fills[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TradeTime.Equal(ordered[j].TradeTime) {
			return ordered[i].RowIndex < ordered[j].RowIndex
		}
		return ordered[i].TradeTime.Before(ordered[j].TradeTime)
	})

	var trades []MatchedTrade
	var state *openPosition

	for _, fill := range ordered {
		if fill.AssetCode != assetCode {
			return nil, &types.InternalInconsistencyError{
				Detail: fmt.Sprintf("fill for %s routed to matcher for %s", fill.AssetCode, assetCode),
			}
		}
		if fill.Quantity <= 0 {
			return nil, &types.InternalInconsistencyError{
				Detail: fmt.Sprintf("non-positive quantity %f reached the matcher for %s", fill.Quantity, assetCode),
			}
		}

		if state == nil {
			next, err := m.openFromFill(fill, fill.Quantity, fill.Commission, fill.Price)
			if err != nil {
				return nil, err
			}
			state = next
			continue
		}

		price, commission, err := m.settle(fill, state)
		if err != nil {
			return nil, err
		}

		buying := fill.Side == types.SideBuy
		extending := (state.direction == types.DirectionLong) == buying
		if extending {
			state.openQtySum += fill.Quantity
			state.openAmtSum += fill.Quantity * price
			state.costBasis += fill.Quantity * price
			state.quantity += fill.Quantity
			state.commission += commission
			state.shares = append(state.shares, FillShare{Fill: fill, Quantity: fill.Quantity, Commission: commission})
			continue
		}

		// Closing fill: crystallize PnL on the closed portion against the
		// remaining cost basis and release that basis.
		closeQty := fill.Quantity
		if closeQty > state.quantity {
			closeQty = state.quantity
		}
		closeShareComm := commission * closeQty / fill.Quantity
		basisPrice := state.costBasis / state.quantity
		state.realized += (price - basisPrice) * closeQty * state.directionSign()
		state.costBasis -= basisPrice * closeQty
		state.closeQtySum += closeQty
		state.closeAmtSum += closeQty * price
		state.commission += closeShareComm
		state.quantity -= closeQty
		state.shares = append(state.shares, FillShare{Fill: fill, Quantity: closeQty, Commission: closeShareComm})

		if state.quantity == 0 {
			trade, err := finalize(assetCode, state, fill.TradeTime)
			if err != nil {
				return nil, err
			}
			trades = append(trades, trade)
			state = nil
		}

		excess := fill.Quantity - closeQty
		if excess > 0 {
			// Reversal: the remainder of the fill opens a fresh trade in
			// the opposite direction. The new trade settles in the fill's
			// own currency, so its commission share is taken from the raw
			// commission, not the amount converted for the closed trade.
			logger.Debug().
				Float64("closed_quantity", closeQty).
				Float64("reversal_quantity", excess).
				Time("trade_time", fill.TradeTime).
				Msg("fill reverses position direction")
			next, err := m.openFromFill(fill, excess, fill.Commission*excess/fill.Quantity, fill.Price)
			if err != nil {
				return nil, err
			}
			state = next
		}
	}

	if state != nil {
		trade, err := finalizeOpen(assetCode, state)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	logger.Debug().
		Int("fills", len(ordered)).
		Int("parent_trades", len(trades)).
		Msg("rebuilt positions")

	return trades, nil
}

// openFromFill starts a new position from (a share of) a fill.
func (m *Matcher) openFromFill(fill *types.Fill, quantity, commission, price float64) (*openPosition, error) {
	direction := types.DirectionLong
	if fill.Side == types.SideSell {
		direction = types.DirectionShort
	}
	return &openPosition{
		direction:  direction,
		quantity:   quantity,
		costBasis:  quantity * price,
		openQtySum: quantity,
		openAmtSum: quantity * price,
		commission: commission,
		openTime:   fill.TradeTime,
		currency:   fill.Currency,
		original:   fill.OriginalCurrency,
		shares:     []FillShare{{Fill: fill, Quantity: quantity, Commission: commission}},
	}, nil
}

// settle converts a fill's money fields into the position's settlement
// currency at the fill's execution instant.
func (m *Matcher) settle(fill *types.Fill, state *openPosition) (price, commission float64, err error) {
	if currency.Normalize(fill.Currency) == currency.Normalize(state.currency) {
		return fill.Price, fill.Commission, nil
	}
	price, err = m.converter.Convert(fill.Price, fill.Currency, state.currency, fill.TradeTime)
	if err != nil {
		return 0, 0, err
	}
	commission, err = m.converter.Convert(fill.Commission, fill.Currency, state.currency, fill.TradeTime)
	if err != nil {
		return 0, 0, err
	}
	return price, commission, nil
}

// shareNet sums share quantities signed by fill side. It must come out at
// zero for a closed trade and at the signed remaining quantity for an open
// one; anything else means the matcher corrupted its own bookkeeping.
func shareNet(shares []FillShare) float64 {
	var net float64
	for _, share := range shares {
		if share.Fill.Side == types.SideSell {
			net -= share.Quantity
		} else {
			net += share.Quantity
		}
	}
	return net
}

func finalize(assetCode string, state *openPosition, closeTime time.Time) (MatchedTrade, error) {
	if len(state.shares) == 0 {
		return MatchedTrade{}, &types.InternalInconsistencyError{
			Detail: "position for " + assetCode + " closed with no fills",
		}
	}
	if net := shareNet(state.shares); math.Abs(net) > quantityTolerance {
		return MatchedTrade{}, &types.InternalInconsistencyError{
			Detail: fmt.Sprintf("closed position for %s nets to %f, want 0", assetCode, net),
		}
	}
	closePrice := state.closeAmtSum / state.closeQtySum
	profitLoss := state.realized - state.commission
	closed := closeTime
	trade := newTrade(assetCode, state)
	trade.CloseTime = &closed
	trade.ClosePrice = &closePrice
	trade.ProfitLoss = &profitLoss
	return MatchedTrade{Trade: trade, Shares: state.shares}, nil
}

func finalizeOpen(assetCode string, state *openPosition) (MatchedTrade, error) {
	if len(state.shares) == 0 {
		return MatchedTrade{}, &types.InternalInconsistencyError{
			Detail: "open position for " + assetCode + " tracks no fills",
		}
	}
	expected := state.quantity * state.directionSign()
	if net := shareNet(state.shares); math.Abs(net-expected) > quantityTolerance {
		return MatchedTrade{}, &types.InternalInconsistencyError{
			Detail: fmt.Sprintf("open position for %s nets to %f, want %f", assetCode, net, expected),
		}
	}
	return MatchedTrade{Trade: newTrade(assetCode, state), Shares: state.shares}, nil
}

// tradeID derives a deterministic identifier so rebuilding the same fill
// sequence yields the same trade set, byte for byte.
func tradeID(assetCode string, direction types.TradeDirection, openTime time.Time, firstRow int) string {
	data := fmt.Sprintf("%s|%s|%d|%d", assetCode, direction, openTime.UnixMilli(), firstRow)
	hash := sha256.Sum256([]byte(data))
	return "TRD_" + hex.EncodeToString(hash[:8])
}

func newTrade(assetCode string, state *openPosition) types.ParentTrade {
	first := state.shares[0].Fill
	return types.ParentTrade{
		TradeID:          tradeID(assetCode, state.direction, state.openTime, first.RowIndex),
		AssetCode:        assetCode,
		AssetType:        first.AssetType,
		Direction:        state.direction,
		Quantity:         state.openQtySum,
		OpenTime:         state.openTime,
		OpenPrice:        state.avgOpenPrice(),
		TotalCommission:  state.commission,
		Currency:         state.currency,
		OriginalCurrency: state.original,
	}
}
