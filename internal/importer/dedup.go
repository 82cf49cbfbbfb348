package importer

import (
	"github.com/ksred/journal-api/internal/types"
)

// fillKey is the identity used for duplicate detection: two fills with the
// same asset, side, quantity, price and execution instant are the same
// economic event regardless of which export they arrived in.
type fillKey struct {
	assetCode string
	side      types.FillSide
	quantity  float64
	price     float64
	tradeTime int64 // UTC unix nanoseconds
}

func keyOf(fill *types.Fill) fillKey {
	return fillKey{
		assetCode: fill.AssetCode,
		side:      fill.Side,
		quantity:  fill.Quantity,
		price:     fill.Price,
		tradeTime: fill.TradeTime.UTC().UnixNano(),
	}
}

// duplicateRows returns the indexes of incoming fills that duplicate a fill
// already on record. When both the incoming and the existing fill carry an
// order identifier the identifiers must also match; a missing identifier on
// either side does not rescue an otherwise identical fill.
func duplicateRows(incoming []types.Fill, existing []types.Fill) map[int]struct{} {
	index := make(map[fillKey][]string)
	for i := range existing {
		key := keyOf(&existing[i])
		index[key] = append(index[key], existing[i].OrderID)
	}

	duplicates := make(map[int]struct{})
	for i := range incoming {
		orderIDs, ok := index[keyOf(&incoming[i])]
		if !ok {
			continue
		}
		for _, existingOrderID := range orderIDs {
			if existingOrderID == "" || incoming[i].OrderID == "" || existingOrderID == incoming[i].OrderID {
				duplicates[i] = struct{}{}
				break
			}
		}
	}
	return duplicates
}
