package importer

import (
	"fmt"
	"time"

	"github.com/ksred/journal-api/internal/positions"
	"github.com/ksred/journal-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// FillsForAsset returns every fill on record for one asset ordered by
// execution time, insertion order breaking ties.
func (d *Database) FillsForAsset(assetCode string) ([]types.Fill, error) {
	var fills []types.Fill
	if err := d.db.Where("asset_code = ?", assetCode).
		Order("trade_time ASC, id ASC").
		Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch fills for %s: %w", assetCode, err)
	}
	return fills, nil
}

func (d *Database) CreateBatch(batch *types.ImportBatch) error {
	return d.db.Create(batch).Error
}

func (d *Database) SaveBatch(batch *types.ImportBatch) error {
	return d.db.Save(batch).Error
}

func (d *Database) GetBatch(batchID string) (*types.ImportBatch, error) {
	var batch types.ImportBatch
	if err := d.db.Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch import batch: %w", err)
	}
	return &batch, nil
}

func (d *Database) ListBatches() ([]types.ImportBatch, error) {
	var batches []types.ImportBatch
	if err := d.db.Order("created_at DESC").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list import batches: %w", err)
	}
	return batches, nil
}

// AssetCommit is the recomputed state for one asset within a batch commit:
// the full rebuilt trade set plus the combined fill stream it was derived
// from (existing fills first, new unsaved fills carrying a zero ID).
type AssetCommit struct {
	AssetCode string
	Trades    []positions.MatchedTrade
	Fills     []types.Fill
}

// CommitBatch atomically persists an import: new fills, the recomputed
// parent trades for every affected asset, and the batch's terminal state.
// Parent trades are derived rows, so the previous set for each asset is
// replaced outright. Nothing is visible to readers until the commit
// succeeds; on any error the transaction rolls back and the batch stays
// uncommitted.
func (d *Database) CommitBatch(batch *types.ImportBatch, commits []AssetCommit) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	for i := range commits {
		if err := commitAsset(tx, batch, &commits[i]); err != nil {
			tx.Rollback()
			return err
		}
	}

	now := time.Now().UTC()
	batch.Status = types.ImportCompleted
	batch.CompletedAt = &now
	if err := tx.Save(batch).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to finalize import batch: %w", err)
	}

	return tx.Commit().Error
}

// ReplaceAssetTrades rewrites one asset's derived trade rows from an
// already-stored fill history, outside any import batch.
func (d *Database) ReplaceAssetTrades(commit AssetCommit) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := commitAsset(tx, nil, &commit); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func commitAsset(tx *gorm.DB, batch *types.ImportBatch, commit *AssetCommit) error {
	// Trade rows are derived state: hard-delete the previous set so the
	// deterministic trade IDs can be reinserted.
	if err := tx.Unscoped().
		Where("asset_code = ?", commit.AssetCode).
		Delete(&types.ParentTrade{}).Error; err != nil {
		return fmt.Errorf("failed to clear trades for %s: %w", commit.AssetCode, err)
	}

	// The first trade to consume a fill owns its canonical row; a reversal's
	// second share exists only in the new trade's aggregates.
	owner := make(map[*types.Fill]uint)
	for i := range commit.Trades {
		trade := &commit.Trades[i].Trade
		trade.ID = 0
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("failed to save trade %s: %w", trade.TradeID, err)
		}
		for _, share := range commit.Trades[i].Shares {
			if _, claimed := owner[share.Fill]; !claimed {
				owner[share.Fill] = trade.ID
			}
		}
	}

	for i := range commit.Fills {
		fill := &commit.Fills[i]
		parentID := owner[fill]
		if fill.ID == 0 {
			if batch == nil {
				return &types.InternalInconsistencyError{
					Detail: "unsaved fill encountered outside an import batch for " + commit.AssetCode,
				}
			}
			fill.ImportBatchID = batch.ID
			fill.ParentTradeID = parentID
			if err := tx.Create(fill).Error; err != nil {
				return fmt.Errorf("failed to save fill for %s: %w", commit.AssetCode, err)
			}
			continue
		}
		if fill.ParentTradeID != parentID {
			if err := tx.Model(fill).Update("parent_trade_id", parentID).Error; err != nil {
				return fmt.Errorf("failed to reassign fill %d: %w", fill.ID, err)
			}
		}
	}

	return nil
}
