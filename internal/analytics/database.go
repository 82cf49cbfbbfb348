package analytics

import (
	"fmt"

	"github.com/ksred/journal-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func applyFilter(query *gorm.DB, filter types.Filter) *gorm.DB {
	if filter.AssetCode != "" {
		query = query.Where("asset_code = ?", filter.AssetCode)
	}
	if filter.AssetType != "" {
		query = query.Where("asset_type = ?", filter.AssetType)
	}
	if filter.Direction != "" {
		query = query.Where("direction = ?", filter.Direction)
	}
	if filter.Start != nil {
		query = query.Where("open_time >= ?", *filter.Start)
	}
	if filter.End != nil {
		query = query.Where("open_time <= ?", *filter.End)
	}
	return query
}

// ClosedTrades returns the closed parent trades matching the filter. Open
// positions carry no realized result and are excluded from every
// PnL-bearing statistic.
func (d *Database) ClosedTrades(filter types.Filter) ([]types.ParentTrade, error) {
	var trades []types.ParentTrade
	query := applyFilter(d.db.Where("close_time IS NOT NULL"), filter)
	if err := query.Order("open_time DESC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch closed trades: %w", err)
	}
	return trades, nil
}

// Trades returns all matching parent trades, open ones included, with their
// fills in matching order.
func (d *Database) Trades(filter types.Filter) ([]types.ParentTrade, error) {
	var trades []types.ParentTrade
	query := applyFilter(d.db, filter).
		Preload("Fills", func(db *gorm.DB) *gorm.DB {
			return db.Order("trade_time ASC, id ASC")
		})
	if err := query.Order("open_time DESC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}
	return trades, nil
}

// Fills returns matching fills ordered by execution time.
func (d *Database) Fills(filter types.Filter) ([]types.Fill, error) {
	query := d.db.Order("trade_time ASC, id ASC")
	if filter.AssetCode != "" {
		query = query.Where("asset_code = ?", filter.AssetCode)
	}
	if filter.AssetType != "" {
		query = query.Where("asset_type = ?", filter.AssetType)
	}
	if filter.Start != nil {
		query = query.Where("trade_time >= ?", *filter.Start)
	}
	if filter.End != nil {
		query = query.Where("trade_time <= ?", *filter.End)
	}
	var fills []types.Fill
	if err := query.Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch fills: %w", err)
	}
	return fills, nil
}

// DeleteAllTrades removes every fill and parent trade in one transaction.
func (d *Database) DeleteAllTrades() error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Unscoped().Where("1 = 1").Delete(&types.Fill{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete fills: %w", err)
	}
	if err := tx.Unscoped().Where("1 = 1").Delete(&types.ParentTrade{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete trades: %w", err)
	}
	return tx.Commit().Error
}
