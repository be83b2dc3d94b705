package persistence

import (
	"context"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/xerr"
	"gorm.io/gorm/clause"
)

func (r *Repo) GetCursor(ctx context.Context) (*domain.ScanCursor, error) {
	var cur domain.ScanCursor
	err := r.getDb(ctx).Where("name = ?", domain.CursorDeposits).Limit(1).Find(&cur).Error
	if err != nil {
		return nil, xerr.Wrap(xerr.DbError, "get scan cursor", err)
	}
	if cur.Name == "" {
		// 第一次运行
		return nil, nil
	}
	return &cur, nil
}

// SetCursor 只允许前进 (相同高度可以覆盖 hash)
func (r *Repo) SetCursor(ctx context.Context, block uint64, hash string) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		db := r.getDb(txCtx)
		now := time.Now().UTC()

		err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.ScanCursor{
			Name:      domain.CursorDeposits,
			UpdatedAt: now,
		}).Error
		if err != nil {
			return xerr.Wrap(xerr.DbError, "init scan cursor", err)
		}

		res := db.Model(&domain.ScanCursor{}).
			Where("name = ? AND last_processed_block <= ?", domain.CursorDeposits, block).
			Updates(map[string]any{
				"last_processed_block": block,
				"last_block_hash":      hash,
				"updated_at":           now,
			})
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "update scan cursor", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		// MySQL 值没变化时 RowsAffected 也是 0，再读一次确认是不是真的回退
		cur, err := r.GetCursor(txCtx)
		if err != nil {
			return err
		}
		if cur != nil && cur.LastProcessedBlock > block {
			return domain.ErrCursorRegression
		}
		return nil
	})
}

func (r *Repo) MaxProcessedBlock(ctx context.Context) (uint64, error) {
	var max uint64
	err := r.getDb(ctx).Model(&domain.ProcessedDeposit{}).
		Select("COALESCE(MAX(block_number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, xerr.Wrap(xerr.DbError, "max processed block", err)
	}
	return max, nil
}
