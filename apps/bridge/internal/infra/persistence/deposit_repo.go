package persistence

import (
	"context"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertProcessedDepositAndCredit 充值幂等入账
// processed_deposits 插入成功 (不是重复) 才给余额加钱，两步在同一个事务里
func (r *Repo) UpsertProcessedDepositAndCredit(ctx context.Context, dep *domain.ProcessedDeposit) (bool, error) {
	applied := false
	err := r.Transaction(ctx, func(txCtx context.Context) error {
		db := r.getDb(txCtx)

		// tx_hash 主键冲突就什么都不做，RowsAffected = 0 说明已经入过账
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(dep)
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "insert processed deposit", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := r.addBalance(txCtx, dep.ExternalAccountID, dep.Amount); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// addBalance 先保证余额行存在，再原子累加
func (r *Repo) addBalance(ctx context.Context, accountID string, amount decimal.Decimal) error {
	db := r.getDb(ctx)
	now := time.Now().UTC()

	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.LedgerBalance{
		ExternalAccountID: accountID,
		Balance:           decimal.Zero,
		UpdatedAt:         now,
	}).Error
	if err != nil {
		return xerr.Wrap(xerr.DbError, "init ledger balance", err)
	}

	err = db.Model(&domain.LedgerBalance{}).
		Where("external_account_id = ?", accountID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount), // 🔥 余额累加
			"updated_at": now,
		}).Error
	if err != nil {
		return xerr.Wrap(xerr.DbError, "credit ledger balance", err)
	}
	return nil
}

// RecordSkippedEvent 同一个 (tx_hash, log_index) 只记一次
func (r *Repo) RecordSkippedEvent(ctx context.Context, ev *domain.SkippedEvent) error {
	err := r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev).Error
	if err != nil {
		return xerr.Wrap(xerr.DbError, "record skipped event", err)
	}
	return nil
}

// GetBalance 账户还没有余额行时返回 0
func (r *Repo) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var bal domain.LedgerBalance
	err := r.getDb(ctx).Where("external_account_id = ?", accountID).Limit(1).Find(&bal).Error
	if err != nil {
		return decimal.Zero, xerr.Wrap(xerr.DbError, "get balance", err)
	}
	if bal.ExternalAccountID == "" {
		return decimal.Zero, nil
	}
	return bal.Balance, nil
}
