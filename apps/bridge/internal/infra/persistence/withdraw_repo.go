package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errRollback 只用来让 Transaction 回滚，不会返回给调用方
var errRollback = errors.New("rollback")

func (r *Repo) ListEligibleWithdrawals(ctx context.Context, now time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	rows := make([]domain.WithdrawalRequest, 0)
	q := r.getDb(ctx).
		Where("status = ? AND (expires_at <= ? OR triggered_at IS NOT NULL)", domain.WithdrawStatusPending, now).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list eligible withdrawals", err)
	}
	return rows, nil
}

// DebitIfSufficientAndMarkSigned pending -> signed 与扣款在一个事务里
//  1. 请求必须仍是 pending 且内容没变，否则 DebitNotPending
//  2. balance >= amount 才扣，否则整体回滚 DebitInsufficient
func (r *Repo) DebitIfSufficientAndMarkSigned(ctx context.Context, req *domain.WithdrawalRequest, signature string, at time.Time) (domain.DebitOutcome, error) {
	outcome := domain.DebitSigned

	err := r.Transaction(ctx, func(txCtx context.Context) error {
		db := r.getDb(txCtx)

		res := db.Model(&domain.WithdrawalRequest{}).
			Where("id = ? AND status = ?", req.ID, domain.WithdrawStatusPending).
			Where("external_account_id = ? AND wallet_address = ? AND nonce = ? AND amount = ?",
				req.ExternalAccountID, req.WalletAddress, req.Nonce, req.Amount).
			Updates(map[string]any{
				"status":     domain.WithdrawStatusSigned,
				"signature":  signature,
				"signed_at":  at,
				"updated_at": at,
			})
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "mark withdrawal signed", res.Error)
		}
		if res.RowsAffected == 0 {
			outcome = domain.DebitNotPending
			return errRollback
		}

		// 🔒 条件扣款：余额不够就一行都不更新
		res = db.Model(&domain.LedgerBalance{}).
			Where("external_account_id = ? AND balance >= ?", req.ExternalAccountID, req.Amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", req.Amount),
				"updated_at": at,
			})
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "debit ledger balance", res.Error)
		}
		if res.RowsAffected == 0 {
			outcome = domain.DebitInsufficient
			return errRollback
		}
		return nil
	})

	if errors.Is(err, errRollback) {
		return outcome, nil
	}
	if err != nil {
		return 0, err
	}
	return domain.DebitSigned, nil
}

func (r *Repo) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	res := r.getDb(ctx).Model(&domain.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, domain.WithdrawStatusPending).
		Updates(map[string]any{
			"status":      domain.WithdrawStatusFailed,
			"fail_reason": reason,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return false, xerr.Wrap(xerr.DbError, "mark withdrawal failed", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) RecordWithdrawalClaim(ctx context.Context, claim *domain.WithdrawalClaim) (bool, error) {
	res := r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(claim)
	if res.Error != nil {
		return false, xerr.Wrap(xerr.DbError, "record withdrawal claim", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindWithdrawalByNonce 大小写不敏感: 请求可能带 EIP-55 校验和地址或大写 nonce，链上解码出来是小写
func (r *Repo) FindWithdrawalByNonce(ctx context.Context, wallet, nonce string) (*domain.WithdrawalRequest, error) {
	var req domain.WithdrawalRequest
	err := r.getDb(ctx).
		Where("LOWER(wallet_address) = ? AND LOWER(nonce) = ?", strings.ToLower(wallet), strings.ToLower(nonce)).
		Order("id ASC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, xerr.Wrap(xerr.DbError, "find withdrawal by nonce", err)
	}
	return &req, nil
}
