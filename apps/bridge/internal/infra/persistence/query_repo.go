package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/orm"
	"bridgex.com/pkg/xerr"
	"gorm.io/gorm"
)

// ========== 状态查询 (只读，外加人工触发提现) ==========

func (r *Repo) GetProcessedDeposit(ctx context.Context, txHash string) (*domain.ProcessedDeposit, error) {
	var dep domain.ProcessedDeposit
	if err := r.getDb(ctx).Where("tx_hash = ?", txHash).First(&dep).Error; err != nil {
		return nil, notFoundOr(err, "get processed deposit")
	}
	return &dep, nil
}

func (r *Repo) GetWithdrawal(ctx context.Context, id int64) (*domain.WithdrawalRequest, error) {
	var req domain.WithdrawalRequest
	if err := r.getDb(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, notFoundOr(err, "get withdrawal")
	}
	return &req, nil
}

func (r *Repo) FindClaim(ctx context.Context, wallet, nonce string) (*domain.WithdrawalClaim, error) {
	var c domain.WithdrawalClaim
	err := r.getDb(ctx).
		Where("LOWER(wallet_address) = ? AND LOWER(nonce) = ?", strings.ToLower(wallet), strings.ToLower(nonce)).
		Order("id ASC").
		First(&c).Error
	if err != nil {
		return nil, notFoundOr(err, "find withdrawal claim")
	}
	return &c, nil
}

// ListSkippedEvents 新的在前
func (r *Repo) ListSkippedEvents(ctx context.Context, page, limit int) ([]domain.SkippedEvent, error) {
	rows := make([]domain.SkippedEvent, 0)
	q := orm.ApplyPagination(r.getDb(ctx).Order("id DESC"), page, limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list skipped events", err)
	}
	return rows, nil
}

// TriggerWithdrawal 人工触发: 不用等 expires_at，下一个 tick 就处理
// 返回 false 表示请求已经不是 pending
func (r *Repo) TriggerWithdrawal(ctx context.Context, id int64, at time.Time) (bool, error) {
	req, err := r.GetWithdrawal(ctx, id)
	if err != nil {
		return false, err
	}
	if req.Status != domain.WithdrawStatusPending {
		return false, nil
	}

	res := r.getDb(ctx).Model(&domain.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, domain.WithdrawStatusPending).
		Updates(map[string]any{"triggered_at": at, "updated_at": at})
	if res.Error != nil {
		return false, xerr.Wrap(xerr.DbError, "trigger withdrawal", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return xerr.Wrap(xerr.DbError, msg, err)
}
