package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrCursorRegression = errors.New("scan cursor cannot move backwards")
	ErrDeepReorg        = errors.New("reorg deeper than confirmation depth detected")
)

// LedgerStore 同步器需要的全部存储能力
type LedgerStore interface {
	DepositRepo
	BalanceRepo
	WithdrawRepo
	CursorRepo
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// QueryStore 状态查询接口用到的只读能力 (外加人工触发)
type QueryStore interface {
	BalanceRepo
	GetCursor(ctx context.Context) (*ScanCursor, error)
	GetProcessedDeposit(ctx context.Context, txHash string) (*ProcessedDeposit, error)
	GetWithdrawal(ctx context.Context, id int64) (*WithdrawalRequest, error)
	FindClaim(ctx context.Context, wallet, nonce string) (*WithdrawalClaim, error)
	ListSkippedEvents(ctx context.Context, page, limit int) ([]SkippedEvent, error)
	TriggerWithdrawal(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Models 需要迁移的表
func Models() []any {
	return []any{
		&ProcessedDeposit{},
		&LedgerBalance{},
		&WithdrawalRequest{},
		&ScanCursor{},
		&SkippedEvent{},
		&WithdrawalClaim{},
	}
}
