package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerBalance 链下账本余额，只能通过入账 / 提现两个原子操作修改，永远不为负
type LedgerBalance struct {
	ExternalAccountID string          `gorm:"primaryKey;size:128"`
	Balance           decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	UpdatedAt         time.Time
}

func (LedgerBalance) TableName() string { return "ledger_balances" }

type BalanceRepo interface {
	// GetBalance 账户不存在返回 0
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
}
