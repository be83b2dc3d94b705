package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// DepositEvent 从链上 Deposited 日志解析出来的充值，只在扫描过程中存在
type DepositEvent struct {
	WalletAddress     string   // 小写 0x 地址
	ExternalAccountID string   // 链下账户 (合约里的 externalAccountId)
	Amount            *big.Int // uint256
	TxHash            string   // 0x + 64 hex
	LogIndex          uint
	BlockNumber       uint64
	BlockTimestamp    uint64 // 事件自带的 timestamp
	RawData           []byte // 原始 log data，跳过时写审计
}

// ProcessedDeposit 入账审计 + 幂等记录，一个 tx_hash 最多一行
type ProcessedDeposit struct {
	TxHash            string          `gorm:"primaryKey;size:66"`
	BlockNumber       uint64          `gorm:"index;not null"`
	LogIndex          uint            `gorm:"not null"`
	ExternalAccountID string          `gorm:"size:128;index;not null"`
	WalletAddress     string          `gorm:"size:42;not null"`
	Amount            decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	BlockTimestamp    uint64
	ProcessedAt       time.Time `gorm:"autoCreateTime"`
}

func (ProcessedDeposit) TableName() string { return "processed_deposits" }

// CreditResult 一次入账的结果
type CreditResult uint8

const (
	CreditApplied   CreditResult = iota + 1 // 新入账，余额已增加
	CreditDuplicate                         // tx_hash 已经处理过，什么都没做
	CreditSkipped                           // 数据不合法，已记审计跳过
)

func (r CreditResult) String() string {
	switch r {
	case CreditApplied:
		return "applied"
	case CreditDuplicate:
		return "duplicate"
	case CreditSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SkippedEvent 无法处理的链上事件，永久保留给运维审计
type SkippedEvent struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TxHash      string `gorm:"size:66;not null;uniqueIndex:idx_skipped_log"`
	LogIndex    uint   `gorm:"not null;uniqueIndex:idx_skipped_log"`
	BlockNumber uint64 `gorm:"index"`
	Reason      string `gorm:"size:255"`
	RawData     string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (SkippedEvent) TableName() string { return "skipped_events" }

// DepositRepo 入账相关的原子操作
type DepositRepo interface {
	// UpsertProcessedDepositAndCredit 插入 processed_deposits，插入成功才给账户加钱，同一个事务
	// 返回 false 表示这个 tx_hash 之前已经入过账
	UpsertProcessedDepositAndCredit(ctx context.Context, dep *ProcessedDeposit) (applied bool, err error)
	// RecordSkippedEvent 记录跳过的事件，重复记录不报错
	RecordSkippedEvent(ctx context.Context, ev *SkippedEvent) error
}
