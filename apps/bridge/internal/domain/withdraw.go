package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawStatus string

const (
	WithdrawStatusPending WithdrawStatus = "pending" // 外部创建，等待处理
	WithdrawStatusSigned  WithdrawStatus = "signed"  // 已扣款并签名 (终态)
	WithdrawStatusFailed  WithdrawStatus = "failed"  // 失败，未动账本 (终态)
)

func (s WithdrawStatus) Terminal() bool {
	return s == WithdrawStatusSigned || s == WithdrawStatusFailed
}

// WithdrawalRequest 提现申请，由外部系统以 pending 创建
type WithdrawalRequest struct {
	ID                int64           `gorm:"primaryKey;autoIncrement"`
	ExternalAccountID string          `gorm:"size:128;index;not null"`
	WalletAddress     string          `gorm:"size:42;not null;uniqueIndex:idx_wallet_nonce"`
	Amount            decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	Nonce             string          `gorm:"size:66;not null;uniqueIndex:idx_wallet_nonce"` // bytes32 hex
	Status            WithdrawStatus  `gorm:"size:16;not null;index:idx_status_expires"`
	Signature         *string         `gorm:"size:132"`
	FailReason        string          `gorm:"size:255"`
	TriggeredAt       *time.Time      // 人工触发，不等过期
	ExpiresAt         time.Time       `gorm:"index:idx_status_expires"`
	SignedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// DebitOutcome 扣款 + 标记签名这一步的结果
type DebitOutcome uint8

const (
	DebitSigned       DebitOutcome = iota + 1 // 扣款成功，签名已保存
	DebitNotPending                           // 已被别的流程处理，不再是 pending
	DebitInsufficient                         // 余额不足 (并发变化)，整体回滚
)

func (o DebitOutcome) String() string {
	switch o {
	case DebitSigned:
		return "signed"
	case DebitNotPending:
		return "not_pending"
	case DebitInsufficient:
		return "insufficient"
	default:
		return "unknown"
	}
}

// WithdrawalClaim 链上 Withdrawn 事件，说明签名已经在合约里兑付
type WithdrawalClaim struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	TxHash         string          `gorm:"size:66;not null;uniqueIndex:idx_claim_log"`
	LogIndex       uint            `gorm:"not null;uniqueIndex:idx_claim_log"`
	WalletAddress  string          `gorm:"size:42;not null;index:idx_claim_nonce"`
	Nonce          string          `gorm:"size:66;not null;index:idx_claim_nonce"`
	Amount         decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	BlockNumber    uint64          `gorm:"index"`
	BlockTimestamp uint64
	CreatedAt      time.Time
}

func (WithdrawalClaim) TableName() string { return "withdrawal_claims" }

type WithdrawRepo interface {
	// ListEligibleWithdrawals pending 且 (已过 expires_at 或被人工触发)，按 id 升序
	ListEligibleWithdrawals(ctx context.Context, now time.Time, limit int) ([]WithdrawalRequest, error)
	// DebitIfSufficientAndMarkSigned 同一事务: pending -> signed 并扣减余额，任何一个条件不满足就整体回滚
	DebitIfSufficientAndMarkSigned(ctx context.Context, req *WithdrawalRequest, signature string, at time.Time) (DebitOutcome, error)
	// MarkFailed pending -> failed，不动余额；返回 false 表示已不是 pending
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
	// RecordWithdrawalClaim 记录链上兑付，重复事件返回 false
	RecordWithdrawalClaim(ctx context.Context, claim *WithdrawalClaim) (bool, error)
	// FindWithdrawalByNonce 按 (wallet, nonce) 找申请
	FindWithdrawalByNonce(ctx context.Context, wallet, nonce string) (*WithdrawalRequest, error)
}
