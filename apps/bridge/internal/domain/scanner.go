package domain

import (
	"context"
	"time"
)

// CursorDeposits 充值扫描游标的名字
const CursorDeposits = "deposits"

// ScanCursor 对应 scan_cursors 表，单行，只增不减
type ScanCursor struct {
	Name               string `gorm:"primaryKey;size:32"`
	LastProcessedBlock uint64 `gorm:"not null"`
	LastBlockHash      string `gorm:"size:66"` // 用来发现超过确认深度的回滚
	UpdatedAt          time.Time
}

func (ScanCursor) TableName() string { return "scan_cursors" }

type CursorRepo interface {
	// GetCursor 没有游标行时返回 nil, nil
	GetCursor(ctx context.Context) (*ScanCursor, error)
	// SetCursor 推进游标，不允许回退
	SetCursor(ctx context.Context, block uint64, hash string) error
	// MaxProcessedBlock processed_deposits 里最大的块高，首次启动时用来初始化游标
	MaxProcessedBlock(ctx context.Context) (uint64, error)
}
