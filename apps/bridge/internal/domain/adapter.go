package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockRef 区块的最小信息
type BlockRef struct {
	Number uint64
	Hash   string
	Time   uint64
}

// ChainReader 只读的链访问接口
type ChainReader interface {
	// HeadHeight 当前链上最新高度
	HeadHeight(ctx context.Context) (uint64, error)
	// BlockRef 指定高度的区块头
	BlockRef(ctx context.Context, number uint64) (*BlockRef, error)
	// FetchBridgeLogs 桥合约在 [from, to] 内的 Deposited / Withdrawn 日志
	FetchBridgeLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// Signer 提现授权签名，私钥只在实现内部
type Signer interface {
	Sign(wallet common.Address, amount *big.Int, nonce common.Hash, chainID *big.Int) (string, error)
	Address() common.Address
}

// Notifier 把入账 / 提现结果推给外部 (事务提交之后调用)
type Notifier interface {
	Notify(ctx context.Context, topic string, payload any) error
}

const (
	TopicDepositCredited  = "deposit.credited"
	TopicWithdrawalSigned = "withdrawal.signed"
	TopicWithdrawalFailed = "withdrawal.failed"
)
