package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// 桥合约只关心这两个事件
const bridgeABIJSON = `[
  {"anonymous":false,"name":"Deposited","type":"event","inputs":[
    {"indexed":true,"name":"wallet","type":"address"},
    {"indexed":false,"name":"externalAccountId","type":"string"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"timestamp","type":"uint256"}]},
  {"anonymous":false,"name":"Withdrawn","type":"event","inputs":[
    {"indexed":true,"name":"wallet","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"nonce","type":"bytes32"},
    {"indexed":false,"name":"timestamp","type":"uint256"}]}
]`

// MaxAmountDigits 账本列是 decimal(65,0)，超过的金额存不下
const MaxAmountDigits = 65

var (
	BridgeABI abi.ABI

	// Keccak256("Deposited(address,string,uint256,uint256)")
	DepositedTopic common.Hash
	// Keccak256("Withdrawn(address,uint256,bytes32,uint256)")
	WithdrawnTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse bridge abi: %v", err))
	}
	BridgeABI = parsed
	DepositedTopic = parsed.Events["Deposited"].ID
	WithdrawnTopic = parsed.Events["Withdrawn"].ID
}

func malformed(lg types.Log, format string, args ...any) error {
	return xerr.New(xerr.Malformed, fmt.Sprintf("tx %s log %d: %s", lg.TxHash.Hex(), lg.Index, fmt.Sprintf(format, args...)))
}

// DecodeDeposit 解析 Deposited 日志，格式不对返回 Malformed 错误
// 业务字段 (账户为空 / 金额为 0) 在入账时校验
func DecodeDeposit(lg types.Log) (*domain.DepositEvent, error) {
	if len(lg.Topics) != 2 || lg.Topics[0] != DepositedTopic {
		return nil, malformed(lg, "not a Deposited log")
	}

	values, err := BridgeABI.Unpack("Deposited", lg.Data)
	if err != nil {
		return nil, malformed(lg, "unpack Deposited: %v", err)
	}
	if len(values) != 3 {
		return nil, malformed(lg, "unexpected field count %d", len(values))
	}
	account, ok1 := values[0].(string)
	amount, ok2 := values[1].(*big.Int)
	ts, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, malformed(lg, "unexpected field types")
	}
	if !ts.IsUint64() {
		return nil, malformed(lg, "timestamp overflows uint64")
	}

	return &domain.DepositEvent{
		WalletAddress:     strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		ExternalAccountID: account,
		Amount:            amount,
		TxHash:            strings.ToLower(lg.TxHash.Hex()),
		LogIndex:          lg.Index,
		BlockNumber:       lg.BlockNumber,
		BlockTimestamp:    ts.Uint64(),
		RawData:           lg.Data,
	}, nil
}

// DecodeWithdrawn 解析 Withdrawn 日志，转成兑付记录
func DecodeWithdrawn(lg types.Log) (*domain.WithdrawalClaim, error) {
	if len(lg.Topics) != 2 || lg.Topics[0] != WithdrawnTopic {
		return nil, malformed(lg, "not a Withdrawn log")
	}

	values, err := BridgeABI.Unpack("Withdrawn", lg.Data)
	if err != nil {
		return nil, malformed(lg, "unpack Withdrawn: %v", err)
	}
	if len(values) != 3 {
		return nil, malformed(lg, "unexpected field count %d", len(values))
	}
	amount, ok1 := values[0].(*big.Int)
	nonce, ok2 := values[1].([32]byte)
	ts, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, malformed(lg, "unexpected field types")
	}
	if !ts.IsUint64() {
		return nil, malformed(lg, "timestamp overflows uint64")
	}
	if len(amount.String()) > MaxAmountDigits {
		return nil, malformed(lg, "amount has more than %d digits", MaxAmountDigits)
	}

	return &domain.WithdrawalClaim{
		TxHash:         strings.ToLower(lg.TxHash.Hex()),
		LogIndex:       lg.Index,
		WalletAddress:  strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		Nonce:          strings.ToLower(common.Hash(nonce).Hex()),
		Amount:         decimal.NewFromBigInt(amount, 0),
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: ts.Uint64(),
	}, nil
}

// EncodeDeposited 构造一条 Deposited 日志 (本地回放 / 测试用)
func EncodeDeposited(contract, wallet common.Address, account string, amount *big.Int, ts uint64) (types.Log, error) {
	data, err := BridgeABI.Events["Deposited"].Inputs.NonIndexed().Pack(account, amount, new(big.Int).SetUint64(ts))
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{DepositedTopic, common.BytesToHash(wallet.Bytes())},
		Data:    data,
	}, nil
}

// EncodeWithdrawn 构造一条 Withdrawn 日志
func EncodeWithdrawn(contract, wallet common.Address, amount *big.Int, nonce common.Hash, ts uint64) (types.Log, error) {
	data, err := BridgeABI.Events["Withdrawn"].Inputs.NonIndexed().Pack(amount, [32]byte(nonce), new(big.Int).SetUint64(ts))
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{WithdrawnTopic, common.BytesToHash(wallet.Bytes())},
		Data:    data,
	}, nil
}
