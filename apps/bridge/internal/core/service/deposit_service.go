package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// 和 decimal(65,0) 列保持一致
	maxAmountDigits = 65
	// external_account_id 列宽
	maxAccountLen = 128
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// DepositService 充值入账
type DepositService struct {
	repo     domain.DepositRepo
	notifier domain.Notifier
}

func NewDepositService(repo domain.DepositRepo, notifier domain.Notifier) *DepositService {
	return &DepositService{repo: repo, notifier: notifier}
}

// Credit 对一个 Deposited 事件入账，同一个 tx_hash 只会加一次钱
// 数据不合法: 记审计，返回 CreditSkipped；存储失败: 返回 error，由扫描器整批重试
func (s *DepositService) Credit(ctx context.Context, ev *domain.DepositEvent) (domain.CreditResult, error) {
	if reason := validateDeposit(ev); reason != "" {
		return s.skip(ctx, ev, reason)
	}

	dep := &domain.ProcessedDeposit{
		TxHash:            ev.TxHash,
		BlockNumber:       ev.BlockNumber,
		LogIndex:          ev.LogIndex,
		ExternalAccountID: ev.ExternalAccountID,
		WalletAddress:     strings.ToLower(ev.WalletAddress),
		Amount:            decimal.NewFromBigInt(ev.Amount, 0),
		BlockTimestamp:    ev.BlockTimestamp,
	}

	applied, err := s.repo.UpsertProcessedDepositAndCredit(ctx, dep)
	if err != nil {
		return 0, err
	}
	if !applied {
		logger.Info(ctx, "⏭️ 充值已入账，跳过",
			zap.String("tx", ev.TxHash),
			zap.Uint64("block", ev.BlockNumber))
		metrics.DepositsTotal.WithLabelValues(domain.CreditDuplicate.String()).Inc()
		return domain.CreditDuplicate, nil
	}

	logger.Info(ctx, "💰 充值入账成功",
		zap.String("tx", ev.TxHash),
		zap.String("account", ev.ExternalAccountID),
		zap.String("wallet", dep.WalletAddress),
		zap.String("amount", dep.Amount.String()),
		zap.Uint64("block", ev.BlockNumber))
	metrics.DepositsTotal.WithLabelValues(domain.CreditApplied.String()).Inc()

	if err := s.notifier.Notify(ctx, domain.TopicDepositCredited, dep); err != nil {
		logger.Warn(ctx, "notify deposit credited failed", zap.String("tx", ev.TxHash), zap.Error(err))
	}
	return domain.CreditApplied, nil
}

// SkipEvent 记录一个解析失败的日志
func (s *DepositService) SkipEvent(ctx context.Context, txHash string, logIndex uint, block uint64, reason string, raw []byte) error {
	logger.Warn(ctx, "⚠️ 跳过无法处理的链上事件",
		zap.String("tx", txHash),
		zap.Uint("log_index", logIndex),
		zap.Uint64("block", block),
		zap.String("reason", reason))

	err := s.repo.RecordSkippedEvent(ctx, &domain.SkippedEvent{
		TxHash:      txHash,
		LogIndex:    logIndex,
		BlockNumber: block,
		Reason:      truncate(reason, 255),
		RawData:     hexutil.Encode(raw),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	metrics.DepositsTotal.WithLabelValues(domain.CreditSkipped.String()).Inc()
	return nil
}

func (s *DepositService) skip(ctx context.Context, ev *domain.DepositEvent, reason string) (domain.CreditResult, error) {
	if err := s.SkipEvent(ctx, truncate(ev.TxHash, 66), ev.LogIndex, ev.BlockNumber, reason, ev.RawData); err != nil {
		return 0, err
	}
	return domain.CreditSkipped, nil
}

// validateDeposit 返回空串表示合法
func validateDeposit(ev *domain.DepositEvent) string {
	switch {
	case !txHashRe.MatchString(ev.TxHash):
		return "invalid tx hash"
	case !common.IsHexAddress(ev.WalletAddress):
		return "invalid wallet address"
	case strings.TrimSpace(ev.ExternalAccountID) == "":
		return "empty external account id"
	case len(ev.ExternalAccountID) > maxAccountLen:
		return fmt.Sprintf("external account id longer than %d bytes", maxAccountLen)
	case ev.Amount == nil || ev.Amount.Sign() <= 0:
		return "amount must be positive"
	case len(ev.Amount.String()) > maxAmountDigits:
		return fmt.Sprintf("amount has more than %d digits", maxAmountDigits)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
