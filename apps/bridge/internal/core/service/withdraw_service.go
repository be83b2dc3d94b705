package service

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/metrics"
	"bridgex.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var nonceRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// WithdrawStore 提现处理需要的存储能力
type WithdrawStore interface {
	domain.WithdrawRepo
	domain.BalanceRepo
}

// WithdrawResult 单个请求处理结果，用作日志和指标的 label
type WithdrawResult string

const (
	WithdrawSigned       WithdrawResult = "signed"
	WithdrawFailed       WithdrawResult = "failed"
	WithdrawNotPending   WithdrawResult = "not_pending"
	WithdrawInsufficient WithdrawResult = "insufficient"
	WithdrawSignError    WithdrawResult = "sign_error"
)

// WithdrawService 提现签名: pending -> signed | failed
type WithdrawService struct {
	repo      WithdrawStore
	signer    domain.Signer
	chainID   *big.Int
	notifier  domain.Notifier
	batchSize int
	now       func() time.Time
}

func NewWithdrawService(repo WithdrawStore, signer domain.Signer, chainID *big.Int, notifier domain.Notifier, batchSize int) *WithdrawService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &WithdrawService{
		repo:      repo,
		signer:    signer,
		chainID:   new(big.Int).Set(chainID),
		notifier:  notifier,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessEligible 处理一批到期 (或被人工触发) 的 pending 请求
// 单个请求失败不影响后面的请求，所有错误合并返回
func (s *WithdrawService) ProcessEligible(ctx context.Context) (map[WithdrawResult]int, error) {
	reqs, err := s.repo.ListEligibleWithdrawals(ctx, s.now(), s.batchSize)
	if err != nil {
		return nil, err
	}

	stats := make(map[WithdrawResult]int)
	var errs []error
	for i := range reqs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.Process(ctx, &reqs[i])
		if res != "" {
			stats[res]++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(reqs) > 0 {
		logger.Info(ctx, "提现批处理完成", zap.Int("count", len(reqs)), zap.Any("stats", stats))
	}
	return stats, errors.Join(errs...)
}

// Process 处理单个提现请求
func (s *WithdrawService) Process(ctx context.Context, req *domain.WithdrawalRequest) (WithdrawResult, error) {
	fields := []zap.Field{
		zap.Int64("request_id", req.ID),
		zap.String("account", req.ExternalAccountID),
		zap.String("amount", req.Amount.String()),
	}

	// 1. 请求本身不合法，直接失败
	wallet, nonce, amount, reason := parseRequest(req)
	if reason != "" {
		return s.fail(ctx, req, reason, fields)
	}

	// 2. 余额检查
	balance, err := s.repo.GetBalance(ctx, req.ExternalAccountID)
	if err != nil {
		return "", err
	}
	if balance.LessThan(req.Amount) {
		return s.fail(ctx, req, "insufficient balance", append(fields, zap.String("balance", balance.String())))
	}

	// 3. 先签名：签名失败什么都不改，下一轮再来
	sig, err := s.signer.Sign(wallet, amount, nonce, s.chainID)
	if err != nil {
		logger.Error(ctx, "❌ 提现签名失败，保持 pending", append(fields, zap.Error(err))...)
		metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawSignError)).Inc()
		return WithdrawSignError, xerr.Wrap(xerr.Transient, "sign withdrawal", err)
	}

	// 4. 扣款 + 保存签名，同一个事务
	outcome, err := s.repo.DebitIfSufficientAndMarkSigned(ctx, req, sig, s.now())
	if err != nil {
		return "", err
	}

	switch outcome {
	case domain.DebitSigned:
		req.Status = domain.WithdrawStatusSigned
		req.Signature = &sig
		logger.Info(ctx, "✅ 提现已签名", fields...)
		metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawSigned)).Inc()
		if err := s.notifier.Notify(ctx, domain.TopicWithdrawalSigned, req); err != nil {
			logger.Warn(ctx, "notify withdrawal signed failed", append(fields, zap.Error(err))...)
		}
		return WithdrawSigned, nil
	case domain.DebitNotPending:
		logger.Info(ctx, "⏭️ 提现已被处理，跳过", fields...)
		metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawNotPending)).Inc()
		return WithdrawNotPending, nil
	default:
		// 余额在检查和扣款之间变了，下一轮会在第 2 步失败
		logger.Warn(ctx, "提现扣款时余额不足，下一轮重试", fields...)
		metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawInsufficient)).Inc()
		return WithdrawInsufficient, nil
	}
}

func (s *WithdrawService) fail(ctx context.Context, req *domain.WithdrawalRequest, reason string, fields []zap.Field) (WithdrawResult, error) {
	changed, err := s.repo.MarkFailed(ctx, req.ID, reason)
	if err != nil {
		return "", err
	}
	if !changed {
		logger.Info(ctx, "⏭️ 提现已被处理，跳过", fields...)
		metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawNotPending)).Inc()
		return WithdrawNotPending, nil
	}

	req.Status = domain.WithdrawStatusFailed
	req.FailReason = reason
	logger.Warn(ctx, "🚫 提现失败", append(fields, zap.String("reason", reason))...)
	metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawFailed)).Inc()
	if err := s.notifier.Notify(ctx, domain.TopicWithdrawalFailed, req); err != nil {
		logger.Warn(ctx, "notify withdrawal failed failed", append(fields, zap.Error(err))...)
	}
	return WithdrawFailed, nil
}

// RecordClaim 记录链上兑付；找不到对应的已签名请求说明签名私钥可能泄露
func (s *WithdrawService) RecordClaim(ctx context.Context, claim *domain.WithdrawalClaim) error {
	isNew, err := s.repo.RecordWithdrawalClaim(ctx, claim)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	fields := []zap.Field{
		zap.String("tx", claim.TxHash),
		zap.String("wallet", claim.WalletAddress),
		zap.String("nonce", claim.Nonce),
		zap.String("amount", claim.Amount.String()),
	}
	req, err := s.repo.FindWithdrawalByNonce(ctx, claim.WalletAddress, claim.Nonce)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error(ctx, "🚨 链上兑付找不到对应提现请求，检查签名私钥", fields...)
		return nil
	}
	if err != nil {
		return err
	}
	if req.Status != domain.WithdrawStatusSigned || !req.Amount.Equal(claim.Amount) {
		logger.Error(ctx, "🚨 链上兑付与提现请求不一致",
			append(fields, zap.Int64("request_id", req.ID), zap.String("status", string(req.Status)))...)
		return nil
	}
	logger.Info(ctx, "提现已在链上兑付", append(fields, zap.Int64("request_id", req.ID))...)
	return nil
}

func parseRequest(req *domain.WithdrawalRequest) (common.Address, common.Hash, *big.Int, string) {
	if !common.IsHexAddress(req.WalletAddress) {
		return common.Address{}, common.Hash{}, nil, "invalid wallet address"
	}
	if !nonceRe.MatchString(req.Nonce) {
		return common.Address{}, common.Hash{}, nil, "invalid nonce"
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Truncate(0)) {
		return common.Address{}, common.Hash{}, nil, "amount must be a positive integer"
	}
	amount := req.Amount.BigInt()
	if amount.BitLen() > 256 {
		return common.Address{}, common.Hash{}, nil, "amount out of uint256 range"
	}
	wallet := common.HexToAddress(strings.TrimSpace(req.WalletAddress))
	return wallet, common.HexToHash(req.Nonce), amount, ""
}
