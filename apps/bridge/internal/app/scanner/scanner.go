package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/apps/bridge/internal/infra/ethereum"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/metrics"
	"bridgex.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ConfirmationDepth uint64 // 确认数，head - depth 以内才处理
	StartBlock        uint64 // 没有游标也没有充值记录时从这里开始
	MaxBlockRange     uint64 // 单次 eth_getLogs 最多多少个块
	FetchConcurrency  int    // 同时拉几个区间
}

// DepositCrediter 充值入账
type DepositCrediter interface {
	Credit(ctx context.Context, ev *domain.DepositEvent) (domain.CreditResult, error)
	SkipEvent(ctx context.Context, txHash string, logIndex uint, block uint64, reason string, raw []byte) error
}

// ClaimRecorder 链上兑付记录
type ClaimRecorder interface {
	RecordClaim(ctx context.Context, claim *domain.WithdrawalClaim) error
}

// Stats 一轮扫描的统计
type Stats struct {
	From, To  uint64
	Applied   int
	Duplicate int
	Skipped   int
	Claims    int
}

type Scanner struct {
	cfg      Config
	reader   domain.ChainReader
	cursor   domain.CursorRepo
	deposits DepositCrediter
	claims   ClaimRecorder
}

func New(cfg Config, reader domain.ChainReader, cursor domain.CursorRepo, deposits DepositCrediter, claims ClaimRecorder) *Scanner {
	// 默认配置兜底
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	return &Scanner{
		cfg:      cfg,
		reader:   reader,
		cursor:   cursor,
		deposits: deposits,
		claims:   claims,
	}
}

// SafeHeight 链上高度减确认数，不足确认数时为 0
func (s *Scanner) SafeHeight(ctx context.Context) (uint64, error) {
	head, err := s.reader.HeadHeight(ctx)
	if err != nil {
		return 0, err
	}
	metrics.ChainHead.Set(float64(head))
	if head < s.cfg.ConfirmationDepth {
		return 0, nil
	}
	return head - s.cfg.ConfirmationDepth, nil
}

// ScanRange [from, to] 内的桥事件，按 (块高, log index) 排序
func (s *Scanner) ScanRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	logs, err := s.reader.FetchBridgeLogs(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sortLogs(logs)
	return logs, nil
}

// Cursor 当前游标；第一次运行时从已入账的最大块高或 StartBlock-1 推出来
func (s *Scanner) Cursor(ctx context.Context) (uint64, string, error) {
	cur, err := s.cursor.GetCursor(ctx)
	if err != nil {
		return 0, "", err
	}
	if cur != nil {
		return cur.LastProcessedBlock, cur.LastBlockHash, nil
	}

	last, err := s.cursor.MaxProcessedBlock(ctx)
	if err != nil {
		return 0, "", err
	}
	if last > 0 {
		// 最大块可能只处理了一半，重扫一次，靠幂等去重
		return last - 1, "", nil
	}
	if s.cfg.StartBlock > 0 {
		return s.cfg.StartBlock - 1, "", nil
	}
	return 0, "", nil
}

// RunOnce 一轮充值扫描
// 每个区间处理完才推进游标；任何一步失败直接返回，游标停在上一个完整区间
func (s *Scanner) RunOnce(ctx context.Context) (*Stats, error) {
	cursor, hash, err := s.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ScanCursor.Set(float64(cursor))

	// 🔥 游标所在块的 hash 变了，说明回滚深度超过了确认数
	if hash != "" {
		if err := s.checkReorg(ctx, cursor, hash); err != nil {
			return nil, err
		}
	}

	safe, err := s.SafeHeight(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{From: cursor + 1, To: cursor}
	if safe <= cursor {
		return stats, nil
	}

	chunks := splitRange(cursor+1, safe, s.cfg.MaxBlockRange)
	logger.Info(ctx, "🔍 开始扫描充值事件",
		zap.Uint64("from", cursor+1),
		zap.Uint64("to", safe),
		zap.Int("chunks", len(chunks)))

	// 按窗口并发拉取，窗口内按顺序处理
	window := s.cfg.FetchConcurrency
	for start := 0; start < len(chunks); start += window {
		end := start + window
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		results, errs := s.fetchAll(ctx, batch)

		for i, c := range batch {
			if errs[i] != nil {
				return stats, fmt.Errorf("fetch logs [%d, %d]: %w", c.from, c.to, errs[i])
			}
			if err := s.processChunk(ctx, c, results[i], stats); err != nil {
				return stats, err
			}
			stats.To = c.to
		}
	}

	logger.Info(ctx, "✅ 充值扫描完成",
		zap.Uint64("from", stats.From),
		zap.Uint64("to", stats.To),
		zap.Int("applied", stats.Applied),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("skipped", stats.Skipped),
		zap.Int("claims", stats.Claims))
	return stats, nil
}

func (s *Scanner) checkReorg(ctx context.Context, cursor uint64, hash string) error {
	ref, err := s.reader.BlockRef(ctx, cursor)
	if err != nil {
		return err
	}
	if ref.Hash == hash {
		return nil
	}
	metrics.ReorgDetected.Inc()
	logger.Error(ctx, "🚨 已确认区块被回滚，停止推进游标，需要人工介入",
		zap.Uint64("block", cursor),
		zap.String("stored_hash", hash),
		zap.String("chain_hash", ref.Hash))
	return domain.ErrDeepReorg
}

type blockRange struct{ from, to uint64 }

func splitRange(from, to, size uint64) []blockRange {
	out := make([]blockRange, 0, (to-from)/size+1)
	for start := from; start <= to; {
		end := start + size - 1
		if end > to || end < start {
			end = to
		}
		out = append(out, blockRange{from: start, to: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return out
}

func (s *Scanner) fetchAll(ctx context.Context, batch []blockRange) ([][]types.Log, []error) {
	results := make([][]types.Log, len(batch))
	errs := make([]error, len(batch))

	// 每个区间的错误单独记录，不互相取消：前面成功的区间还能先处理
	var g errgroup.Group
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, c := range batch {
		g.Go(func() error {
			results[i], errs[i] = s.ScanRange(ctx, c.from, c.to)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (s *Scanner) processChunk(ctx context.Context, c blockRange, logs []types.Log, stats *Stats) error {
	for _, lg := range logs {
		if err := s.processLog(ctx, lg, stats); err != nil {
			return fmt.Errorf("block %d tx %s: %w", lg.BlockNumber, lg.TxHash.Hex(), err)
		}
	}

	ref, err := s.reader.BlockRef(ctx, c.to)
	if err != nil {
		return err
	}
	if err := s.cursor.SetCursor(ctx, c.to, ref.Hash); err != nil {
		return err
	}
	metrics.ScanCursor.Set(float64(c.to))
	return nil
}

func (s *Scanner) processLog(ctx context.Context, lg types.Log, stats *Stats) error {
	if lg.Removed || len(lg.Topics) == 0 {
		return nil
	}

	switch lg.Topics[0] {
	case ethereum.DepositedTopic:
		ev, err := ethereum.DecodeDeposit(lg)
		if err != nil {
			return s.skip(ctx, lg, err, stats)
		}
		res, err := s.deposits.Credit(ctx, ev)
		if err != nil {
			return err
		}
		switch res {
		case domain.CreditApplied:
			stats.Applied++
		case domain.CreditDuplicate:
			stats.Duplicate++
		case domain.CreditSkipped:
			stats.Skipped++
		}

	case ethereum.WithdrawnTopic:
		claim, err := ethereum.DecodeWithdrawn(lg)
		if err != nil {
			return s.skip(ctx, lg, err, stats)
		}
		if err := s.claims.RecordClaim(ctx, claim); err != nil {
			return err
		}
		stats.Claims++
	}
	return nil
}

func (s *Scanner) skip(ctx context.Context, lg types.Log, cause error, stats *Stats) error {
	if !xerr.IsMalformed(cause) {
		return cause
	}
	var ce *xerr.CodeError
	reason := cause.Error()
	if errors.As(cause, &ce) {
		reason = ce.Msg
	}
	if err := s.deposits.SkipEvent(ctx, lg.TxHash.Hex(), lg.Index, lg.BlockNumber, reason, lg.Data); err != nil {
		return err
	}
	stats.Skipped++
	return nil
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

