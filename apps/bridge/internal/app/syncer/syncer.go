package syncer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"bridgex.com/apps/bridge/internal/app/scanner"
	"bridgex.com/apps/bridge/internal/core/service"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/metrics"
	"bridgex.com/pkg/safe"
	"bridgex.com/pkg/trace"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("bridgex.com/apps/bridge/internal/app/syncer")

// ErrTickBusy 上一轮还没结束
var ErrTickBusy = errors.New("tick already running")

type Config struct {
	PollInterval time.Duration // 两轮之间的间隔
	TickTimeout  time.Duration // 单轮最长时间
}

type DepositStage interface {
	RunOnce(ctx context.Context) (*scanner.Stats, error)
}

type WithdrawStage interface {
	ProcessEligible(ctx context.Context) (map[service.WithdrawResult]int, error)
}

// Leader 多实例时的单写者租约
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
}

type Option func(*Syncer)

// WithLeader 配了 Redis 才有
func WithLeader(l Leader) Option { return func(s *Syncer) { s.leader = l } }

// WithDBStats 每轮结束上报连接池状态
func WithDBStats(fn func() sql.DBStats) Option { return func(s *Syncer) { s.dbStats = fn } }

// Syncer 同步主循环: 每一轮先扫充值，再处理提现，轮与轮之间不重叠
type Syncer struct {
	cfg         Config
	deposits    DepositStage
	withdrawals WithdrawStage
	leader      Leader
	dbStats     func() sql.DBStats

	mu sync.Mutex
}

func New(cfg Config, deposits DepositStage, withdrawals WithdrawStage, opts ...Option) *Syncer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 2 * time.Minute
	}
	s := &Syncer{cfg: cfg, deposits: deposits, withdrawals: withdrawals}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 启动后立刻跑一轮，之后每 PollInterval 一轮，ctx 结束退出
// 每一轮同步执行，慢的一轮会让下一个 tick 顺延而不是并发
func (s *Syncer) Run(ctx context.Context) {
	logger.Info(ctx, "🚀 Syncer started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("tick_timeout", s.cfg.TickTimeout),
		zap.Bool("leader_election", s.leader != nil))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickBusy) {
			logger.Error(ctx, "tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.release()
			logger.Info(ctx, "🛑 Syncer stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick 一轮同步；已经有一轮在跑时直接返回 ErrTickBusy
func (s *Syncer) Tick(parent context.Context) error {
	if !s.mu.TryLock() {
		metrics.TicksSkipped.WithLabelValues("busy").Inc()
		return ErrTickBusy
	}
	defer s.mu.Unlock()

	if parent.Err() != nil {
		return parent.Err()
	}

	ctx, span := tracer.Start(parent, "sync.tick")
	defer span.End()

	// 有采样的 span 就用 span 的 trace id，日志和链路能对上
	traceID := trace.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx = logger.WithTraceID(ctx, traceID)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	if s.leader != nil {
		ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			metrics.TickErrors.WithLabelValues("leader").Inc()
			return err
		}
		if !ok {
			metrics.TicksSkipped.WithLabelValues("not_leader").Inc()
			logger.Debug(ctx, "not leader, skip tick")
			return nil
		}
	}

	var errs []error

	// 1. 充值：扫到安全高度为止
	err := safe.Call(ctx, func(ctx context.Context) error {
		st, err := s.deposits.RunOnce(ctx)
		if st != nil {
			span.SetAttributes(
				attribute.Int64("scan.from", int64(st.From)),
				attribute.Int64("scan.to", int64(st.To)),
				attribute.Int("scan.applied", st.Applied),
			)
		}
		return err
	})
	if err != nil {
		metrics.TickErrors.WithLabelValues("deposits").Inc()
		logger.Error(ctx, "❌ deposit stage failed", zap.Error(err))
		errs = append(errs, err)
	}

	// 2. 提现：充值阶段失败不影响提现，余额检查本身是原子的
	err = safe.Call(ctx, func(ctx context.Context) error {
		_, err := s.withdrawals.ProcessEligible(ctx)
		return err
	})
	if err != nil {
		metrics.TickErrors.WithLabelValues("withdrawals").Inc()
		logger.Error(ctx, "❌ withdrawal stage failed", zap.Error(err))
		errs = append(errs, err)
	}

	if s.dbStats != nil {
		metrics.ObserveDBStats(s.dbStats())
	}
	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick failed")
	}
	return err
}

func (s *Syncer) release() {
	if s.leader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.leader.Release(ctx); err != nil {
		logger.Warn(ctx, "release leader lock failed", zap.Error(err))
	}
}
