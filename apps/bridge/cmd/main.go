package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridgex.com/apps/bridge/config"
	"bridgex.com/apps/bridge/internal/api"
	"bridgex.com/apps/bridge/internal/app/scanner"
	"bridgex.com/apps/bridge/internal/app/syncer"
	"bridgex.com/apps/bridge/internal/core/service"
	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/apps/bridge/internal/infra/ethereum"
	"bridgex.com/apps/bridge/internal/infra/notify"
	"bridgex.com/apps/bridge/internal/infra/persistence"
	"bridgex.com/pkg/election"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/orm"
	"bridgex.com/pkg/safe"
	"bridgex.com/pkg/trace"
	"bridgex.com/pkg/xredis"
	"go.uber.org/zap"
)

var configFile = flag.String("f", "", "the config file (default ./config/bridge.yaml or ./bridge.yaml)")

func main() {
	flag.Parse()

	// 1. 加载配置，缺必填项直接退出
	c, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// 2. 日志
	logger.InitWithFile(c.Name, c.Log.Level, c.Log.File)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c); err != nil {
		logger.Error(ctx, "💥 bridge syncer exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info(ctx, "👋 bridge syncer stopped")
}

func run(ctx context.Context, c *config.Config) error {
	shutdownTrace, err := trace.InitTrace(c.Name, c.Trace.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTrace(sctx)
	}()

	// 3. 数据库
	db, err := orm.New(&orm.Config{
		Driver:      c.DB.Driver,
		DSN:         c.DB.DSN,
		MaxIdle:     c.DB.MaxIdle,
		MaxOpen:     c.DB.MaxOpen,
		MaxLifetime: c.DB.MaxLifetime,
		LogLevel:    c.DB.LogLevel,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	repo := persistence.New(db)
	if c.DB.AutoMigrate {
		if err := repo.AutoMigrate(ctx); err != nil {
			return err
		}
	}

	// 4. 链
	chain, err := ethereum.Dial(ctx, ethereum.Config{
		RPCURL:        c.Chain.RPCURL,
		Contract:      c.Contract(),
		RPS:           c.Chain.RPCRPS,
		MaxTries:      c.Chain.RPCMaxTries,
		RetryInterval: c.Chain.RPCRetryInterval,
	})
	if err != nil {
		return err
	}
	defer chain.Close()

	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if c.Chain.ChainID != 0 && chainID.Cmp(big.NewInt(c.Chain.ChainID)) != 0 {
		return fmt.Errorf("chain id mismatch: config %d, node %s", c.Chain.ChainID, chainID)
	}

	signer, err := ethereum.NewSigner(c.Signer.PrivateKey)
	if err != nil {
		return err
	}

	// 5. 通知 (可选)
	var notifier domain.Notifier = notify.Nop{}
	if c.Nats.URL != "" {
		nn, err := notify.Dial(c.Nats.URL, c.Nats.Subject)
		if err != nil {
			return err
		}
		defer nn.Close()
		notifier = nn
	}

	logger.Info(ctx, "✅ Infrastructure initialized",
		zap.String("chain_id", chainID.String()),
		zap.String("contract", c.Contract().Hex()),
		zap.String("signer", signer.Address().Hex()),
		zap.String("db_driver", c.DB.Driver))

	// 6. 组装
	deposits := service.NewDepositService(repo, notifier)
	withdrawals := service.NewWithdrawService(repo, signer, chainID, notifier, c.Sync.WithdrawBatchSize)
	sc := scanner.New(scanner.Config{
		ConfirmationDepth: c.Chain.ConfirmationDepth,
		StartBlock:        c.Chain.StartBlock,
		MaxBlockRange:     c.Chain.MaxBlockRange,
		FetchConcurrency:  c.Chain.FetchConcurrency,
	}, chain, repo, deposits, withdrawals)

	opts := []syncer.Option{syncer.WithDBStats(sqlDB.Stats)}
	leader, closeLeader, err := newLeader(ctx, c)
	if err != nil {
		return err
	}
	if leader != nil {
		defer closeLeader()
		opts = append(opts, syncer.WithLeader(leader))
	}

	sy := syncer.New(syncer.Config{
		PollInterval: c.Sync.PollInterval,
		TickTimeout:  c.Sync.TickTimeout,
	}, sc, withdrawals, opts...)

	// 7. 状态接口 (可选)
	var srv *http.Server
	if c.HTTP.Addr != "" {
		h := api.NewHandler(repo, repo, api.Info{
			ChainID:  chainID.String(),
			Contract: c.Contract().Hex(),
			Signer:   signer.Address().Hex(),
		})
		srv = api.NewServer(ctx, api.Config{
			Addr:        c.HTTP.Addr,
			ServiceName: c.Name,
			RPS:         c.HTTP.RPS,
			Burst:       c.HTTP.Burst,
		}, h)
		safe.GoCtx(ctx, func(ctx context.Context) {
			logger.Info(ctx, "🌐 status api listening", zap.String("addr", c.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "status api stopped", zap.Error(err))
			}
		})
	}

	// 8. 主循环，收到信号后等当前一轮结束
	sy.Run(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn(sctx, "status api shutdown", zap.Error(err))
		}
	}
	return nil
}

// newLeader 按配置选择 redis / etcd，未配置返回 nil
func newLeader(ctx context.Context, c *config.Config) (syncer.Leader, func(), error) {
	switch c.Leader.Backend {
	case "redis":
		rdb, err := xredis.NewRedis(ctx, &xredis.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return xredis.NewLeaderLock(rdb, c.Leader.Key, c.Leader.TTL), func() { _ = rdb.Close() }, nil
	case "etcd":
		cli, err := election.NewClient(ctx, &election.Config{
			Endpoints: c.Etcd.Endpoints,
			Username:  c.Etcd.Username,
			Password:  c.Etcd.Password,
		})
		if err != nil {
			return nil, nil, err
		}
		return election.NewEtcdLeader(cli, c.Leader.Key, c.Leader.TTL), func() { _ = cli.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}
