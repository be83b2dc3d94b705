package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/ratelimit"
	"bridgex.com/pkg/xerr"
	"github.com/cenkalti/backoff/v5"
	goeth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rpcClient ethclient.Client 里用到的部分，测试时替换
type rpcClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q goeth.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

type Config struct {
	RPCURL   string
	Contract common.Address
	// 每秒最多多少个 RPC 请求，<= 0 不限
	RPS float64
	// 单次调用最多尝试几次 (含第一次)
	MaxTries uint
	// 第一次重试前等待，之后指数增长
	RetryInterval time.Duration
	Breaker       ratelimit.Rule
}

// Adapter 桥合约的只读链访问
// 每个调用: 限速 -> 熔断 -> 指数退避重试，最终失败统一包成 Transient
type Adapter struct {
	client   rpcClient
	contract common.Address
	limiter  *rate.Limiter
	breakers *ratelimit.Manager
	maxTries uint
	interval time.Duration
}

// 确保实现接口
var _ domain.ChainReader = (*Adapter)(nil)

func Dial(ctx context.Context, c Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, c.RPCURL)
	if err != nil {
		return nil, xerr.Wrap(xerr.Transient, "dial rpc", err)
	}
	return New(client, c), nil
}

func New(client rpcClient, c Config) *Adapter {
	limit := rate.Inf
	if c.RPS > 0 {
		limit = rate.Limit(c.RPS)
	}
	burst := int(c.RPS)
	if burst < 1 {
		burst = 1
	}
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}

	return &Adapter{
		client:   client,
		contract: c.Contract,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: ratelimit.NewManager(c.Breaker, nil).IgnoreErrors(isNotFound),
		maxTries: c.MaxTries,
		interval: c.RetryInterval,
	}
}

func (a *Adapter) Close() { a.client.Close() }

func (a *Adapter) HeadHeight(ctx context.Context) (uint64, error) {
	return call(ctx, a, "eth_blockNumber", a.client.BlockNumber)
}

func (a *Adapter) BlockRef(ctx context.Context, number uint64) (*domain.BlockRef, error) {
	header, err := call(ctx, a, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return nil, err
	}
	return &domain.BlockRef{
		Number: header.Number.Uint64(),
		Hash:   header.Hash().Hex(),
		Time:   header.Time,
	}, nil
}

// FetchBridgeLogs 一次 eth_getLogs 同时拿 Deposited 和 Withdrawn
func (a *Adapter) FetchBridgeLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, nil
	}
	q := goeth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.contract},
		Topics:    [][]common.Hash{{DepositedTopic, WithdrawnTopic}},
	}
	return call(ctx, a, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return a.client.FilterLogs(ctx, q)
	})
}

// ChainID 启动时读一次，签名要用
func (a *Adapter) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, a, "eth_chainId", a.client.ChainID)
}

func call[T any](ctx context.Context, a *Adapter, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	op := func() (T, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		v, err := ratelimit.Execute(a.breakers, method, func() (T, error) {
			return fn(ctx)
		})
		if err != nil && (ratelimit.IsOpen(err) || isNotFound(err)) {
			// 熔断打开时重试没有意义
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.interval
	eb.MaxInterval = 8 * a.interval

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(a.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "rpc call failed, retrying",
				zap.String("method", method),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		if isNotFound(err) {
			return v, xerr.Wrap(xerr.RecordNotFound, method, err)
		}
		return v, xerr.Wrap(xerr.Transient, fmt.Sprintf("rpc %s", method), err)
	}
	return v, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, goeth.NotFound)
}
