package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewClient 连 etcd，拿一次状态确认可用
func NewClient(ctx context.Context, c *Config) (*clientv3.Client, error) {
	if len(c.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints")
	}
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: timeout,
		Username:    c.Username,
		Password:    c.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := cli.Status(statusCtx, c.Endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd status %s: %w", c.Endpoints[0], err)
	}
	return cli, nil
}

// EtcdLeader 基于租约的单写者锁
// 租约由 session 自动续期，进程挂掉 ttl 秒后锁自动释放
type EtcdLeader struct {
	cli *clientv3.Client
	key string
	ttl int // 租约秒数

	mu      sync.Mutex
	session *concurrency.Session
	mutex   *concurrency.Mutex
	held    bool
}

func NewEtcdLeader(cli *clientv3.Client, key string, ttl time.Duration) *EtcdLeader {
	secs := int(ttl / time.Second)
	if secs <= 0 {
		secs = 30
	}
	return &EtcdLeader{cli: cli, key: key, ttl: secs}
}

// TryAcquire 不阻塞地抢锁；已经持有且租约还活着直接返回 true
func (l *EtcdLeader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held && l.alive() {
		return true, nil
	}
	l.held = false

	if l.session == nil || !l.alive() {
		// 续约跟着 session 走，不能用单轮的 ctx
		s, err := concurrency.NewSession(l.cli,
			concurrency.WithTTL(l.ttl),
			concurrency.WithContext(context.Background()))
		if err != nil {
			return false, fmt.Errorf("etcd session: %w", err)
		}
		l.session = s
		l.mutex = concurrency.NewMutex(s, l.key)
	}

	err := l.mutex.TryLock(ctx)
	if errors.Is(err, concurrency.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("etcd trylock %s: %w", l.key, err)
	}
	l.held = true
	return true, nil
}

// Release 解锁并撤销租约
func (l *EtcdLeader) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return false, nil
	}
	released := false
	var errs []error
	if l.held {
		if err := l.mutex.Unlock(ctx); err != nil {
			errs = append(errs, fmt.Errorf("etcd unlock: %w", err))
		} else {
			released = true
		}
	}
	if err := l.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("etcd revoke: %w", err))
	}
	l.session, l.mutex, l.held = nil, nil, false
	return released, errors.Join(errs...)
}

func (l *EtcdLeader) alive() bool {
	if l.session == nil {
		return false
	}
	select {
	case <-l.session.Done():
		return false
	default:
		return true
	}
}
