package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

// Manager 每个 RPC 方法一个熔断器，节点挂了快速失败，不把 tick 卡死在超时上
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[any]

	defaultRule Rule
	rules       map[string]Rule
	// 哪些错误不算依赖不健康
	ignore func(err error) bool
}

func NewManager(defaultRule Rule, perMethod map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[any], 8),
		defaultRule: defaultRule,
		rules:       perMethod,
	}
}

// IgnoreErrors 设置不计入熔断失败的错误
func (m *Manager) IgnoreErrors(fn func(err error) bool) *Manager {
	m.ignore = fn
	return m
}

func (m *Manager) Get(method string) *gobreaker.CircuitBreaker[any] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[method]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[method]; cb != nil {
		return cb
	}

	rule, ok := m.rules[method]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        method,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},

		IsSuccessful: m.isSuccessful,
	}

	cb = gobreaker.NewCircuitBreaker[any](st)
	m.m[method] = cb
	return cb
}

// Execute 在 method 对应的熔断器里执行 fn
func Execute[T any](m *Manager, method string, fn func() (T, error)) (T, error) {
	var zero T
	res, err := m.Get(method).Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// IsOpen 熔断器打开 (或半开探测名额用完)
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (m *Manager) isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	// 调用方自己取消的不算节点的问题
	if errors.Is(err, context.Canceled) {
		return true
	}
	if m.ignore != nil && m.ignore(err) {
		return true
	}
	return false
}
