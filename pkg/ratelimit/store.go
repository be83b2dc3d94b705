package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bridgex.com/pkg/safe"
	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano 最后访问时间
}

// Store 按 key 分桶的令牌桶，HTTP 接口按 ip+route 限流用
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		entries: make(map[string]*entry, 256),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
	}
}

func (s *Store) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst), lastSeen: now}
		s.entries[key] = e
		return e.limiter
	}
	atomic.StoreInt64(&e.lastSeen, now)
	return e.limiter
}

// Allow 不等待，没令牌直接拒绝
func (s *Store) Allow(key string) bool { return s.get(key).Allow() }

// Wait 阻塞到拿到令牌或 ctx 结束
func (s *Store) Wait(ctx context.Context, key string) error { return s.get(key).Wait(ctx) }

// Len 当前桶数量
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor 定期清理长时间没访问的桶
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup(time.Now())
			}
		}
	})
}

func (s *Store) cleanup(now time.Time) {
	cut := now.Add(-s.ttl).UnixNano()

	s.mu.Lock()
	for k, e := range s.entries {
		if atomic.LoadInt64(&e.lastSeen) < cut {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
