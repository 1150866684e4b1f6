// Package ratelimit はキー（ユーザー or IP）ごとのリクエスト制限。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter *rate.Limiter
	last    time.Time
}

// MemoryLimiter はプロセス内のトークンバケット。
type MemoryLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    30 * time.Minute,
		entries: make(map[string]*entry),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.last = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1), nil
}

// Sweep は長く使われていないキーを捨てる。
func (l *MemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, e := range l.entries {
		if now.Sub(e.last) > l.idle {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// RunSweeper は ctx が終わるまで定期的に Sweep する。
func (l *MemoryLimiter) RunSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.Sweep(now)
		}
	}
}
