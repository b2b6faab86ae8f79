// Package auth provides the per-IP request-rate control applied to the
// unlock and export endpoints.
package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterPool keeps one limiter per key (client IP). The window is a
// minute; perMinute requests are admitted per key.
type LimiterPool struct {
	mu        sync.Mutex
	m         map[string]*rate.Limiter
	perMinute int
}

// NewLimiterPool creates a pool admitting perMinute requests per key
// per 60 seconds.
func NewLimiterPool(perMinute int) *LimiterPool {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &LimiterPool{m: make(map[string]*rate.Limiter), perMinute: perMinute}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.perMinute)), p.perMinute)
	p.m[key] = l
	return l
}

// Allow reports whether a request under key is admitted now.
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
