package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry holds one circuit breaker per domain: three consecutive
// rate-limit cooldowns within a rolling window trip the breaker open. The
// breaker state lives in this process only; no worker, engine driver or
// cooldown path in this repository consults it, so an open breaker does not
// make any worker back off.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *BreakerRegistry) breakerFor(domain string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[domain]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        domain,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	b.breakers[domain] = cb
	return cb
}

// RecordCooldown reports a rate-limit cooldown to the domain's breaker. Call
// this each time WriteCooldown is called for that domain.
func (b *BreakerRegistry) RecordCooldown(domain string) {
	cb := b.breakerFor(domain)
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, fmt.Errorf("rate limited")
	})
}

// RecordSuccess clears the domain's consecutive-failure count after a turn
// completes without hitting a rate limit.
func (b *BreakerRegistry) RecordSuccess(domain string) {
	cb := b.breakerFor(domain)
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
}

// Open reports whether domain's breaker is currently tripped. A worker must
// treat this the same as an active cooldown: do not invoke the engine.
func (b *BreakerRegistry) Open(domain string) bool {
	return b.breakerFor(domain).State() == gobreaker.StateOpen
}
