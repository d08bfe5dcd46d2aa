package httpapi

import (
	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/ratelimit"
)

// Limiter adapts a ratelimit.Limiter to the orchestrator's checker
// interface so one limiter serves both the pipeline and the handlers
type Limiter struct {
	*ratelimit.Limiter
}

func (l Limiter) Check(key, endpoint string) synccash.RateLimitResult {
	res := l.Limiter.Check(key, endpoint)
	return synccash.RateLimitResult{
		Allowed:    res.Allowed,
		RetryAfter: res.RetryAfter,
	}
}
