// Package ratecontrol paces outbound requests to each agent.
package ratecontrol

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimit is a requests-per-minute budget. Zero means unlimited.
type RateLimit struct {
	RPM int
}

// CombineLimits returns the stricter positive limit of a and b.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM)}
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// Limiters holds one token bucket per agent. The set of agents is fixed at
// construction, so lookups need no lock.
type Limiters struct {
	limiters map[string]*rate.Limiter
}

// NewLimiters builds buckets from per-agent limits combined with a global
// default. Agents that end up unlimited get no bucket.
func NewLimiters(defaultLimit RateLimit, perAgent map[string]RateLimit) *Limiters {
	l := &Limiters{limiters: make(map[string]*rate.Limiter, len(perAgent))}
	for id, limit := range perAgent {
		combined := CombineLimits(defaultLimit, limit)
		if combined.RPM <= 0 {
			continue
		}
		burst := combined.RPM / 10
		if burst < 1 {
			burst = 1
		}
		l.limiters[id] = rate.NewLimiter(rate.Limit(float64(combined.RPM)/60.0), burst)
	}
	return l
}

// Wait blocks until agentID may send a request or ctx ends.
func (l *Limiters) Wait(ctx context.Context, agentID string) error {
	if l == nil {
		return nil
	}
	lim, ok := l.limiters[agentID]
	if !ok {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", agentID, err)
	}
	return nil
}

// Allow reports whether agentID may send a request right now, consuming a
// token if so.
func (l *Limiters) Allow(agentID string) bool {
	if l == nil {
		return true
	}
	lim, ok := l.limiters[agentID]
	if !ok {
		return true
	}
	return lim.Allow()
}

// Limited reports whether agentID has a bucket.
func (l *Limiters) Limited(agentID string) bool {
	if l == nil {
		return false
	}
	_, ok := l.limiters[agentID]
	return ok
}
