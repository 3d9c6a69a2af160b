package service

import (
	"time"

	"golang.org/x/time/rate"
)

// attemptGuard spends one token per failed unlock. With the bucket empty,
// unlocks are refused before the KDF runs; tokens refill one per delay.
type attemptGuard struct {
	limiter     *rate.Limiter
	maxAttempts int
	consecutive int
}

func newAttemptGuard(maxAttempts int, delay time.Duration) *attemptGuard {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &attemptGuard{
		limiter:     rate.NewLimiter(rate.Every(delay), maxAttempts),
		maxAttempts: maxAttempts,
	}
}

func (g *attemptGuard) allow(now time.Time) bool {
	return g.limiter.TokensAt(now) >= 1
}

// fail records a failed attempt and reports the consecutive count and
// whether it just reached the trigger threshold.
func (g *attemptGuard) fail(now time.Time) (int, bool) {
	g.limiter.AllowN(now, 1)
	g.consecutive++
	return g.consecutive, g.consecutive == g.maxAttempts
}

func (g *attemptGuard) reset() {
	g.consecutive = 0
}
