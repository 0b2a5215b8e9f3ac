package realtime

import (
	"time"

	"github.com/xkilldash9x/forensync/internal/config"
)

// DefaultReconnectDelay is the fixed delay between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long to wait before each reconnect attempt and
// when to give up. The zero value retries every DefaultReconnectDelay forever.
type ReconnectPolicy struct {
	Delay time.Duration
	// Multiplier grows the delay per consecutive failure; values <= 1 keep it fixed.
	Multiplier float64
	// MaxDelay caps the grown delay; zero means no cap.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive reconnects allowed; zero means unlimited.
	MaxAttempts int
}

// PolicyFromConfig builds a policy from the realtime settings.
func PolicyFromConfig(cfg config.RealtimeConfig) ReconnectPolicy {
	return ReconnectPolicy{
		Delay:       cfg.ReconnectDelay,
		Multiplier:  cfg.BackoffMultiplier,
		MaxDelay:    cfg.MaxReconnectDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Exhausted reports whether attempts consecutive reconnects use up the budget.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (p ReconnectPolicy) Backoff(n int) time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if p.Multiplier > 1 {
		for i := 1; i < n; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
