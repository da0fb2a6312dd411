package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"mangafetch/internal"
)

// BandwidthLimiter caps transfer throughput in bytes per second. Requests
// larger than the burst are split so a single chunk never exceeds it.
type BandwidthLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewBandwidthLimiter creates a limiter; a non-positive rate disables limiting
func NewBandwidthLimiter(bytesPerSecond int64) internal.RateLimiter {
	l := &BandwidthLimiter{}
	l.SetRate(bytesPerSecond)
	return l
}

// Wait blocks until n bytes may be consumed
func (b *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	b.mu.RLock()
	limiter := b.limiter
	b.mu.RUnlock()

	if limiter == nil || n <= 0 {
		return nil
	}

	burst := limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// SetRate updates the rate limit
func (b *BandwidthLimiter) SetRate(bytesPerSecond int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bytesPerSecond <= 0 {
		b.limiter = nil
		return
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst <= 0 {
		burst = int(^uint(0) >> 1)
	}
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
		return
	}
	b.limiter.SetLimit(rate.Limit(bytesPerSecond))
	b.limiter.SetBurst(burst)
}

// ParseRateLimit parses human-readable rate limit strings (e.g., "5M", "1G")
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	// Handle pure numbers (bytes per second)
	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %d", val)
		}
		return val, nil
	}

	if len(rateStr) < 2 {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	var numStr, suffix string
	rateUpper := strings.ToUpper(rateStr)

	// Check for 2-character suffixes first (KB, MB, GB, TB)
	if len(rateUpper) >= 3 && (strings.HasSuffix(rateUpper, "KB") ||
		strings.HasSuffix(rateUpper, "MB") ||
		strings.HasSuffix(rateUpper, "GB") ||
		strings.HasSuffix(rateUpper, "TB")) {
		numStr = rateStr[:len(rateStr)-2]
		suffix = rateUpper[len(rateUpper)-2:]
	} else {
		numStr = rateStr[:len(rateStr)-1]
		suffix = rateUpper[len(rateUpper)-1:]
	}

	baseValue, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if baseValue < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %f", baseValue)
	}

	var multiplier int64
	switch suffix {
	case "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	case "T", "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unsupported rate suffix: %s (supported: B, K/KB, M/MB, G/GB, T/TB)", suffix)
	}

	result := int64(baseValue * float64(multiplier))
	if result < 0 {
		return 0, fmt.Errorf("rate value overflow")
	}

	return result, nil
}
