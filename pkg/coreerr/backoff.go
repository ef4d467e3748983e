package coreerr

import (
	"encoding/binary"
	"time"

	"github.com/zeebo/blake3"
)

// BackoffPolicy describes the delay between attempts of a retryable
// operation such as a journal sync request.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is used by the runtime for sync and transport retries.
var DefaultBackoff = BackoffPolicy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 5}

// Delay returns the wait before attempt (0-based). Jitter is derived from
// key so two replicas replaying the same schedule wait the same amount.
func (p BackoffPolicy) Delay(attempt int, key string) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	d := p.BaseMs * factor
	if p.MaxMs > 0 && d > p.MaxMs {
		d = p.MaxMs
	}
	return time.Duration(d+p.jitter(attempt, key)) * time.Millisecond
}

func (p BackoffPolicy) jitter(attempt int, key string) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	h := blake3.New()
	_, _ = h.WriteString(key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(attempt)) //nolint:gosec // attempt is non-negative
	_, _ = h.Write(buf[:])
	sum := h.Sum(nil)
	return int64(binary.LittleEndian.Uint64(sum[:8]) % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// ShouldRetry reports whether attempt may be retried after err.
func (p BackoffPolicy) ShouldRetry(attempt int, err error) bool {
	if !Retryable(err) {
		return false
	}
	return p.MaxAttempts <= 0 || attempt+1 < p.MaxAttempts
}
