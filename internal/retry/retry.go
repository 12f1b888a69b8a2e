// Package retry holds the backoff and idempotency-key primitives shared by
// the outbox and upload queues.
package retry

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Policy computes a capped exponential backoff with additive jitter. The
// pre-jitter delay is non-decreasing in the attempt count and never exceeds
// Max; jitter is uniform in [0, Jitter).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// OutboxPolicy matches the mutation queue: 1.5s base, 2m cap, 500ms jitter.
var OutboxPolicy = Policy{Base: 1500 * time.Millisecond, Max: 2 * time.Minute, Jitter: 500 * time.Millisecond}

// UploadPolicy backs off a little slower: 2s base, 3m cap, 700ms jitter.
var UploadPolicy = Policy{Base: 2 * time.Second, Max: 3 * time.Minute, Jitter: 700 * time.Millisecond}

// Delay returns the wait before the given attempt (0-based) may run again.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d <= 0 || d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// NewOpID generates a globally unique idempotency key. The prefix names the
// logical operation family and survives into server logs, so keep it short.
func NewOpID(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return prefix + "-" + ts + "-" + suffix
}
