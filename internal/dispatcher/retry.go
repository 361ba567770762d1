package dispatcher

import (
	"math"
	"time"

	"github.com/nuetzliches/relayq/internal/queue"
)

// DefaultBaseDelay is the first-retry backoff unit.
const DefaultBaseDelay = 5 * time.Minute

// Decision is the outcome of the retry policy for one failed attempt.
// Either the item dead-letters now, or it retries with the incremented
// count at the computed time.
type Decision struct {
	DeadLetter  bool
	RetryCount  int
	ScheduledAt time.Time
	ProcessedAt time.Time
}

// Decide applies exponential backoff to a failed item. Pure: no storage,
// no clock of its own. With the retry budget exhausted the item
// dead-letters and keeps its final retry count; otherwise the count
// increments and the next attempt is scheduled at now + base * 2^count.
func Decide(item queue.Item, now time.Time, baseDelay time.Duration) Decision {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	if item.RetryCount+1 > item.MaxRetries {
		return Decision{
			DeadLetter:  true,
			RetryCount:  item.RetryCount,
			ProcessedAt: now,
		}
	}

	next := item.RetryCount + 1
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(next)))
	return Decision{
		RetryCount:  next,
		ScheduledAt: now.Add(delay),
	}
}
