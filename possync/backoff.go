package possync

import (
	"math"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
)

// RetryDelay returns the wait before attempt retryCount+1, without jitter:
// base * 2^(retryCount-1) capped at MaxBackoff, raised to LongFloor when longFloor is set.
func (c Config) RetryDelay(retryCount int, longFloor bool) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := c.MaxBackoff
	// large exponents overflow; they are capped anyway.
	if exp := retryCount - 1; exp < 40 {
		d := time.Duration(float64(c.BaseBackoff) * math.Pow(2, float64(exp)))
		if d < delay {
			delay = d
		}
	}
	if longFloor && delay < c.LongFloor {
		delay = c.LongFloor
	}
	return delay
}

// usesLongFloor reports event types that touch shared stock or sale state.
func usesLongFloor(t models.JournalEventType) bool {
	return t == models.JournalEventTypeInventoryManualAdjust || t == models.JournalEventTypeProofUpload
}

// Classify decides whether err may be retried, and whether it is an auth failure.
// Untagged errors are treated as transient.
func (c Config) Classify(err error) (retriable bool, auth bool) {
	se, ok := AsSyncError(err)
	if !ok {
		return true, false
	}
	switch se.Kind {
	case KindRetriable:
		return true, false
	case KindAuth:
		return true, true
	}
	return c.IsRetriableCode(se.Code), false
}
