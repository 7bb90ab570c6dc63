package possync

import (
	"math/rand"
	"strings"
	"time"
)

// Config is the engine tuning. It is copied at construction and never mutated.
type Config struct {
	PageSize      int
	ManifestLimit int
	BatchSize     int
	MaxRetries    int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxJitter   time.Duration
	// LongFloor is the minimum retry delay for inventory and proof events.
	LongFloor time.Duration

	retriableCodes map[string]bool
}

var defaultRetriableCodes = []string{
	CodeStorageError,
	CodeRateLimited,
	CodeServerError,
	CodeStockReadFailed,
	CodeStockWriteFailed,
	CodeTransportFailure,
	CodeLegacyFetchFailed,
}

// retriableCodePrefix marks POS-side transient conditions.
const retriableCodePrefix = "POS_"

func DefaultConfig() Config {
	return NewConfig(Config{})
}

// NewConfig fills zero fields with defaults. codes replaces the retriable code set
// when non-empty.
func NewConfig(c Config, codes ...string) Config {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.ManifestLimit <= 0 {
		c.ManifestLimit = 5000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	} else if c.MaxJitter == 0 {
		c.MaxJitter = 250 * time.Millisecond
	}
	if c.LongFloor <= 0 {
		c.LongFloor = 30 * time.Minute
	}
	if len(codes) == 0 {
		codes = defaultRetriableCodes
	}
	set := make(map[string]bool, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			set[code] = true
		}
	}
	c.retriableCodes = set
	return c
}

// IsRetriableCode reports whether code alone marks a transient failure.
func (c Config) IsRetriableCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	if strings.HasPrefix(code, retriableCodePrefix) {
		return true
	}
	return c.retriableCodes[code]
}

// RetriableCodes returns a copy of the configured set.
func (c Config) RetriableCodes() []string {
	out := make([]string, 0, len(c.retriableCodes))
	for code := range c.retriableCodes {
		out = append(out, code)
	}
	return out
}

// JitterFunc returns a random delay in [0, max].
type JitterFunc func(max time.Duration) time.Duration

func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func NoJitter(time.Duration) time.Duration { return 0 }

// Clock abstracts wall time so runs can be replayed in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
