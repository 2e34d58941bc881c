package capacity

import (
	"context"
	"time"
)

// Usage is the current value of one ledger key's counters.
type Usage struct {
	Requests int64
	Tokens   int64
}

// Increment adds one request and Tokens to a ledger key. A zero TTL leaves
// the key without expiry.
type Increment struct {
	Key    string
	Tokens int64
	TTL    time.Duration
}

// Store is the shared counter store behind the Admission Gate.
type Store interface {
	Usage(ctx context.Context, key string) (Usage, error)
	// Increment applies every increment and resets each key's TTL.
	Increment(ctx context.Context, incs []Increment) error
	// ReleaseTokens subtracts delta from the key's token counter, clamped at
	// zero, keeping the key's TTL. A missing key is left missing.
	ReleaseTokens(ctx context.Context, key string, delta int64) error
}
