// Package query provides a keyed, in-memory cache of remote query results
// with staleness tracking, per-key fetch deduplication, bounded retry and
// ordered subscriber notification.
package query

import (
	"context"
	"math"
	"strings"
	"time"
)

// Key identifies one logical query, e.g. "market-movers" or
// "historical/AAPL/1mo".
type Key string

// Kind returns the first path segment of the key. It labels metrics and log
// lines so per-symbol keys do not explode cardinality.
func (k Key) Kind() string {
	s := string(k)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// HasPrefix reports whether the key starts with prefix. Handy as an
// Invalidate predicate.
func (k Key) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(k), prefix)
}

// Status is the lifecycle state of a cache entry.
type Status int

const (
	Idle Status = iota
	Loading
	Success
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Never disables age-based staleness for an entry.
const Never time.Duration = math.MaxInt64

// Loader fetches the value for one key. It is invoked at most once at a time
// per key.
type Loader func(ctx context.Context) (any, error)

// Options control one EnsureFresh or Refetch call.
type Options struct {
	// StaleAfter is how long a successful result stays fresh. Zero means
	// every EnsureFresh refetches; Never means only invalidation or an error
	// does.
	StaleAfter time.Duration
	// Retries is the number of re-attempts after the first failure.
	Retries int
}

// Entry is an immutable snapshot of one cache entry.
type Entry struct {
	Key              Key
	Status           Status
	Data             any
	Err              error
	FetchedAt        time.Time
	StaleAfter       time.Duration
	RetriesRemaining int
	Invalidated      bool
	Subscribers      int
}

// HasData reports whether a result has ever been stored for the entry.
// Data survives failed refreshes, so an Error or Loading entry may have it.
func (e Entry) HasData() bool { return e.Data != nil }

// Refreshing reports a background refresh over last-known data.
func (e Entry) Refreshing() bool { return e.Status == Loading && e.HasData() }

// Stale reports whether the entry needs a fetch at now.
func (e Entry) Stale(now time.Time) bool {
	switch {
	case e.Status == Idle, e.Status == Error, e.Invalidated:
		return true
	case e.Status == Loading:
		return false
	case e.StaleAfter == Never:
		return false
	default:
		return now.Sub(e.FetchedAt) > e.StaleAfter
	}
}

// Data returns the entry's data as T.
func Data[T any](e Entry) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}
