package query

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"stockdash/internal/util"
)

// DefaultRetryDelay is the first backoff between loader attempts.
const DefaultRetryDelay = time.Second

// Cache holds one entry per query key. All state lives behind a single mutex;
// loaders run on their own goroutines and subscribers are called outside the
// lock, in transition order.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	nextID  uint64
	group   singleflight.Group

	// Pending notifications, drained by whichever goroutine published first.
	queue    []notification
	draining bool

	retryDelay time.Duration
	gcDelay    time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
}

type entry struct {
	id       uint64
	snap     Entry
	fetchSeq uint64
	inflight bool
	subs     []*subscription
	gcSeq    uint64
	gcTimer  *time.Timer
}

type subscription struct {
	fn     func(Entry)
	active atomic.Bool
}

type notification struct {
	subs []*subscription
	snap Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithRetryDelay sets the first backoff between loader attempts. It doubles
// on every further attempt up to util.MaxRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Cache) { c.retryDelay = d }
}

// WithGCDelay keeps an entry alive for d after its last subscriber leaves.
// The default of zero destroys it immediately.
func WithGCDelay(d time.Duration) Option {
	return func(c *Cache) { c.gcDelay = d }
}

// WithClock replaces time.Now for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[Key]*entry),
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns a snapshot of the entry for key. An absent key reports Idle.
func (c *Cache) Get(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.snapshot()
	}
	return Entry{Key: key, Status: Idle}
}

// has reports whether an entry exists for key.
func (c *Cache) has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// ---------------------------------------------------------------------------
// Fetching
// ---------------------------------------------------------------------------

// EnsureFresh starts one loader invocation when the entry is absent, failed,
// invalidated or older than opts.StaleAfter, unless a fetch for key is
// already in flight, in which case the call joins it. The returned channel
// receives the settled entry, or the current snapshot at once when the entry
// is fresh.
func (c *Cache) EnsureFresh(key Key, load Loader, opts Options) <-chan Entry {
	return c.ensure(key, load, opts, false)
}

// Refetch is EnsureFresh without the freshness check. It is what poll ticks
// call. It still joins an in-flight fetch rather than starting a second one.
func (c *Cache) Refetch(key Key, load Loader, opts Options) <-chan Entry {
	return c.ensure(key, load, opts, true)
}

func (c *Cache) ensure(key Key, load Loader, opts Options, force bool) <-chan Entry {
	out := make(chan Entry, 1)
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	c.mu.Lock()
	e := c.lookup(key)
	e.snap.StaleAfter = opts.StaleAfter
	if !e.inflight && !force && !e.snap.Stale(c.now()) {
		out <- e.snapshot()
		c.mu.Unlock()
		return out
	}
	if !e.inflight {
		c.begin(e, opts)
	}
	res := c.group.DoChan(e.flightKey(), func() (any, error) {
		return c.run(e, load, opts), nil
	})
	c.mu.Unlock()
	c.flush()

	go func() {
		r := <-res
		out <- r.Val.(Entry)
	}()
	return out
}

// begin moves e to Loading. Caller holds c.mu.
func (c *Cache) begin(e *entry, opts Options) {
	e.fetchSeq++
	e.inflight = true
	e.snap.Status = Loading
	e.snap.Err = nil
	e.snap.Invalidated = false
	e.snap.RetriesRemaining = opts.Retries
	c.enqueue(e)
	c.metrics.fetchStarted(e.snap.Key)
	c.logger.Debug("query fetch started", "key", e.snap.Key, "retries", opts.Retries)
}

// run invokes the loader with retry and settles the entry.
func (c *Cache) run(e *entry, load Loader, opts Options) Entry {
	key := e.snap.Key
	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var data any
	err := util.Retry(ctx, opts.Retries+1, c.retryDelay, func(attempt int) error {
		if attempt > 0 {
			c.metrics.retried(key)
		}
		v, err := load(ctx)
		if err != nil {
			if attempt < opts.Retries && !c.retryPending(e, err) {
				// Entry destroyed; stop retrying for nobody.
				cancel()
			}
			return err
		}
		data = v
		return nil
	})
	return c.settle(e, data, err, start)
}

// retryPending records a failed attempt that will be retried. It reports
// false when the entry has been destroyed.
func (c *Cache) retryPending(e *entry, err error) bool {
	c.mu.Lock()
	if c.entries[e.snap.Key] != e {
		c.mu.Unlock()
		return false
	}
	e.snap.RetriesRemaining--
	e.snap.Err = err
	c.enqueue(e)
	remaining := e.snap.RetriesRemaining
	c.mu.Unlock()
	c.flush()

	c.logger.Warn("query attempt failed, retrying", "key", e.snap.Key, "remaining", remaining, "error", err)
	return true
}

func (c *Cache) settle(e *entry, data any, err error, start time.Time) Entry {
	key := e.snap.Key

	c.mu.Lock()
	e.inflight = false
	e.snap.RetriesRemaining = 0
	if err != nil {
		e.snap.Status = Error
		e.snap.Err = err
	} else {
		e.snap.Status = Success
		e.snap.Data = data
		e.snap.Err = nil
		e.snap.FetchedAt = c.now()
	}
	snap := e.snapshot()
	alive := c.entries[key] == e
	if alive {
		c.enqueue(e)
	}
	c.mu.Unlock()

	if !alive {
		c.metrics.settled(key, "discarded", start)
		c.logger.Debug("query result discarded, entry destroyed", "key", key)
		return snap
	}
	c.flush()

	if err != nil {
		c.metrics.settled(key, "error", start)
		c.logger.Error("query failed", "key", key, "error", err)
	} else {
		c.metrics.settled(key, "success", start)
		c.logger.Debug("query succeeded", "key", key, "elapsed", time.Since(start))
	}
	return snap
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

// Invalidate marks every entry whose key matches as stale so that the next
// EnsureFresh refetches it. Data is kept. It returns the number of entries
// marked.
func (c *Cache) Invalidate(match func(Key) bool) int {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		if match(k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		e := c.entries[k]
		e.snap.Invalidated = true
		c.enqueue(e)
	}
	c.mu.Unlock()
	c.flush()

	if len(keys) > 0 {
		c.logger.Debug("queries invalidated", "count", len(keys))
	}
	return len(keys)
}

// InvalidateKey marks one entry stale and reports whether it existed.
func (c *Cache) InvalidateKey(key Key) bool {
	return c.Invalidate(func(k Key) bool { return k == key }) == 1
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// Subscribe registers fn for every transition of key, creating the entry if
// needed. The returned function unsubscribes; when the last subscriber
// leaves, the entry is destroyed after the GC delay. fn may call back into
// the cache.
func (c *Cache) Subscribe(key Key, fn func(Entry)) (unsubscribe func()) {
	s := &subscription{fn: fn}
	s.active.Store(true)

	c.mu.Lock()
	e := c.lookup(key)
	e.gcSeq++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	e.subs = append(e.subs, s)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(e, s) })
	}
}

func (c *Cache) unsubscribe(e *entry, s *subscription) {
	s.active.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(e.subs, s); i >= 0 {
		e.subs = slices.Delete(e.subs, i, i+1)
	}
	if len(e.subs) > 0 || c.entries[e.snap.Key] != e {
		return
	}
	if c.gcDelay <= 0 {
		c.destroy(e)
		return
	}
	e.gcSeq++
	seq := e.gcSeq
	e.gcTimer = time.AfterFunc(c.gcDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.gcSeq == seq && len(e.subs) == 0 && c.entries[e.snap.Key] == e {
			c.destroy(e)
		}
	})
}

// destroy removes e. Caller holds c.mu.
func (c *Cache) destroy(e *entry) {
	delete(c.entries, e.snap.Key)
	e.gcTimer = nil
	c.logger.Debug("query entry destroyed", "key", e.snap.Key, "inflight", e.inflight)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// lookup returns the entry for key, creating an Idle one. Caller holds c.mu.
func (c *Cache) lookup(key Key) *entry {
	if e, ok := c.entries[key]; ok {
		return e
	}
	c.nextID++
	e := &entry{id: c.nextID, snap: Entry{Key: key, Status: Idle}}
	c.entries[key] = e
	return e
}

func (e *entry) snapshot() Entry {
	s := e.snap
	s.Subscribers = len(e.subs)
	return s
}

// flightKey names the current fetch. A recreated entry or a new fetch never
// joins a settled one.
func (e *entry) flightKey() string {
	return string(e.snap.Key) + "#" + strconv.FormatUint(e.id, 10) + "#" + strconv.FormatUint(e.fetchSeq, 10)
}

// enqueue records a transition for delivery. Caller holds c.mu.
func (c *Cache) enqueue(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	c.queue = append(c.queue, notification{
		subs: slices.Clone(e.subs),
		snap: e.snapshot(),
	})
}

// flush delivers queued notifications in order. Only one goroutine drains at
// a time; a publisher that finds a drain in progress leaves its
// notifications to it.
func (c *Cache) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		n := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		for _, s := range n.subs {
			if s.active.Load() {
				s.fn(n.snap)
			}
		}
		c.mu.Lock()
	}
	c.queue = nil
	c.draining = false
	c.mu.Unlock()
}
