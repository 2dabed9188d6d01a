package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	lockStripes     = 64
	sweepConcurrent = 4
)

// Options configures a ResponseCache. Dir is required.
type Options struct {
	Dir         string
	MemoryBytes int64
	DefaultTTL  time.Duration
	Policy      Policy
	Logger      *zap.Logger
	// Now overrides the clock; tests use it to move past expiry.
	Now func() time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	MemoryHits    int64         `json:"memory_hits"`
	DiskHits      int64         `json:"disk_hits"`
	MemoryBytes   int64         `json:"memory_bytes"`
	MemoryEntries int           `json:"memory_entries"`
	MemoryBudget  int64         `json:"memory_budget"`
	Evictions     int64         `json:"evictions"`
	Puts          int64         `json:"puts"`
	PutFailures   int64         `json:"put_failures"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	Policy        string        `json:"policy"`
}

// HitRate returns hits over lookups in [0,1].
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// SweepStats summarizes one EvictExpired pass.
type SweepStats struct {
	Shards        int           `json:"shards"`
	Scanned       int           `json:"scanned"`
	Expired       int           `json:"expired"`
	Corrupt       int           `json:"corrupt"`
	Removed       int           `json:"removed"`
	BytesFreed    int64         `json:"bytes_freed"`
	MemoryExpired int           `json:"memory_expired"`
	Duration      time.Duration `json:"duration_ns"`
}

// ResponseCache is a two-tier cache: a byte-budgeted memory tier in front of a
// compressed disk tier. Disk failures never surface to callers; a failed read
// is a miss and a failed write makes Put return false.
type ResponseCache struct {
	disk       *diskTier
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	// mu guards mem. Stripe locks are always taken before mu.
	mu  sync.Mutex
	mem *memoryTier

	stripes [lockStripes]sync.Mutex

	hits, misses, memHits, diskHits atomic.Int64
	puts, putFailures               atomic.Int64
	lookups, latencyTotal           atomic.Int64
}

// New opens (creating if needed) a cache rooted at opts.Dir.
func New(opts Options) (*ResponseCache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if opts.MemoryBytes <= 0 {
		opts.MemoryBytes = 64 << 20
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.Policy == nil {
		opts.Policy = NewLRUPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	disk, err := newDiskTier(opts.Dir)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{
		disk:       disk,
		defaultTTL: opts.DefaultTTL,
		logger:     opts.Logger,
		now:        opts.Now,
		mem:        newMemoryTier(opts.MemoryBytes, opts.Policy),
	}, nil
}

// Close releases the compression codecs.
func (c *ResponseCache) Close() error {
	c.disk.close()
	return nil
}

func (c *ResponseCache) stripe(key string) *sync.Mutex {
	var idx uint64
	if len(key) >= 2 {
		if v, err := strconv.ParseUint(key[:2], 16, 8); err == nil {
			idx = v
		}
	}
	return &c.stripes[idx%lockStripes]
}

func (c *ResponseCache) lockKey(key string) func() {
	l := c.stripe(key)
	l.Lock()
	return l.Unlock
}

// Get looks up the entry for query and options.
func (c *ResponseCache) Get(query string, options map[string]any) (*Entry, bool) {
	return c.GetKey(Fingerprint(query, options))
}

// GetKey looks up an entry by its precomputed fingerprint. Expiry is always
// checked here, independent of when the last sweep ran.
func (c *ResponseCache) GetKey(key string) (*Entry, bool) {
	start := time.Now()
	defer c.observe(start)

	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := c.now()

	c.mu.Lock()
	if e, ok := c.mem.get(key); ok {
		if !e.expired(now) {
			out := e.clone(TierMemory)
			c.mu.Unlock()
			c.hits.Add(1)
			c.memHits.Add(1)
			return out, true
		}
		c.mem.remove(key)
	}
	c.mu.Unlock()

	e, err := c.disk.read(key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("cache: disk read failed",
				zap.String("key", key), zap.Error(fmt.Errorf("%w: %w", ErrCacheIO, err)))
		}
		c.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		if err := c.disk.remove(key); err != nil {
			c.logger.Warn("cache: removing expired entry", zap.String("key", key), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	c.mu.Lock()
	if c.mem.fits(e.Size) {
		c.mem.put(e.clone(TierMemory))
	}
	c.mu.Unlock()

	c.hits.Add(1)
	c.diskHits.Add(1)
	return e.clone(TierDisk), true
}

// Put stores payload for query and options. A ttl of zero or less uses the
// default TTL.
func (c *ResponseCache) Put(query string, options map[string]any, payload []byte, ttl time.Duration) bool {
	return c.PutKey(Fingerprint(query, options), payload, ttl)
}

// PutKey stores payload under a precomputed fingerprint. The disk tier is
// always written first; the memory tier is populated only if the disk write
// succeeded and the entry fits the memory budget.
func (c *ResponseCache) PutKey(key string, payload []byte, ttl time.Duration) bool {
	start := time.Now()
	defer c.observe(start)

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e := &Entry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		Size:      int64(len(payload)),
		Source:    TierMemory,
	}

	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	c.puts.Add(1)
	if err := c.disk.write(e); err != nil {
		c.putFailures.Add(1)
		c.logger.Warn("cache: disk write failed",
			zap.String("key", key), zap.Error(fmt.Errorf("%w: %w", ErrCacheIO, err)))
		return false
	}

	c.mu.Lock()
	if c.mem.fits(e.Size) {
		if evicted, _ := c.mem.put(e); evicted > 0 {
			c.logger.Debug("cache: evicted for space", zap.Int("entries", evicted))
		}
	} else {
		// A stale smaller copy must not outlive the new value.
		c.mem.remove(key)
	}
	c.mu.Unlock()
	return true
}

// Invalidate removes the entry for query and options from both tiers.
func (c *ResponseCache) Invalidate(query string, options map[string]any) error {
	key := Fingerprint(query, options)
	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	c.mem.remove(key)
	c.mu.Unlock()
	if err := c.disk.remove(key); err != nil {
		return fmt.Errorf("removing cache entry: %w", err)
	}
	return nil
}

// Clear empties the memory tier. Disk entries stay until they expire.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	c.mem.clear()
	c.mu.Unlock()
}

// EvictExpired removes expired and unreadable files from the disk tier and
// expired entries from memory. Shards are swept with bounded concurrency.
func (c *ResponseCache) EvictExpired(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	now := c.now()
	var out SweepStats

	c.mu.Lock()
	out.MemoryExpired = c.mem.removeExpired(now)
	c.mu.Unlock()

	shards, err := c.disk.shards()
	if err != nil {
		return out, fmt.Errorf("listing cache shards: %w", err)
	}
	out.Shards = len(shards)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrent)
	for _, dir := range shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := c.disk.sweepShard(dir, now, c.lockKey)
			if err != nil {
				c.logger.Warn("cache: sweeping shard", zap.String("dir", dir), zap.Error(err))
				return nil
			}
			mu.Lock()
			out.Scanned += s.Scanned
			out.Expired += s.Expired
			out.Corrupt += s.Corrupt
			out.Removed += s.Removed
			out.BytesFreed += s.BytesFreed
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	out.Duration = time.Since(start)
	if err != nil {
		return out, fmt.Errorf("sweeping cache: %w", err)
	}
	return out, nil
}

// Stats returns current counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		MemoryBytes:   c.mem.used,
		MemoryEntries: len(c.mem.entries),
		MemoryBudget:  c.mem.budget,
		Evictions:     c.mem.evictions,
		Policy:        c.mem.policy.Name(),
	}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.MemoryHits = c.memHits.Load()
	s.DiskHits = c.diskHits.Load()
	s.Puts = c.puts.Load()
	s.PutFailures = c.putFailures.Load()
	if n := c.lookups.Load(); n > 0 {
		s.AvgLatency = time.Duration(c.latencyTotal.Load() / n)
	}
	return s
}

func (c *ResponseCache) observe(start time.Time) {
	c.lookups.Add(1)
	c.latencyTotal.Add(int64(time.Since(start)))
}
