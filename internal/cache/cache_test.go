package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, memBytes int64, policy Policy) (*ResponseCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := New(Options{
		Dir:         t.TempDir(),
		MemoryBytes: memBytes,
		Policy:      policy,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func TestPutGetFromMemory(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)

	ok := c.Put("q1", map[string]any{}, []byte(`{"x":1}`), 24*time.Hour)
	require.True(t, ok)

	e, hit := c.Get("q1", map[string]any{})
	require.True(t, hit)
	assert.Equal(t, []byte(`{"x":1}`), e.Payload)
	assert.Equal(t, TierMemory, e.Source)
	assert.True(t, e.ExpiresAt.After(e.CachedAt))

	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.MemoryHits)
	assert.EqualValues(t, 7, s.MemoryBytes)
	assert.Equal(t, 1, s.MemoryEntries)
}

func TestGetIsCaseAndWhitespaceInsensitive(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("  Sales BY Region ", nil, []byte("p"), 0))

	_, hit := c.Get("sales by region", nil)
	assert.True(t, hit)
	_, hit = c.Get("sales by region", map[string]any{"limit": 5})
	assert.False(t, hit, "different options are a different key")
}

func TestReturnedPayloadIsACopy(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	payload := []byte("abc")
	require.True(t, c.Put("q", nil, payload, time.Hour))
	payload[0] = 'z'

	e, _ := c.Get("q", nil)
	e.Payload[1] = 'z'

	again, _ := c.Get("q", nil)
	assert.Equal(t, []byte("abc"), again.Payload)
}

func TestDiskHitWhenTooLargeForMemory(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	require.True(t, c.Put("big", nil, []byte("0123456789"), time.Hour))

	e, hit := c.Get("big", nil)
	require.True(t, hit)
	assert.Equal(t, TierDisk, e.Source)
	assert.Equal(t, []byte("0123456789"), e.Payload)
	assert.Zero(t, c.Stats().MemoryEntries)
}

func TestDiskHitIsPromoted(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("q", nil, []byte("payload"), time.Hour))
	c.Clear()

	e, hit := c.Get("q", nil)
	require.True(t, hit)
	assert.Equal(t, TierDisk, e.Source)

	e, hit = c.Get("q", nil)
	require.True(t, hit)
	assert.Equal(t, TierMemory, e.Source)
}

func TestExpiredEntryIsAMissWithoutSweep(t *testing.T) {
	c, clock := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("q", nil, []byte("v"), time.Hour))

	clock.Advance(time.Hour)
	_, hit := c.Get("q", nil)
	assert.False(t, hit)

	_, err := os.Stat(c.disk.path(Fingerprint("q", nil)))
	assert.True(t, os.IsNotExist(err), "expired disk entry removed on read")
}

func TestEvictionLRU(t *testing.T) {
	c, _ := newTestCache(t, 10, NewLRUPolicy())
	require.True(t, c.Put("a", nil, []byte("aaaa"), time.Hour))
	require.True(t, c.Put("b", nil, []byte("bbbb"), time.Hour))
	_, _ = c.Get("a", nil) // a is now most recent
	require.True(t, c.Put("c", nil, []byte("cccc"), time.Hour))

	s := c.Stats()
	assert.EqualValues(t, 1, s.Evictions, "only as much as needed")
	assert.EqualValues(t, 8, s.MemoryBytes)

	e, _ := c.Get("a", nil)
	assert.Equal(t, TierMemory, e.Source)
	e, _ = c.Get("b", nil)
	assert.Equal(t, TierDisk, e.Source, "b was the LRU victim but survives on disk")
}

func TestEvictionFIFO(t *testing.T) {
	c, _ := newTestCache(t, 10, NewFIFOPolicy())
	require.True(t, c.Put("a", nil, []byte("aaaa"), time.Hour))
	require.True(t, c.Put("b", nil, []byte("bbbb"), time.Hour))
	_, _ = c.Get("a", nil)
	require.True(t, c.Put("c", nil, []byte("cccc"), time.Hour))

	e, _ := c.Get("a", nil)
	assert.Equal(t, TierDisk, e.Source, "reads do not protect a from FIFO eviction")
}

func TestDiskWriteFailureReturnsFalse(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	key := Fingerprint("q", nil)
	// A regular file where the shard directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(c.disk.root, key[:2]), []byte("x"), 0o644))

	assert.False(t, c.Put("q", nil, []byte("v"), time.Hour))
	_, hit := c.Get("q", nil)
	assert.False(t, hit)
	assert.EqualValues(t, 1, c.Stats().PutFailures)
}

func TestCorruptDiskEntryIsAMiss(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("q", nil, []byte("v"), time.Hour))
	c.Clear()
	require.NoError(t, os.WriteFile(c.disk.path(Fingerprint("q", nil)), []byte("not zstd"), 0o644))

	_, hit := c.Get("q", nil)
	assert.False(t, hit)
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("q", nil, []byte("v"), time.Hour))
	require.NoError(t, c.Invalidate("q", nil))

	_, hit := c.Get("q", nil)
	assert.False(t, hit)
	require.NoError(t, c.Invalidate("never-stored", nil))
}

func TestEvictExpired(t *testing.T) {
	c, clock := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("short", nil, []byte("1"), time.Minute))
	require.True(t, c.Put("long", nil, []byte("2"), 48*time.Hour))
	require.True(t, c.Put("corrupt", nil, []byte("3"), 48*time.Hour))
	require.NoError(t, os.WriteFile(c.disk.path(Fingerprint("corrupt", nil)), []byte("junk"), 0o644))

	clock.Advance(time.Hour)
	stats, err := c.EvictExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Corrupt)
	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, 1, stats.MemoryExpired)

	_, hit := c.Get("long", nil)
	assert.True(t, hit)
}

func TestEvictExpiredDoesNotRemoveConcurrentPut(t *testing.T) {
	c, clock := newTestCache(t, 1<<20, nil)
	key := Fingerprint("report", nil)
	require.True(t, c.PutKey(key, []byte("old"), time.Minute))
	clock.Advance(time.Hour)

	putDone := make(chan bool)
	c.disk.beforeRemove = func(string) {
		go func() { putDone <- c.PutKey(key, []byte("fresh"), 48*time.Hour) }()
		// Give the writer a chance to race the removal.
		time.Sleep(50 * time.Millisecond)
	}

	stats, err := c.EvictExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	require.True(t, <-putDone)

	e, err := c.disk.read(key)
	require.NoError(t, err, "fresh entry written during the sweep must survive")
	assert.Equal(t, []byte("fresh"), e.Payload)
}

func TestEvictExpiredCancelled(t *testing.T) {
	c, _ := newTestCache(t, 1<<20, nil)
	require.True(t, c.Put("q", nil, []byte("v"), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.EvictExpired(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentPutGet(t *testing.T) {
	c, _ := newTestCache(t, 64, nil)
	queries := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q := queries[(i+j)%len(queries)]
				c.Put(q, nil, []byte("payload-"+q), time.Hour)
				if e, ok := c.Get(q, nil); ok {
					assert.Equal(t, "payload-"+q, string(e.Payload))
				}
			}
		}(i)
	}
	wg.Wait()

	s := c.Stats()
	assert.LessOrEqual(t, s.MemoryBytes, int64(64))
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
