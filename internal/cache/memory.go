package cache

import "time"

// memoryTier is a byte-budgeted map of entries. It is not safe for concurrent
// use; ResponseCache guards it with a mutex.
type memoryTier struct {
	budget    int64
	used      int64
	entries   map[string]*Entry
	policy    Policy
	evictions int64
}

func newMemoryTier(budget int64, policy Policy) *memoryTier {
	return &memoryTier{
		budget:  budget,
		entries: make(map[string]*Entry),
		policy:  policy,
	}
}

func (m *memoryTier) get(key string) (*Entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	m.policy.Accessed(key)
	return e, true
}

// fits reports whether an entry of size can be held at all.
func (m *memoryTier) fits(size int64) bool {
	return size <= m.budget
}

// put inserts e, evicting policy victims until there is room. Entries larger
// than the whole budget are rejected without evicting anything. It returns the
// number of entries evicted to make room.
func (m *memoryTier) put(e *Entry) (evicted int, ok bool) {
	if !m.fits(e.Size) {
		return 0, false
	}
	m.remove(e.Key)
	for m.used+e.Size > m.budget {
		victim, ok := m.policy.Victim()
		if !ok {
			// Accounting drifted; nothing left to evict.
			return evicted, false
		}
		m.remove(victim)
		m.evictions++
		evicted++
	}
	m.entries[e.Key] = e
	m.used += e.Size
	m.policy.Added(e.Key)
	return evicted, true
}

func (m *memoryTier) remove(key string) bool {
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	m.used -= e.Size
	m.policy.Removed(key)
	return true
}

// removeExpired drops every entry expired at now and returns how many went.
func (m *memoryTier) removeExpired(now time.Time) int {
	var n int
	for k, e := range m.entries {
		if e.expired(now) {
			m.remove(k)
			n++
		}
	}
	return n
}

func (m *memoryTier) clear() {
	for k := range m.entries {
		m.remove(k)
	}
}
