package patterns

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the pattern catalogue. Callers must not
// modify the slices it hands out.
type Snapshot struct {
	generation uint64
	loadedAt   time.Time
	records    []Record
	byID       map[string]int
}

func newSnapshot(gen uint64, records []Record) *Snapshot {
	s := &Snapshot{
		generation: gen,
		loadedAt:   time.Now().UTC(),
		records:    make([]Record, 0, len(records)),
		byID:       make(map[string]int, len(records)),
	}
	for _, r := range records {
		n := r.normalized()
		if n.ID == "" {
			continue
		}
		// Last definition of a duplicated id wins.
		if i, ok := s.byID[n.ID]; ok {
			s.records[i] = n
			continue
		}
		s.byID[n.ID] = len(s.records)
		s.records = append(s.records, n)
	}
	return s
}

// Generation increases by one on every reload. The empty initial snapshot is 0.
func (s *Snapshot) Generation() uint64 { return s.generation }

// LoadedAt reports when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.records) }

// Records returns the records in load order.
func (s *Snapshot) Records() []Record { return s.records }

// Get looks up a record by id.
func (s *Snapshot) Get(id string) (Record, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Descriptions returns every record description, in load order. This is the
// context handed to the generative fallback.
func (s *Snapshot) Descriptions() []string {
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Description
	}
	return out
}

// Store publishes the current Snapshot. Reads are lock-free; reloads are
// serialized so generations are published in order.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu  sync.Mutex
	gen uint64
}

// NewStore returns a Store holding an empty generation-0 snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(newSnapshot(0, nil))
	return s
}

// Current returns the snapshot in effect at the time of the call. A caller that
// needs a consistent view across several reads should hold on to it.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload builds a new snapshot from records and swaps it in.
func (s *Store) Reload(records []Record) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	snap := newSnapshot(s.gen, records)
	s.current.Store(snap)
	return snap
}
