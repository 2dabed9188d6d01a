package cache

import (
	"container/list"
	"fmt"
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Policy decides which memory-tier entry goes first under space pressure.
// Implementations are not safe for concurrent use; the memory tier serializes
// access.
type Policy interface {
	// Added records a newly inserted key.
	Added(key string)
	// Accessed records a read hit.
	Accessed(key string)
	// Removed forgets a key.
	Removed(key string)
	// Victim returns the next key to evict without removing it.
	Victim() (string, bool)
	Name() string
}

// NewPolicy returns the named policy: "lru" (default) or "fifo".
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", "lru":
		return NewLRUPolicy(), nil
	case "fifo":
		return NewFIFOPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// LRUPolicy evicts the least recently used key. Recency ordering is delegated
// to simplelru, sized so that it never evicts on its own; capacity is the
// memory tier's concern.
type LRUPolicy struct {
	order *simplelru.LRU[string, struct{}]
}

func NewLRUPolicy() *LRUPolicy {
	l, err := simplelru.NewLRU[string, struct{}](math.MaxInt32, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &LRUPolicy{order: l}
}

func (p *LRUPolicy) Added(key string)    { p.order.Add(key, struct{}{}) }
func (p *LRUPolicy) Accessed(key string) { p.order.Get(key) }
func (p *LRUPolicy) Removed(key string)  { p.order.Remove(key) }
func (p *LRUPolicy) Name() string        { return "lru" }

func (p *LRUPolicy) Victim() (string, bool) {
	k, _, ok := p.order.GetOldest()
	return k, ok
}

// FIFOPolicy evicts in insertion order; reads do not refresh a key.
type FIFOPolicy struct {
	order *list.List
	elems map[string]*list.Element
}

func NewFIFOPolicy() *FIFOPolicy {
	return &FIFOPolicy{order: list.New(), elems: make(map[string]*list.Element)}
}

func (p *FIFOPolicy) Added(key string) {
	if el, ok := p.elems[key]; ok {
		p.order.MoveToBack(el)
		return
	}
	p.elems[key] = p.order.PushBack(key)
}

func (p *FIFOPolicy) Accessed(string) {}

func (p *FIFOPolicy) Removed(key string) {
	if el, ok := p.elems[key]; ok {
		p.order.Remove(el)
		delete(p.elems, key)
	}
}

func (p *FIFOPolicy) Victim() (string, bool) {
	front := p.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

func (p *FIFOPolicy) Name() string { return "fifo" }
