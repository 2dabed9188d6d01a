package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy(t *testing.T) {
	for _, tc := range []struct {
		name string
		want string
		err  bool
	}{
		{"", "lru", false},
		{"lru", "lru", false},
		{"fifo", "fifo", false},
		{"random", "", true},
	} {
		p, err := NewPolicy(tc.name)
		if tc.err {
			assert.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.Name())
	}
}

func TestPolicyVictimOrder(t *testing.T) {
	lru := NewLRUPolicy()
	fifo := NewFIFOPolicy()
	for _, p := range []Policy{lru, fifo} {
		p.Added("a")
		p.Added("b")
		p.Added("c")
		p.Accessed("a")
	}

	v, ok := lru.Victim()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = fifo.Victim()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	for _, p := range []Policy{lru, fifo} {
		p.Removed("a")
		p.Removed("b")
		p.Removed("c")
		_, ok := p.Victim()
		assert.False(t, ok, p.Name())
	}
}

func TestMemoryTierRejectsOversize(t *testing.T) {
	m := newMemoryTier(5, NewLRUPolicy())
	_, ok := m.put(&Entry{Key: "k", Size: 6})
	assert.False(t, ok)
	assert.Zero(t, m.used)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("Top Sellers", map[string]any{"b": 2, "a": 1})
	b := Fingerprint(" top sellers ", map[string]any{"a": 1, "b": 2})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint("top sellers", nil))
	assert.Equal(t, Fingerprint("x", nil), Fingerprint("x", map[string]any{}))
}
