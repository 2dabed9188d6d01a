package cache

import (
	"errors"
	"time"
)

// ErrCacheIO marks a disk tier failure. It is logged and counted, never
// returned to callers: disk errors degrade to a miss.
var ErrCacheIO = errors.New("cache io error")

// Tier identifies where an entry was served from.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// Entry is a cached payload. Entries handed to callers are copies.
type Entry struct {
	Key       string
	Payload   []byte
	CachedAt  time.Time
	ExpiresAt time.Time
	Size      int64
	Source    Tier
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *Entry) clone(src Tier) *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Source = src
	return &c
}
