package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SweepRun is one recorded cache sweep.
type SweepRun struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	Scanned    int
	Removed    int
	BytesFreed int64
	Error      string
}
