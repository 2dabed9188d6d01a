// Package budget enforces a rolling daily token quota on fallback calls.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBudgetExceeded marks work skipped because the daily quota would be
// overrun.
var ErrBudgetExceeded = errors.New("token budget exceeded")

const (
	dayLayout         = "2006-01-02"
	maxNoteLen        = 100
	warnThreshold     = 0.80
	criticalThreshold = 0.95
)

// Usage is one successful charge, or a release when Tokens is negative.
type Usage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int64     `json:"tokens"`
	Note      string    `json:"note,omitempty"`
}

// Stats is a point-in-time view of the budget.
type Stats struct {
	Limit     int64   `json:"limit"`
	Used      int64   `json:"used"`
	Remaining int64   `json:"remaining"`
	Percent   float64 `json:"percent"`
	Day       string  `json:"day"`
	Entries   int     `json:"entries"`
}

// State is what a Persister stores between restarts.
type State struct {
	Day  string
	Used int64
}

// Persister saves budget state so usage survives a restart within one day.
type Persister interface {
	LoadBudget(ctx context.Context) (State, []Usage, error)
	SaveBudget(ctx context.Context, st State, appended *Usage) error
}

type alertLevel int

const (
	alertNone alertLevel = iota
	alertWarn
	alertCritical
)

// Options configures a Manager.
type Options struct {
	DailyLimit int64
	Persister  Persister
	Logger     *zap.Logger
	Now        func() time.Time
}

// Manager tracks token consumption against a daily limit. Check and charge
// happen in a single critical section.
type Manager struct {
	limit   int64
	persist Persister
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	day     string
	used    int64
	log     []Usage
	alerted alertLevel
}

// New returns a Manager starting from zero usage for today.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		limit:   opts.DailyLimit,
		persist: opts.Persister,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	m.day = m.today()
	return m
}

// Restore loads persisted usage. State from an earlier day is ignored.
func (m *Manager) Restore(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	st, entries, err := m.persist.LoadBudget(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Day != m.today() {
		return nil
	}
	m.day = st.Day
	m.used = st.Used
	m.log = append([]Usage(nil), entries...)
	m.alerted = m.levelFor(m.used)
	return nil
}

func (m *Manager) today() string {
	return m.now().Format(dayLayout)
}

// rollLocked starts a new window on the first call of a new calendar day.
func (m *Manager) rollLocked() {
	today := m.today()
	if today == m.day {
		return
	}
	m.logger.Info("budget: daily reset",
		zap.String("previous_day", m.day), zap.Int64("previous_used", m.used))
	m.day = today
	m.used = 0
	m.log = nil
	m.alerted = alertNone
	m.saveLocked(nil)
}

// CanAfford reports whether tokens would fit in the remaining budget.
func (m *Manager) CanAfford(tokens int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return m.fitsLocked(tokens)
}

func (m *Manager) fitsLocked(tokens int64) bool {
	return tokens >= 0 && tokens <= m.limit-m.used
}

// Charge records tokens if they fit. A charge that would exceed the limit is
// rejected whole and leaves usage untouched.
func (m *Manager) Charge(tokens int64, note string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	if !m.fitsLocked(tokens) {
		m.logger.Debug("budget: charge rejected",
			zap.Int64("tokens", tokens), zap.Int64("used", m.used), zap.Int64("limit", m.limit))
		return false
	}
	if tokens == 0 {
		return true
	}
	u := Usage{
		ID:        uuid.New().String(),
		Timestamp: m.now(),
		Tokens:    tokens,
		Note:      truncate(note, maxNoteLen),
	}
	m.used += tokens
	m.log = append(m.log, u)
	m.alertLocked()
	m.saveLocked(&u)
	return true
}

// Release returns tokens from an earlier charge that went unspent. It never
// takes usage below zero, so a release after a daily reset is a no-op.
// The release is logged as a negative usage entry.
func (m *Manager) Release(tokens int64, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	tokens = min(tokens, m.used)
	if tokens <= 0 {
		return
	}
	u := Usage{
		ID:        uuid.New().String(),
		Timestamp: m.now(),
		Tokens:    -tokens,
		Note:      truncate(note, maxNoteLen),
	}
	m.used -= tokens
	m.log = append(m.log, u)
	if m.levelFor(m.used) < m.alerted {
		m.alerted = m.levelFor(m.used)
	}
	m.saveLocked(&u)
}

// UsageStats returns the current window's figures.
func (m *Manager) UsageStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	s := Stats{
		Limit:     m.limit,
		Used:      m.used,
		Remaining: m.limit - m.used,
		Day:       m.day,
		Entries:   len(m.log),
	}
	if m.limit > 0 {
		s.Percent = float64(m.used) / float64(m.limit) * 100
	}
	return s
}

// Log returns a copy of today's usage entries, oldest first.
func (m *Manager) Log() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return append([]Usage(nil), m.log...)
}

// Reset clears today's usage.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.day = m.today()
	m.used = 0
	m.log = nil
	m.alerted = alertNone
	m.saveLocked(nil)
}

func (m *Manager) levelFor(used int64) alertLevel {
	if m.limit <= 0 {
		return alertNone
	}
	frac := float64(used) / float64(m.limit)
	switch {
	case frac >= criticalThreshold:
		return alertCritical
	case frac >= warnThreshold:
		return alertWarn
	default:
		return alertNone
	}
}

func (m *Manager) alertLocked() {
	lvl := m.levelFor(m.used)
	if lvl <= m.alerted {
		return
	}
	m.alerted = lvl
	fields := []zap.Field{zap.Int64("used", m.used), zap.Int64("limit", m.limit)}
	if lvl == alertCritical {
		m.logger.Error("budget: critical usage", fields...)
	} else {
		m.logger.Warn("budget: usage above warning threshold", fields...)
	}
}

// saveLocked persists state. Failures are logged; in-memory accounting stays
// authoritative.
func (m *Manager) saveLocked(appended *Usage) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.persist.SaveBudget(ctx, State{Day: m.day, Used: m.used}, appended); err != nil {
		m.logger.Warn("budget: persisting usage", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
