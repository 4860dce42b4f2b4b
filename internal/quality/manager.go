package quality

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/encoder"
)

var (
	ErrUnknownProfile = errors.New("quality: unknown profile")
	ErrExceedsSource  = errors.New("quality: profile larger than the source")
	ErrAtLimit        = errors.New("quality: no profile in that direction")
	ErrCooldown       = errors.New("quality: adjusted too recently")
)

const maxHistory = 50

// ApplyFunc hands a profile change to the encode stage.
type ApplyFunc func(encoder.ReconfigureConfig) error

// Adjustment records one profile change.
type Adjustment struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithCooldown sets the minimum time between adjustments.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) { m.cooldown = d }
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager tracks the active profile and moves along the ladder. Profiles
// larger than the source are never offered, since the encoder can only
// shrink the picture it is given.
type Manager struct {
	mu       sync.Mutex
	ladder   []Profile
	current  int
	apply    ApplyFunc
	cooldown time.Duration
	last     time.Time
	history  []Adjustment
	now      func() time.Time
	log      enclog.Logger
}

// NewManager starts at initial, which may be off-ladder.
func NewManager(bounds Resolution, initial Profile, apply ApplyFunc, opts ...Option) (*Manager, error) {
	if initial.Resolution.Width > bounds.Width || initial.Resolution.Height > bounds.Height {
		return nil, fmt.Errorf("%w: %s in %s", ErrExceedsSource, initial.Resolution, bounds)
	}
	m := &Manager{
		ladder:   ladder(bounds, initial),
		apply:    apply,
		cooldown: 5 * time.Second,
		now:      time.Now,
		log:      enclog.L().Named("quality"),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i, p := range m.ladder {
		if p.Name == initial.Name {
			m.current = i
		}
	}
	return m, nil
}

// Current returns the active profile.
func (m *Manager) Current() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ladder[m.current]
}

// Ladder returns the profiles this manager can switch to.
func (m *Manager) Ladder() []Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Profile(nil), m.ladder...)
}

// Set switches to the named profile.
func (m *Manager) Set(name, reason string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.ladder {
		if p.Name == name {
			return m.switchLocked(i, reason)
		}
	}
	if _, ok := ByName(name); ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrExceedsSource, name)
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// StepDown moves one rung toward lower quality.
func (m *Manager) StepDown(reason string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == len(m.ladder)-1 {
		return m.ladder[m.current], ErrAtLimit
	}
	return m.switchLocked(m.current+1, reason)
}

// StepUp moves one rung toward higher quality.
func (m *Manager) StepUp(reason string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == 0 {
		return m.ladder[0], ErrAtLimit
	}
	return m.switchLocked(m.current-1, reason)
}

func (m *Manager) switchLocked(i int, reason string) (Profile, error) {
	from, to := m.ladder[m.current], m.ladder[i]
	if i == m.current {
		return to, nil
	}
	now := m.now()
	if !m.last.IsZero() && now.Sub(m.last) < m.cooldown {
		return from, fmt.Errorf("%w: next change allowed in %s", ErrCooldown, m.cooldown-now.Sub(m.last))
	}
	if err := m.apply(to.Reconfigure()); err != nil {
		return from, err
	}
	m.current = i
	m.last = now
	m.history = append(m.history, Adjustment{From: from.Name, To: to.Name, Reason: reason, At: now})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.log.Info("profile changed",
		enclog.String("from", from.Name),
		enclog.String("to", to.Name),
		enclog.String("reason", reason))
	return to, nil
}

// History returns recent adjustments, oldest first.
func (m *Manager) History() []Adjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Adjustment(nil), m.history...)
}
