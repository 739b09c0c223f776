// Package state tracks the device-visible state and fans transitions out to
// registered listeners (status LED, peer notifications). ERROR and DROP are
// auto-expiring: a one-shot timer restores NOT_CONNECTED.
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cendern/toothpaste/internal/logging"
)

// State is the device-visible state. Exactly one value is current.
type State uint8

const (
	NotConnected State = iota
	Unpaired
	Pairing
	Ready
	Disconnected
	Error
	Drop
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Unpaired:
		return "UNPAIRED"
	case Pairing:
		return "PAIRING"
	case Ready:
		return "READY"
	case Disconnected:
		return "DISCONNECTED"
	case Error:
		return "ERROR"
	case Drop:
		return "DROP"
	default:
		return "UNKNOWN"
	}
}

// RecoverAfter is how long ERROR and DROP persist before the machine
// restores NOT_CONNECTED.
const RecoverAfter = 3 * time.Second

// Listener receives state transitions. Listeners run synchronously inside
// Set, in registration order; they must not call back into the machine.
type Listener func(old, new State)

// stopper cancels a pending one-shot timer.
type stopper interface {
	Stop() bool
}

// Machine is the process-wide state slot.
type Machine struct {
	logger *slog.Logger

	// afterFunc is swappable so tests can drive recovery deterministically.
	afterFunc func(d time.Duration, fn func()) stopper

	mu         sync.Mutex
	current    State
	listeners  []Listener
	pending    stopper
	generation uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithTimer replaces the one-shot timer factory used for auto-recovery.
func WithTimer(afterFunc func(d time.Duration, fn func()) stopper) Option {
	return func(m *Machine) { m.afterFunc = afterFunc }
}

// New creates a machine in NOT_CONNECTED.
func New(logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := &Machine{
		logger:  logger.With(logging.KeyComponent, "state"),
		current: NotConnected,
		afterFunc: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers a transition listener.
func (m *Machine) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Get returns the current state.
func (m *Machine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set transitions to the new state. Same-state sets are no-ops. Entering
// ERROR or DROP arms the recovery timer; any transition cancels a pending
// one.
func (m *Machine) Set(next State) {
	m.mu.Lock()

	if next == m.current {
		m.mu.Unlock()
		return
	}

	old := m.current
	m.current = next
	m.generation++
	gen := m.generation

	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	if next == Error || next == Drop {
		m.pending = m.afterFunc(RecoverAfter, func() { m.recover(gen) })
	}

	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Debug("state transition",
		"from", old.String(),
		logging.KeyState, next.String())

	for _, l := range listeners {
		l(old, next)
	}
}

// recover fires from the one-shot timer. A stale generation means another
// transition happened first; do nothing then.
func (m *Machine) recover(gen uint64) {
	m.mu.Lock()
	stale := gen != m.generation
	m.mu.Unlock()
	if stale {
		return
	}
	m.Set(NotConnected)
}
