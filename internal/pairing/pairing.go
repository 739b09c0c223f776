// Package pairing implements the operator-initiated enrollment flow: on
// button hold the device generates a fresh ephemeral keypair and, after a
// short delay that lets the operator focus a text field on the host, types
// the base64 public key over the keyboard interface. The peer's AUTH write
// then completes the exchange on the packet worker.
package pairing

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cendern/toothpaste/internal/logging"
	"github.com/cendern/toothpaste/internal/metrics"
	"github.com/cendern/toothpaste/internal/session"
	"github.com/cendern/toothpaste/internal/state"
)

// TypeDelay is how long the device waits before typing the public key.
const TypeDelay = 5 * time.Second

// ErrNoPairing is returned when no pairing window is open.
var ErrNoPairing = errors.New("no pairing window open")

// Typer is the keyboard sink the orchestrator side-channels the key over.
type Typer interface {
	TypeText(text string, slow bool) error
}

// Orchestrator drives the pairing flow.
type Orchestrator struct {
	session *session.Session
	machine *state.Machine
	typer   Typer
	logger  *slog.Logger
	metrics *metrics.Metrics

	delay     time.Duration
	afterFunc func(d time.Duration, fn func()) *time.Timer

	mu         sync.Mutex
	currentKey string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDelay overrides the typing delay.
func WithDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.delay = d }
}

// WithTimer replaces the one-shot timer factory.
func WithTimer(afterFunc func(d time.Duration, fn func()) *time.Timer) Option {
	return func(o *Orchestrator) { o.afterFunc = afterFunc }
}

// New creates an orchestrator.
func New(sess *session.Session, machine *state.Machine, typer Typer, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	o := &Orchestrator{
		session:   sess,
		machine:   machine,
		typer:     typer,
		logger:    logger.With(logging.KeyComponent, "pairing"),
		metrics:   m,
		delay:     TypeDelay,
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start opens a pairing window: transitions to PAIRING, generates a fresh
// keypair, and schedules the delayed typing of the public key. A crypto
// failure is fatal to the window and surfaces as ERROR.
func (o *Orchestrator) Start() error {
	o.machine.Set(state.Pairing)

	pub, err := o.session.GenerateKeypair()
	if err != nil {
		o.logger.Error("keypair generation failed", logging.KeyError, err)
		o.metrics.PairingsTotal.WithLabelValues("keygen_failed").Inc()
		o.machine.Set(state.Error)
		return err
	}

	o.mu.Lock()
	o.currentKey = pub
	o.mu.Unlock()

	o.metrics.PairingsTotal.WithLabelValues("started").Inc()
	o.logger.Info("pairing window open")

	o.afterFunc(o.delay, o.typeKey)
	return nil
}

// typeKey runs from the one-shot timer. The window may have ended by then.
func (o *Orchestrator) typeKey() {
	if o.machine.Get() != state.Pairing {
		return
	}
	if err := o.Retype(); err != nil {
		o.logger.Warn("typing public key failed", logging.KeyError, err)
	}
}

// Retype types the current public key again, newline-terminated. Used by
// the delayed action and by button clicks during the window.
func (o *Orchestrator) Retype() error {
	o.mu.Lock()
	key := o.currentKey
	o.mu.Unlock()

	if key == "" {
		return ErrNoPairing
	}
	return o.typer.TypeText(key+"\n", true)
}

// CurrentKey returns the base64 public key of the open window, or "".
func (o *Orchestrator) CurrentKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentKey
}

// End closes the window state after the handshake completed or failed.
func (o *Orchestrator) End() {
	o.mu.Lock()
	o.currentKey = ""
	o.mu.Unlock()
}
