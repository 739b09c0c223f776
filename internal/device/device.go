// Package device wires the core together: link callbacks feed the command
// pipeline, the packet worker decodes, authenticates and decrypts inbound
// records, and decrypted commands fan out to the HID transmitter. It also
// owns the known-peer authentication flow and the operator button surface.
package device

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cendern/toothpaste/internal/config"
	"github.com/cendern/toothpaste/internal/gatt"
	"github.com/cendern/toothpaste/internal/hid"
	"github.com/cendern/toothpaste/internal/keystore"
	"github.com/cendern/toothpaste/internal/logging"
	"github.com/cendern/toothpaste/internal/metrics"
	"github.com/cendern/toothpaste/internal/pairing"
	"github.com/cendern/toothpaste/internal/pipeline"
	"github.com/cendern/toothpaste/internal/recovery"
	"github.com/cendern/toothpaste/internal/session"
	"github.com/cendern/toothpaste/internal/state"
	"github.com/cendern/toothpaste/internal/wire"
)

// testString is typed on a bare button click outside a pairing window.
const testString = "Teststring1234"

// ButtonEvent is one operator input event.
type ButtonEvent uint8

const (
	// ButtonClick is a short press.
	ButtonClick ButtonEvent = iota

	// ButtonHold is a press held past the hold threshold.
	ButtonHold
)

// UISink receives state transitions for the operator-visible status
// surface (the RGB LED on real hardware).
type UISink interface {
	SetState(s state.State)
}

// logUISink is the default UI sink: state changes go to the log.
type logUISink struct{ logger *slog.Logger }

func (l *logUISink) SetState(s state.State) {
	l.logger.Info("ui state", logging.KeyState, s.String())
}

// Deps are the collaborators a Core is built from.
type Deps struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Store       *keystore.Store
	Session     *session.Session
	Machine     *state.Machine
	Queue       *pipeline.Queue
	Transmitter *hid.Transmitter
	Link        gatt.Link
	UI          UISink
}

// Core is the device core.
type Core struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   *keystore.Store
	session *session.Session
	machine *state.Machine
	queue   *pipeline.Queue
	tx      *hid.Transmitter
	link    gatt.Link
	orch    *pairing.Orchestrator
	ui      UISink

	factoryID [keystore.FactoryIDSize]byte

	mu              sync.Mutex
	peerBase64      string
	challengeProven bool

	buttons <-chan ButtonEvent

	// runCtx is the lifetime of Run, used by the jiggler task.
	runCtx context.Context
}

// New builds a core from its collaborators. Pairing options are passed
// through to the orchestrator (tests replace the typing timer).
func New(deps Deps, pairingOpts ...pairing.Option) (*Core, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Default()
	}

	c := &Core{
		cfg:     deps.Config,
		logger:  logger.With(logging.KeyComponent, "device"),
		metrics: m,
		store:   deps.Store,
		session: deps.Session,
		machine: deps.Machine,
		queue:   deps.Queue,
		tx:      deps.Transmitter,
		link:    deps.Link,
		ui:      deps.UI,
	}
	if c.ui == nil {
		c.ui = &logUISink{logger: c.logger}
	}

	factoryID, err := deps.Store.FactoryID()
	if err != nil {
		return nil, err
	}
	c.factoryID = factoryID

	c.orch = pairing.New(deps.Session, deps.Machine, deps.Transmitter, logger, m, pairingOpts...)

	c.machine.OnChange(c.onStateChange)
	c.link.SetWriteHandler(c.onWrite)
	c.link.SetConnectionHandler(c.onConnection)

	return c, nil
}

// AdvertisedName resolves the name to advertise: config override, then the
// persisted rename, then the factory default.
func (c *Core) AdvertisedName() string {
	if c.cfg.Device.Name != "" {
		return c.cfg.Device.Name
	}
	name, err := c.store.DeviceName()
	if err != nil || name == "" {
		return gatt.DefaultDeviceName
	}
	return name
}

// SetButtonSource wires the operator button event channel.
func (c *Core) SetButtonSource(events <-chan ButtonEvent) {
	c.buttons = events
}

// State returns the current device state name (health endpoint).
func (c *Core) State() string {
	return c.machine.Get().String()
}

// Ready reports whether the device accepts DATA packets.
func (c *Core) Ready() bool {
	return c.machine.Get() == state.Ready && c.session.Ready()
}

// Run starts the workers and blocks until the context is cancelled.
func (c *Core) Run(ctx context.Context) error {
	c.runCtx = ctx

	if err := c.link.Advertise(c.AdvertisedName(), c.factoryID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer recovery.RecoverWithLog(c.logger, "packetWorker")
		return c.runPacketWorker(gctx)
	})
	g.Go(func() error {
		defer recovery.RecoverWithLog(c.logger, "keyboardWorker")
		return c.tx.RunKeyboardWorker(gctx)
	})
	if c.buttons != nil {
		g.Go(func() error {
			defer recovery.RecoverWithLog(c.logger, "buttonLoop")
			return c.runButtonLoop(gctx)
		})
	}

	err := g.Wait()

	c.tx.StopJiggle()
	c.link.SetWriteHandler(func([]byte) {})
	c.queue.Close()
	c.session.Teardown()
	c.link.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onWrite is the link callback. It never fails: it either enqueues or
// drops. Admission checks run before any expensive work.
func (c *Core) onWrite(data []byte) {
	if len(data) < wire.MinPacketSize {
		c.logger.Debug("short attribute write", logging.KeyCount, len(data))
		c.drop("short_write")
		return
	}

	if err := c.queue.TryEnqueue(data); err != nil {
		c.logger.Warn("command queue full, dropping packet")
		c.drop("queue_full")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseRecvNotReady})
		return
	}

	c.metrics.QueueDepth.Set(float64(c.queue.Depth()))
	c.notifyQueueSpace()
}

// onConnection handles central connect/disconnect events from the link.
func (c *Core) onConnection(e gatt.ConnEvent) {
	if e.Connected {
		c.logger.Info("central connected")
		c.machine.Set(state.Unpaired)
		return
	}

	c.logger.Info("central disconnected", "manual", e.Manual)
	c.session.Teardown()
	c.setPeer("")
	if e.Manual {
		c.machine.Set(state.NotConnected)
	} else {
		c.machine.Set(state.Disconnected)
	}
}

// HandleButton processes one operator input event.
func (c *Core) HandleButton(e ButtonEvent) {
	switch e {
	case ButtonClick:
		if c.machine.Get() == state.Pairing {
			if err := c.orch.Retype(); err != nil {
				c.logger.Warn("retype failed", logging.KeyError, err)
			}
			return
		}
		if err := c.tx.TypeText(testString, true); err != nil {
			c.logger.Warn("test string rejected", logging.KeyError, err)
		}
	case ButtonHold:
		if err := c.orch.Start(); err != nil {
			c.logger.Error("pairing start failed", logging.KeyError, err)
		}
	}
}

// runPacketWorker is the single consumer of the command queue.
func (c *Core) runPacketWorker(ctx context.Context) error {
	for {
		buf, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrClosed) {
				return nil
			}
			return err
		}

		c.metrics.QueueDepth.Set(float64(c.queue.Depth()))
		c.handlePacket(buf)
		c.notifyQueueSpace()
	}
}

// runButtonLoop consumes operator input events.
func (c *Core) runButtonLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-c.buttons:
			if !ok {
				return nil
			}
			c.HandleButton(e)
		}
	}
}

// handlePacket decodes one raw attribute write and dispatches it.
func (c *Core) handlePacket(buf []byte) {
	packet, err := wire.DecodeDataPacket(buf)
	if err != nil {
		c.logger.Debug("outer decode failed", logging.KeyError, err)
		c.drop("decode")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}

	c.metrics.PacketsReceived.WithLabelValues(wire.PacketIDName(packet.ID)).Inc()

	switch packet.ID {
	case wire.PacketAuth:
		if c.machine.Get() == state.Pairing {
			c.handlePairingAuth(packet)
		} else {
			c.handleKnownPeerAuth(packet)
		}
	case wire.PacketData:
		c.handleData(packet)
	}
}

// handlePairingAuth completes an open pairing window: the packet's data
// field is the plaintext base64 peer public key.
func (c *Core) handlePairingAuth(packet *wire.DataPacket) {
	peerBase64 := string(packet.Data)

	peerKey := make([]byte, base64.StdEncoding.DecodedLen(len(peerBase64)))
	n, err := base64.StdEncoding.Decode(peerKey, packet.Data)
	if err != nil {
		c.logger.Warn("peer key base64 decode failed", logging.KeyError, err)
		c.metrics.PairingsTotal.WithLabelValues("bad_key").Inc()
		c.orch.End()
		c.machine.Set(state.Error)
		return
	}

	if err := c.session.ComputeSharedSecret(peerKey[:n], peerBase64); err != nil {
		c.logger.Error("pairing handshake failed", logging.KeyError, err)
		c.metrics.PairingsTotal.WithLabelValues("failed").Inc()
		c.orch.End()
		c.machine.Set(state.Error)
		return
	}

	c.orch.End()
	c.setPeer(peerBase64)
	c.metrics.PairingsTotal.WithLabelValues("enrolled").Inc()
	c.logger.Info("peer enrolled", logging.KeyFingerprint, keystore.Fingerprint(peerBase64))

	c.machine.Set(state.Ready)
	salt := c.session.Salt()
	c.notify(&wire.ResponsePacket{Type: wire.ResponseChallenge, Challenge: salt[:]})
}

// handleKnownPeerAuth authenticates a returning peer by fingerprint.
func (c *Core) handleKnownPeerAuth(packet *wire.DataPacket) {
	peerBase64 := string(packet.Data)
	fp := keystore.Fingerprint(peerBase64)

	enrolled, err := c.session.LoadIfEnrolled(peerBase64)
	if err != nil {
		c.logger.Error("keystore lookup failed", logging.KeyError, err, logging.KeyFingerprint, fp)
		c.metrics.AuthAttempts.WithLabelValues("storage_error").Inc()
		c.machine.Set(state.Error)
		return
	}
	if !enrolled {
		c.logger.Info("unknown peer", logging.KeyFingerprint, fp)
		c.metrics.AuthAttempts.WithLabelValues("unknown").Inc()
		c.machine.Set(state.Unpaired)
		c.notify(&wire.ResponsePacket{Type: wire.ResponsePeerUnknown})
		return
	}

	if err := c.session.Derive(); err != nil {
		c.logger.Error("session derivation failed", logging.KeyError, err)
		c.metrics.AuthAttempts.WithLabelValues("derive_failed").Inc()
		c.machine.Set(state.Error)
		return
	}

	c.setPeer(peerBase64)
	c.metrics.AuthAttempts.WithLabelValues("ok").Inc()
	c.logger.Info("peer authenticated", logging.KeyFingerprint, fp)

	c.machine.Set(state.Ready)
	salt := c.session.Salt()
	c.notify(&wire.ResponsePacket{Type: wire.ResponseChallenge, Challenge: salt[:]})
}

// handleData opens a sealed command record and dispatches it.
func (c *Core) handleData(packet *wire.DataPacket) {
	if c.machine.Get() == state.Pairing {
		// Only AUTH completes a pairing window.
		c.drop("data_while_pairing")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}
	if !c.session.Ready() {
		c.drop("no_session")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}

	if c.cfg.Security.RequireChallengeProof && !c.challengeProofDone() {
		if c.session.VerifyChallenge(packet.IV, packet.Data, packet.Tag) {
			c.setChallengeProven(true)
			c.notify(&wire.ResponsePacket{Type: wire.ResponseReady})
			return
		}
		c.drop("challenge_unproven")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}

	plaintext, err := c.session.Open(packet.IV, packet.Data, packet.Tag)
	if err != nil {
		c.logger.Warn("decrypt failed", logging.KeyError, err)
		c.metrics.DecryptFailures.Inc()
		c.drop("auth_failure")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}
	if len(plaintext) > wire.MaxDataLen {
		c.drop("oversize")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}

	cmd, err := wire.DecodeCommand(plaintext)
	if err != nil {
		c.logger.Debug("inner decode failed", logging.KeyError, err)
		c.drop("inner_decode")
		c.notify(&wire.ResponsePacket{Type: wire.ResponseDrop})
		return
	}

	c.machine.Set(state.Ready)
	c.dispatch(cmd, packet.SlowMode)
}

// dispatch routes one decrypted command to its sink.
func (c *Core) dispatch(cmd *wire.Command, slowMode bool) {
	var err error

	switch cmd.Kind {
	case wire.CommandKeyboard:
		err = c.tx.TypeText(cmd.Text, slowMode)

	case wire.CommandKeycode:
		err = c.tx.SendKeycode(cmd.Keycodes)

	case wire.CommandMouse:
		err = c.tx.MoveMouse(cmd.Frames, cmd.LClick, cmd.RClick, cmd.Wheel)

	case wire.CommandConsumerControl:
		err = c.tx.ConsumerControl(cmd.Usages)

	case wire.CommandSystemControl:
		err = c.tx.SystemControl(cmd.SystemCode)

	case wire.CommandMouseJiggle:
		ctx := c.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if cmd.JiggleEnable {
			c.tx.StartJiggle(ctx)
		} else {
			c.tx.StopJiggle()
		}

	case wire.CommandRename:
		err = c.handleRename(cmd.Text)
	}

	if err != nil {
		// HID not-ready drops the report without a state change.
		c.logger.Warn("command dispatch failed",
			"command", wire.CommandKindName(cmd.Kind),
			logging.KeyError, err)
	}
}

// handleRename persists the new advertised name and restarts advertising
// so the link picks it up.
func (c *Core) handleRename(name string) error {
	if err := c.store.SetDeviceName(name); err != nil {
		c.machine.Set(state.Error)
		return err
	}
	c.logger.Info("device renamed", "name", name)
	return c.link.Advertise(c.AdvertisedName(), c.factoryID)
}

// onStateChange fans each transition out to metrics, the UI sink, and the
// peer where applicable.
func (c *Core) onStateChange(_, next state.State) {
	c.metrics.StateTransitions.WithLabelValues(next.String()).Inc()
	c.metrics.CurrentState.Set(float64(next))
	c.ui.SetState(next)

	if next != state.Ready {
		c.setChallengeProven(false)
	}
}

// drop records a dropped packet and enters the DROP state.
func (c *Core) drop(reason string) {
	c.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	c.machine.Set(state.Drop)
}

// notify pushes one encoded ResponsePacket to the peer. Link failures are
// logged; the worker carries on.
func (c *Core) notify(r *wire.ResponsePacket) {
	data, err := r.Encode()
	if err != nil {
		c.logger.Error("response encode failed", logging.KeyError, err)
		return
	}
	if err := c.link.Notify(data); err != nil {
		c.logger.Debug("notify failed",
			"type", wire.ResponseTypeName(r.Type),
			logging.KeyError, err)
		return
	}
	c.metrics.ResponsesSent.WithLabelValues(wire.ResponseTypeName(r.Type)).Inc()
}

// notifyQueueSpace sends RECV_READY when the queue has free space; a full
// queue sends nothing here.
func (c *Core) notifyQueueSpace() {
	if c.queue.Free() > 0 {
		c.notify(&wire.ResponsePacket{Type: wire.ResponseRecvReady})
	}
}

func (c *Core) setPeer(base64Key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerBase64 = base64Key
	c.challengeProven = false
}

func (c *Core) challengeProofDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challengeProven
}

func (c *Core) setChallengeProven(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challengeProven = v
}
