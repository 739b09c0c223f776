package hid

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cendern/toothpaste/internal/logging"
	"github.com/cendern/toothpaste/internal/metrics"
)

const (
	// MinCharDelay is the floor on the inter-character delay. Fast mode
	// never goes below it; stuck-repeat avoidance depends on the release
	// report landing between characters.
	MinCharDelay = 5 * time.Millisecond

	// DefaultSlowCharDelay is the inter-character delay with slow mode on,
	// for hosts whose input path drops fast synthetic keystrokes.
	DefaultSlowCharDelay = 25 * time.Millisecond

	// DefaultReadyTimeout bounds the wait for interface readiness.
	DefaultReadyTimeout = 500 * time.Millisecond

	// StringQueueCap is the depth of the text FIFO.
	StringQueueCap = 18

	// MaxQueueStringLen is the largest single queued text entry.
	MaxQueueStringLen = 256

	// readyYield is the polling interval while waiting for readiness.
	readyYield = 500 * time.Microsecond
)

var (
	// ErrNotReady is returned when an interface stays busy past the
	// readiness timeout. The report is dropped; state is unaffected.
	ErrNotReady = errors.New("hid interface not ready")

	// ErrTextTooLong is returned for a text entry over MaxQueueStringLen.
	ErrTextTooLong = errors.New("text exceeds queue entry size")

	// ErrQueueFull is returned when the text FIFO is at capacity.
	ErrQueueFull = errors.New("text queue full")
)

// Options tunes the transmitter. Zero values select the defaults above.
type Options struct {
	FastCharDelay time.Duration
	SlowCharDelay time.Duration
	ReadyTimeout  time.Duration
	QueueCap      int
}

func (o Options) withDefaults() Options {
	if o.FastCharDelay < MinCharDelay {
		o.FastCharDelay = MinCharDelay
	}
	if o.SlowCharDelay < MinCharDelay {
		o.SlowCharDelay = DefaultSlowCharDelay
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.QueueCap <= 0 {
		o.QueueCap = StringQueueCap
	}
	return o
}

type queuedText struct {
	text string
	slow bool
}

// Transmitter is the set of command sinks targeting the HID interfaces.
// One persistent keyboard worker consumes the text FIFO; the jiggler runs
// as a separate task only while enabled.
type Transmitter struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	texts      chan queuedText
	completion [numInterfaces]chan struct{}

	// Keyboard report state. Only the keyboard worker and SendKeycode
	// callers on the packet worker touch it; the mutex covers the overlap.
	kbMu     sync.Mutex
	kbReport [KeyboardReportSize]byte

	// Mouse button state for tri-valued click handling.
	mouseMu      sync.Mutex
	leftPressed  bool
	rightPressed bool

	jig jiggler
}

// New creates a transmitter on the given sink.
func New(sink Sink, logger *slog.Logger, m *metrics.Metrics, opts Options) *Transmitter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	opts = opts.withDefaults()

	t := &Transmitter{
		sink:    sink,
		logger:  logger.With(logging.KeyComponent, "hid"),
		metrics: m,
		opts:    opts,
		texts:   make(chan queuedText, opts.QueueCap),
	}
	for i := range t.completion {
		t.completion[i] = make(chan struct{}, 1)
	}
	return t
}

// Completed signals that the host consumed the previous report on an
// interface. Called by the USB stack's completion callback.
func (t *Transmitter) Completed(ifc Interface) {
	if int(ifc) >= len(t.completion) {
		return
	}
	select {
	case t.completion[ifc] <- struct{}{}:
	default:
	}
}

// send waits for the interface to be ready and writes one report. A send
// never overlaps a pending completion on the same interface.
func (t *Transmitter) send(ifc Interface, report []byte) error {
	deadline := time.Now().Add(t.opts.ReadyTimeout)
	for !t.sink.Ready(ifc) {
		if time.Now().After(deadline) {
			t.metrics.HIDNotReady.WithLabelValues(ifc.String()).Inc()
			t.logger.Warn("interface not ready, dropping report", logging.KeyInterface, ifc.String())
			return ErrNotReady
		}
		select {
		case <-t.completion[ifc]:
		case <-time.After(readyYield):
		}
	}

	if err := t.sink.WriteReport(ifc, report); err != nil {
		return err
	}
	t.metrics.ReportsSent.WithLabelValues(ifc.String()).Inc()
	return nil
}

// ReleaseAll clears the modifier and key arrays and emits a zero report.
func (t *Transmitter) ReleaseAll() error {
	t.kbMu.Lock()
	t.kbReport = [KeyboardReportSize]byte{}
	report := t.kbReport
	t.kbMu.Unlock()
	return t.send(Keyboard, report[:])
}

// SendKeycode builds a single keyboard report from a sequence of encoded
// bytes and emits it, followed by a release.
//
// Encoding, matching peer senders:
//   - 0x88..0xFF: non-printing keycode, stored verbatim minus 0x88
//   - 0x80..0x87: modifier bit (1 << (k - 0x80)), consumes no key slot
//   - 0x00..0x7F: ASCII index into the layout table, with SHIFT/ALT_GR
//     bits translated to modifiers and the ISO sentinel remapped
func (t *Transmitter) SendKeycode(encoded []byte) error {
	var report [KeyboardReportSize]byte
	slot := 0

	for _, k := range encoded {
		switch {
		case k >= 0x88:
			if slot < 6 {
				report[2+slot] = k - 0x88
				slot++
			}
		case k >= 0x80:
			report[0] |= 1 << (k - 0x80)
		default:
			mapped := LayoutEnUS[k]
			if mapped == 0 {
				// No layout entry: the byte is already a bare HID
				// keycode (control-range codes sent by keycode peers).
				if k != 0 && slot < 6 {
					report[2+slot] = k
					slot++
				}
				continue
			}
			if mapped&LayoutAltGr == LayoutAltGr {
				report[0] |= ModRightAlt
				mapped &^= LayoutAltGr
			} else if mapped&LayoutShift != 0 {
				report[0] |= ModLeftShift
				mapped &^= LayoutShift
			}
			if mapped == ISOReplacement {
				mapped = ISOKey
			}
			if slot < 6 {
				report[2+slot] = mapped
				slot++
			}
		}
	}

	if err := t.send(Keyboard, report[:]); err != nil {
		return err
	}
	return t.ReleaseAll()
}

// pressChar emits the press report for one ASCII character per the layout
// table. Returns false for characters with no mapping.
func (t *Transmitter) pressChar(c byte) (bool, error) {
	if c > 0x7F {
		return false, nil
	}
	mapped := LayoutEnUS[c]
	if mapped == 0 {
		return false, nil
	}

	var report [KeyboardReportSize]byte
	if mapped&LayoutAltGr == LayoutAltGr {
		report[0] |= ModRightAlt
		mapped &^= LayoutAltGr
	} else if mapped&LayoutShift != 0 {
		report[0] |= ModLeftShift
		mapped &^= LayoutShift
	}
	if mapped == ISOReplacement {
		mapped = ISOKey
	}
	report[2] = mapped

	t.kbMu.Lock()
	t.kbReport = report
	t.kbMu.Unlock()

	if err := t.send(Keyboard, report[:]); err != nil {
		return false, err
	}
	return true, nil
}

// ConsumerControl presses each 16-bit usage code and releases it 10 ms
// later.
func (t *Transmitter) ConsumerControl(codes []uint16) error {
	for _, code := range codes {
		press := []byte{byte(code), byte(code >> 8)}
		if err := t.send(Consumer, press); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		if err := t.send(Consumer, []byte{0x00, 0x00}); err != nil {
			return err
		}
	}
	return nil
}

// SystemControl emits a single system-control report (0 = none,
// 1 = power off, 2 = standby, 3 = wake).
func (t *Transmitter) SystemControl(code uint8) error {
	if code > 3 {
		return fmt.Errorf("system control code %d out of range", code)
	}
	if err := t.send(System, []byte{code}); err != nil {
		return err
	}
	// Release so the host does not latch the power state.
	return t.send(System, []byte{0x00})
}
