// Package button reads the operator button from a Linux input event device
// and classifies presses into click and hold events.
package button

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cendern/toothpaste/internal/logging"
)

// Event is one classified operator input.
type Event uint8

const (
	// Click is a press shorter than the hold threshold.
	Click Event = iota

	// Hold is a press held past the hold threshold.
	Hold
)

// Linux input_event constants.
const (
	evKey = 0x01

	valueRelease = 0
	valuePress   = 1

	// eventSize is sizeof(struct input_event) on 64-bit kernels:
	// two 64-bit timestamp words, type, code, value.
	eventSize = 24
)

// ErrClosed is returned when the device is closed mid-read.
var ErrClosed = errors.New("button device closed")

// Source reads raw input events and emits classified button events.
type Source struct {
	r         io.ReadCloser
	threshold time.Duration
	logger    *slog.Logger
	events    chan Event
}

// Open opens an input event device.
func Open(path string, threshold time.Duration, logger *slog.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open button device %s: %w", path, err)
	}
	return NewSource(f, threshold, logger), nil
}

// NewSource wraps a raw input event stream. Tests feed synthetic events.
func NewSource(r io.ReadCloser, threshold time.Duration, logger *slog.Logger) *Source {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Source{
		r:         r,
		threshold: threshold,
		logger:    logger.With(logging.KeyComponent, "button"),
		events:    make(chan Event, 4),
	}
}

// Events returns the classified event channel. It is closed when Run exits.
func (s *Source) Events() <-chan Event {
	return s.events
}

// Run reads events until the context is cancelled or the device closes.
// A press is classified on release: shorter than the threshold is a click,
// anything longer a hold.
func (s *Source) Run(ctx context.Context) error {
	defer close(s.events)

	go func() {
		<-ctx.Done()
		s.r.Close()
	}()

	var pressedAt time.Time
	buf := make([]byte, eventSize)

	for {
		if _, err := io.ReadFull(s.r, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return ErrClosed
			}
			return fmt.Errorf("read button event: %w", err)
		}

		evType := binary.LittleEndian.Uint16(buf[16:18])
		value := int32(binary.LittleEndian.Uint32(buf[20:24]))
		if evType != evKey {
			continue
		}

		switch value {
		case valuePress:
			pressedAt = time.Now()
		case valueRelease:
			if pressedAt.IsZero() {
				continue
			}
			held := time.Since(pressedAt)
			pressedAt = time.Time{}

			event := Click
			if held >= s.threshold {
				event = Hold
			}
			select {
			case s.events <- event:
			default:
				s.logger.Debug("button event dropped, channel full")
			}
		}
	}
}

// Close releases the underlying device.
func (s *Source) Close() error {
	return s.r.Close()
}
