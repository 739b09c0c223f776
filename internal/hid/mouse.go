package hid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cendern/toothpaste/internal/wire"
)

// Mouse button bits of the boot mouse report.
const (
	mouseButtonLeft  = 0x01
	mouseButtonRight = 0x02
)

// Click actions are tri-valued: 0 no-op, 1 press if not currently pressed,
// 2 release if currently pressed.
const (
	clickNone    = 0
	clickPress   = 1
	clickRelease = 2
)

// jiggleInterval is the period of the jiggler task.
const jiggleInterval = time.Second

// MoveMouse iterates the frames emitting relative-move reports. Click
// state changes are applied in the report that encloses the move.
func (t *Transmitter) MoveMouse(frames []wire.MouseFrame, lClick, rClick, wheel int32) error {
	t.mouseMu.Lock()
	defer t.mouseMu.Unlock()

	switch lClick {
	case clickPress:
		if !t.leftPressed {
			t.leftPressed = true
		}
	case clickRelease:
		if t.leftPressed {
			t.leftPressed = false
		}
	}
	switch rClick {
	case clickPress:
		if !t.rightPressed {
			t.rightPressed = true
		}
	case clickRelease:
		if t.rightPressed {
			t.rightPressed = false
		}
	}

	buttons := byte(0)
	if t.leftPressed {
		buttons |= mouseButtonLeft
	}
	if t.rightPressed {
		buttons |= mouseButtonRight
	}

	if len(frames) == 0 {
		return t.send(Mouse, []byte{buttons, 0, 0, clampI8(wheel)})
	}

	for i, f := range frames {
		w := int32(0)
		if i == len(frames)-1 {
			w = wheel
		}
		report := []byte{buttons, clampI8(f.X), clampI8(f.Y), clampI8(w)}
		if err := t.send(Mouse, report); err != nil {
			return err
		}
	}
	return nil
}

// clampI8 clamps a relative displacement into a one-byte report field.
func clampI8(v int32) byte {
	if v > 127 {
		v = 127
	}
	if v < -127 {
		v = -127
	}
	return byte(int8(v))
}

// jiggler is the dedicated task that keeps the host awake: every second it
// applies a small pseudo-random displacement and immediately cancels it,
// so drift is net zero over the two reports.
type jiggler struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// JiggleActive reports whether the jiggler task is running.
func (t *Transmitter) JiggleActive() bool {
	t.jig.mu.Lock()
	defer t.jig.mu.Unlock()
	return t.jig.cancel != nil
}

// StartJiggle starts the jiggler task. Starting twice is a no-op.
func (t *Transmitter) StartJiggle(ctx context.Context) {
	t.jig.mu.Lock()
	defer t.jig.mu.Unlock()

	if t.jig.cancel != nil {
		return
	}

	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.jig.cancel = cancel
	t.jig.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(jiggleInterval)
		defer ticker.Stop()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-jctx.Done():
				return
			case <-ticker.C:
				dx := int32(rng.Intn(7) - 3)
				dy := int32(rng.Intn(7) - 3)
				frames := []wire.MouseFrame{{X: dx, Y: dy}, {X: -dx, Y: -dy}}
				if err := t.MoveMouse(frames, clickNone, clickNone, 0); err != nil {
					t.logger.Debug("jiggle report failed", "error", err)
				}
			}
		}
	}()
}

// StopJiggle stops the jiggler task and waits for it to exit.
func (t *Transmitter) StopJiggle() {
	t.jig.mu.Lock()
	cancel, done := t.jig.cancel, t.jig.done
	t.jig.cancel, t.jig.done = nil, nil
	t.jig.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
