package button

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"
)

// eventPipe feeds synthetic input_event records to a Source.
type eventPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newEventPipe() *eventPipe {
	r, w := io.Pipe()
	return &eventPipe{r: r, w: w}
}

func (p *eventPipe) keyEvent(t *testing.T, value int32) {
	t.Helper()
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint16(buf[16:18], evKey)
	binary.LittleEndian.PutUint16(buf[18:20], 0x100) // BTN_0
	binary.LittleEndian.PutUint32(buf[20:24], uint32(value))
	if _, err := p.w.Write(buf); err != nil {
		t.Fatal(err)
	}
}

func startSource(t *testing.T, threshold time.Duration) (*eventPipe, *Source) {
	t.Helper()
	pipe := newEventPipe()
	src := NewSource(pipe.r, threshold, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		pipe.w.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("source did not stop")
		}
	})
	return pipe, src
}

func awaitEvent(t *testing.T, src *Source) Event {
	t.Helper()
	select {
	case e, ok := <-src.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return 0
	}
}

func TestShortPressIsClick(t *testing.T) {
	pipe, src := startSource(t, 100*time.Millisecond)

	pipe.keyEvent(t, valuePress)
	pipe.keyEvent(t, valueRelease)

	if e := awaitEvent(t, src); e != Click {
		t.Errorf("event = %v, want Click", e)
	}
}

func TestLongPressIsHold(t *testing.T) {
	pipe, src := startSource(t, 50*time.Millisecond)

	pipe.keyEvent(t, valuePress)
	time.Sleep(80 * time.Millisecond)
	pipe.keyEvent(t, valueRelease)

	if e := awaitEvent(t, src); e != Hold {
		t.Errorf("event = %v, want Hold", e)
	}
}

func TestReleaseWithoutPressIgnored(t *testing.T) {
	pipe, src := startSource(t, 50*time.Millisecond)

	pipe.keyEvent(t, valueRelease)
	pipe.keyEvent(t, valuePress)
	pipe.keyEvent(t, valueRelease)

	// Only the complete press/release pair produces an event.
	if e := awaitEvent(t, src); e != Click {
		t.Errorf("event = %v, want Click", e)
	}
	select {
	case e := <-src.Events():
		t.Errorf("unexpected second event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNonKeyEventsIgnored(t *testing.T) {
	pipe, src := startSource(t, 50*time.Millisecond)

	// EV_SYN record.
	buf := make([]byte, eventSize)
	if _, err := pipe.w.Write(buf); err != nil {
		t.Fatal(err)
	}

	pipe.keyEvent(t, valuePress)
	pipe.keyEvent(t, valueRelease)
	if e := awaitEvent(t, src); e != Click {
		t.Errorf("event = %v, want Click", e)
	}
}
