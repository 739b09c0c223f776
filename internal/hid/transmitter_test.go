package hid

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/cendern/toothpaste/internal/metrics"
	"github.com/cendern/toothpaste/internal/wire"
)

// fakeSink records reports per interface and lets tests gate readiness.
type fakeSink struct {
	mu      sync.Mutex
	reports map[Interface][][]byte
	ready   map[Interface]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		reports: make(map[Interface][][]byte),
		ready: map[Interface]bool{
			Keyboard: true, Mouse: true, Consumer: true, System: true,
		},
	}
}

func (s *fakeSink) WriteReport(ifc Interface, report []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make([]byte, len(report))
	copy(owned, report)
	s.reports[ifc] = append(s.reports[ifc], owned)
	return nil
}

func (s *fakeSink) Ready(ifc Interface) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready[ifc]
}

func (s *fakeSink) setReady(ifc Interface, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[ifc] = ready
}

func (s *fakeSink) get(ifc Interface) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.reports[ifc]))
	copy(out, s.reports[ifc])
	return out
}

func newTestTransmitter(t *testing.T, sink Sink) *Transmitter {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return New(sink, nil, m, Options{
		FastCharDelay: MinCharDelay,
		ReadyTimeout:  50 * time.Millisecond,
	})
}

func TestSendKeycode_ModifierAndKey(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	// 0x82 sets modifier bit 2 (left alt); 0x04 has no layout entry and
	// passes through as the bare HID keycode for A.
	if err := tr.SendKeycode([]byte{0x82, 0x04}); err != nil {
		t.Fatalf("SendKeycode() error = %v", err)
	}

	reports := sink.get(Keyboard)
	if len(reports) != 2 {
		t.Fatalf("got %d keyboard reports, want press + release", len(reports))
	}

	press := reports[0]
	if press[0] != 0x04 {
		t.Errorf("modifier byte = 0x%02x, want 0x04", press[0])
	}
	if press[2] != 0x04 {
		t.Errorf("key slot 0 = 0x%02x, want 0x04", press[2])
	}

	release := reports[1]
	if !bytes.Equal(release, make([]byte, KeyboardReportSize)) {
		t.Errorf("release report = %v, want all zeros", release)
	}
}

func TestSendKeycode_NonPrintingRange(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	// 0x88 + 0x28 encodes HID Enter (0x28) verbatim.
	if err := tr.SendKeycode([]byte{0x88 + 0x28}); err != nil {
		t.Fatal(err)
	}

	press := sink.get(Keyboard)[0]
	if press[2] != 0x28 {
		t.Errorf("key slot 0 = 0x%02x, want 0x28", press[2])
	}
}

func TestSendKeycode_AsciiShift(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	// 'A' needs left shift + keycode 0x04.
	if err := tr.SendKeycode([]byte{'A'}); err != nil {
		t.Fatal(err)
	}

	press := sink.get(Keyboard)[0]
	if press[0]&ModLeftShift == 0 {
		t.Error("shift modifier not set for capital letter")
	}
	if press[2] != 0x04 {
		t.Errorf("key slot 0 = 0x%02x, want 0x04", press[2])
	}
}

func TestSendKeycode_SixSlotsSeventhIgnored(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	// Seven distinct non-printing keys; the seventh must not land.
	codes := []byte{0x88 + 1, 0x88 + 2, 0x88 + 3, 0x88 + 4, 0x88 + 5, 0x88 + 6}
	if err := tr.SendKeycode(append(codes, 0x88+7)); err != nil {
		t.Fatal(err)
	}

	press := sink.get(Keyboard)[0]
	for i := 0; i < 6; i++ {
		if press[2+i] != byte(i+1) {
			t.Errorf("slot %d = 0x%02x, want 0x%02x", i, press[2+i], i+1)
		}
	}
	for _, b := range press[2:] {
		if b == 7 {
			t.Error("seventh key landed in the report")
		}
	}
}

func TestTypeText_WorkerTypesWithRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		tr.RunKeyboardWorker(ctx)
	}()

	if err := tr.TypeText("hi", false); err != nil {
		t.Fatalf("TypeText() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if len(sink.get(Keyboard)) >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker produced %d reports, want 4", len(sink.get(Keyboard)))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-workerDone

	reports := sink.get(Keyboard)[:4]
	// press 'h', release, press 'i', release
	if reports[0][2] != 0x0b {
		t.Errorf("first press key = 0x%02x, want 0x0b (h)", reports[0][2])
	}
	if !bytes.Equal(reports[1], make([]byte, KeyboardReportSize)) {
		t.Error("missing release between characters")
	}
	if reports[2][2] != 0x0c {
		t.Errorf("second press key = 0x%02x, want 0x0c (i)", reports[2][2])
	}
}

func TestTypeText_QueueLimits(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	if err := tr.TypeText(string(make([]byte, MaxQueueStringLen+1)), false); !errors.Is(err, ErrTextTooLong) {
		t.Errorf("oversize entry error = %v, want ErrTextTooLong", err)
	}

	// No worker running: fill the queue.
	for i := 0; i < StringQueueCap; i++ {
		if err := tr.TypeText("x", false); err != nil {
			t.Fatalf("TypeText(%d) error = %v", i, err)
		}
	}
	if err := tr.TypeText("overflow", false); !errors.Is(err, ErrQueueFull) {
		t.Errorf("full queue error = %v, want ErrQueueFull", err)
	}
	if tr.TextQueueDepth() != StringQueueCap {
		t.Errorf("TextQueueDepth() = %d, want %d", tr.TextQueueDepth(), StringQueueCap)
	}
}

func TestTypeText_InterCharacterDelay(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		tr.RunKeyboardWorker(ctx)
	}()
	defer func() {
		cancel()
		<-workerDone
	}()

	start := time.Now()
	tr.TypeText("abcd", false)

	deadline := time.After(5 * time.Second)
	for len(sink.get(Keyboard)) < 8 {
		select {
		case <-deadline:
			t.Fatal("worker did not finish typing")
		case <-time.After(2 * time.Millisecond):
		}
	}

	// Four characters at a 5 ms floor: at least ~15 ms for the last three.
	if elapsed := time.Since(start); elapsed < 3*MinCharDelay {
		t.Errorf("typed 4 chars in %v, floor requires >= %v", elapsed, 3*MinCharDelay)
	}
}

func TestSend_NotReadyTimesOut(t *testing.T) {
	sink := newFakeSink()
	sink.setReady(Keyboard, false)
	tr := newTestTransmitter(t, sink)

	err := tr.SendKeycode([]byte{'a'})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("error = %v, want ErrNotReady", err)
	}
	if len(sink.get(Keyboard)) != 0 {
		t.Error("report written despite not-ready interface")
	}
}

func TestSend_CompletionUnblocks(t *testing.T) {
	sink := newFakeSink()
	sink.setReady(Keyboard, false)
	tr := New(sink, nil, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), Options{
		ReadyTimeout: 2 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		done <- tr.SendKeycode([]byte{'a'})
	}()

	time.Sleep(10 * time.Millisecond)
	sink.setReady(Keyboard, true)
	tr.Completed(Keyboard)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("SendKeycode() error = %v after completion", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not unblock on completion")
	}
}

func TestMoveMouse_FramesAndClicks(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	frames := []wire.MouseFrame{{X: 10, Y: -5}, {X: 3, Y: 4}}
	if err := tr.MoveMouse(frames, clickPress, clickNone, 0); err != nil {
		t.Fatalf("MoveMouse() error = %v", err)
	}

	reports := sink.get(Mouse)
	if len(reports) != 2 {
		t.Fatalf("got %d mouse reports, want 2", len(reports))
	}
	for _, r := range reports {
		if r[0]&mouseButtonLeft == 0 {
			t.Error("left button not held in move report")
		}
	}
	if int8(reports[0][1]) != 10 || int8(reports[0][2]) != -5 {
		t.Errorf("frame 0 = (%d,%d), want (10,-5)", int8(reports[0][1]), int8(reports[0][2]))
	}

	// Release: press-state tracking means release only acts when pressed.
	if err := tr.MoveMouse(nil, clickRelease, clickNone, 0); err != nil {
		t.Fatal(err)
	}
	last := sink.get(Mouse)[2]
	if last[0]&mouseButtonLeft != 0 {
		t.Error("left button still held after release")
	}
}

func TestMoveMouse_ClampsDisplacement(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	tr.MoveMouse([]wire.MouseFrame{{X: 500, Y: -500}}, clickNone, clickNone, 0)
	r := sink.get(Mouse)[0]
	if int8(r[1]) != 127 || int8(r[2]) != -127 {
		t.Errorf("clamped frame = (%d,%d), want (127,-127)", int8(r[1]), int8(r[2]))
	}
}

func TestConsumerControl_PressRelease(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	if err := tr.ConsumerControl([]uint16{0x00E9}); err != nil {
		t.Fatalf("ConsumerControl() error = %v", err)
	}

	reports := sink.get(Consumer)
	if len(reports) != 2 {
		t.Fatalf("got %d consumer reports, want press + release", len(reports))
	}
	if reports[0][0] != 0xE9 || reports[0][1] != 0x00 {
		t.Errorf("press report = %v, want [E9 00]", reports[0])
	}
	if reports[1][0] != 0 || reports[1][1] != 0 {
		t.Errorf("release report = %v, want zeros", reports[1])
	}
}

func TestSystemControl(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	if err := tr.SystemControl(2); err != nil {
		t.Fatalf("SystemControl() error = %v", err)
	}
	reports := sink.get(System)
	if len(reports) != 2 || reports[0][0] != 2 || reports[1][0] != 0 {
		t.Errorf("system reports = %v, want [[2] [0]]", reports)
	}

	if err := tr.SystemControl(9); err == nil {
		t.Error("SystemControl(9) should fail")
	}
}

func TestJiggler_NetZeroAndCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	ctx := context.Background()
	tr.StartJiggle(ctx)
	if !tr.JiggleActive() {
		t.Fatal("JiggleActive() = false after start")
	}
	tr.StartJiggle(ctx) // idempotent

	// Wait for at least one jiggle cycle (two reports).
	deadline := time.After(5 * time.Second)
	for len(sink.get(Mouse)) < 2 {
		select {
		case <-deadline:
			t.Fatal("jiggler produced no reports")
		case <-time.After(20 * time.Millisecond):
		}
	}

	tr.StopJiggle()
	if tr.JiggleActive() {
		t.Error("JiggleActive() = true after stop")
	}
	tr.StopJiggle() // idempotent

	// Each cycle is a displacement followed by its inverse.
	reports := sink.get(Mouse)
	dx0, dy0 := int8(reports[0][1]), int8(reports[0][2])
	dx1, dy1 := int8(reports[1][1]), int8(reports[1][2])
	if dx0+dx1 != 0 || dy0+dy1 != 0 {
		t.Errorf("cycle drift = (%d,%d), want (0,0)", dx0+dx1, dy0+dy1)
	}
	if dx0 < -3 || dx0 > 3 || dy0 < -3 || dy0 > 3 {
		t.Errorf("displacement (%d,%d) outside +/-3", dx0, dy0)
	}
}

func TestReleaseAll(t *testing.T) {
	sink := newFakeSink()
	tr := newTestTransmitter(t, sink)

	if err := tr.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll() error = %v", err)
	}
	r := sink.get(Keyboard)[0]
	if !bytes.Equal(r, make([]byte, KeyboardReportSize)) {
		t.Errorf("release report = %v, want zeros", r)
	}
}
