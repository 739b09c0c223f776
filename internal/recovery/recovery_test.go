package recovery

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cendern/toothpaste/internal/logging"
)

func TestRecoverWithLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithWriter("error", "text", &buf)

	func() {
		defer RecoverWithLog(logger, "testWorker")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Errorf("log missing recovery record: %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("log missing panic value: %q", out)
	}
	if !strings.Contains(out, "testWorker") {
		t.Errorf("log missing goroutine name: %q", out)
	}
}

func TestRecoverWithCallback(t *testing.T) {
	var recovered any
	func() {
		defer RecoverWithCallback(logging.NopLogger(), "cb", func(r any) {
			recovered = r
		})
		panic(42)
	}()

	if recovered != 42 {
		t.Errorf("callback saw %v, want 42", recovered)
	}
}

func TestNoPanicNoLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithWriter("error", "text", &buf)

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() != 0 {
		t.Errorf("log written without panic: %q", buf.String())
	}
}
