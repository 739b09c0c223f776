package hid

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/cendern/toothpaste/internal/logging"
)

// TypeText enqueues text for the keyboard worker without blocking. A full
// queue returns ErrQueueFull; entries over MaxQueueStringLen are rejected.
func (t *Transmitter) TypeText(text string, slow bool) error {
	if len(text) > MaxQueueStringLen {
		return ErrTextTooLong
	}
	select {
	case t.texts <- queuedText{text: text, slow: slow}:
		return nil
	default:
		return ErrQueueFull
	}
}

// RunKeyboardWorker is the persistent consumer of the text FIFO. It types
// one character at a time, releasing keys between characters to avoid
// stuck repeat, and paces output at the entry's inter-character delay.
// It returns when the context is cancelled.
func (t *Transmitter) RunKeyboardWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-t.texts:
			if err := t.typeEntry(ctx, item); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.logger.Warn("typing failed", logging.KeyError, err)
			}
		}
	}
}

func (t *Transmitter) typeEntry(ctx context.Context, item queuedText) error {
	delay := t.opts.FastCharDelay
	if item.slow {
		delay = t.opts.SlowCharDelay
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	for i := 0; i < len(item.text); i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		c := item.text[i]
		if c == '\r' {
			continue
		}

		pressed, err := t.pressChar(c)
		if err != nil {
			return err
		}
		if !pressed {
			continue
		}
		if err := t.ReleaseAll(); err != nil {
			return err
		}
		t.metrics.CharactersTyped.Inc()
	}

	return nil
}

// TextQueueDepth returns the number of queued text entries.
func (t *Transmitter) TextQueueDepth() int {
	return len(t.texts)
}
