package hapulse

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// levelWriter gates zerolog output below a minimum level and lets the daemon
// swap its destination while running, which is how SIGHUP reopens the log
// file without tearing down the logger.
type levelWriter struct {
	min zerolog.Level

	mu  sync.Mutex
	dst io.Writer // nil when the destination is gone (e.g. reopen failed)
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(dst io.Writer, min zerolog.Level) *levelWriter {
	return &levelWriter{min: min, dst: dst}
}

// Write handles events zerolog emits without a level; they always pass the
// gate.
func (w *levelWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < w.min {
		return len(p), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch dst := w.dst.(type) {
	case nil:
		return len(p), nil
	case zerolog.LevelWriter:
		return dst.WriteLevel(l, p)
	default:
		return dst.Write(p)
	}
}

// swap installs a new destination, closing the old one if it is closeable.
// Passing nil silences the writer until the next swap.
func (w *levelWriter) swap(dst io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.dst.(io.Closer); ok {
		c.Close()
	}
	w.dst = dst
}
