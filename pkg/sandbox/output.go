package sandbox

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// OutputBuffer captures interleaved stdout/stderr under one cumulative
// byte cap. Crossing the cap fires the abort hook exactly once so the
// producing process can be killed; everything past the cap is counted
// but not retained, keeping memory bounded however much the tool prints.
type OutputBuffer struct {
	mu       sync.Mutex
	max      int64
	n        int64
	exceeded bool
	onExceed func()

	lines  []string
	stdout strings.Builder
	stderr strings.Builder

	outW *streamWriter
	errW *streamWriter
}

// NewOutputBuffer creates a buffer capping combined output at max bytes.
// onExceed, if non-nil, runs once when the cap is crossed, outside the
// buffer's lock.
func NewOutputBuffer(max int64, onExceed func()) *OutputBuffer {
	b := &OutputBuffer{max: max, onExceed: onExceed}
	b.outW = &streamWriter{buf: b}
	b.errW = &streamWriter{buf: b, stderr: true}
	return b
}

// StdoutWriter returns the writer to attach to the process's stdout.
func (b *OutputBuffer) StdoutWriter() io.Writer { return b.outW }

// StderrWriter returns the writer to attach to the process's stderr.
func (b *OutputBuffer) StderrWriter() io.Writer { return b.errW }

// Flush promotes unterminated partial lines to full lines. Call once
// after the process has exited and both streams are drained.
func (b *OutputBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outW.flushLocked()
	b.errW.flushLocked()
}

// Lines returns the captured lines from both streams in arrival order.
func (b *OutputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Stdout returns everything captured from stdout.
func (b *OutputBuffer) Stdout() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdout.String()
}

// Stderr returns everything captured from stderr.
func (b *OutputBuffer) Stderr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stderr.String()
}

// Exceeded reports whether the cumulative cap was crossed.
func (b *OutputBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

// BytesWritten reports the total bytes the process attempted to write,
// including bytes past the cap.
func (b *OutputBuffer) BytesWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Tail returns the last max bytes of s, for embedding captured stderr
// in error messages without repeating megabytes of output.
func Tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// streamWriter feeds one stream into the shared buffer, splitting it
// into lines as data arrives.
type streamWriter struct {
	buf     *OutputBuffer
	stderr  bool
	partial []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	b := w.buf

	b.mu.Lock()
	if b.exceeded {
		b.n += int64(len(p))
		b.mu.Unlock()
		return len(p), nil
	}

	remain := b.max - b.n
	b.n += int64(len(p))

	data := p
	fire := false
	if int64(len(p)) > remain {
		data = p[:remain]
		b.exceeded = true
		fire = true
	}
	w.consumeLocked(data)
	b.mu.Unlock()

	if fire && b.onExceed != nil {
		b.onExceed()
	}
	return len(p), nil
}

// consumeLocked retains data and appends each completed line to the
// shared, arrival-ordered line list. Caller holds b.mu.
func (w *streamWriter) consumeLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	if w.stderr {
		w.buf.stderr.Write(data)
	} else {
		w.buf.stdout.Write(data)
	}

	w.partial = append(w.partial, data...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSuffix(string(w.partial[:idx]), "\r")
		w.buf.lines = append(w.buf.lines, line)
		w.partial = w.partial[idx+1:]
	}
}

func (w *streamWriter) flushLocked() {
	if len(w.partial) == 0 {
		return
	}
	w.buf.lines = append(w.buf.lines, string(w.partial))
	w.partial = nil
}
