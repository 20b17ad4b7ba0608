package daemon

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter splits a stream into lines and hands each completed line to a
// callback. Safe for the single writer goroutine os/exec uses.
type lineWriter struct {
	mu      sync.Mutex
	partial bytes.Buffer
	onLine  func(line string)
}

func newLineWriter(onLine func(line string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		w.partial.Next(idx + 1)
		if line != "" {
			w.onLine(line)
		}
	}
	return len(p), nil
}

// Flush delivers any unterminated trailing fragment as a final line. Called
// once after the producing process has exited.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.partial.Len() == 0 {
		return
	}
	line := strings.TrimRight(w.partial.String(), "\r")
	w.partial.Reset()
	if line != "" {
		w.onLine(line)
	}
}

// tailBuffer keeps the last maxBytes of captured stderr for error reports.
type tailBuffer struct {
	mu       sync.Mutex
	lines    []string
	size     int
	maxBytes int
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.maxBytes && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
