package process

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
)

// maxLineBytes bounds a partial line held between writes.
const maxLineBytes = 64 * 1024

// LineEmitter is an io.Writer that publishes every complete line written to
// it as a log entry. It is meant to receive the server's stdout and stderr.
type LineEmitter struct {
	bus    *eventbus.Bus
	source string
	now    func() time.Time

	mu  sync.Mutex
	buf []byte
}

// NewLineEmitter publishes lines on bus tagged with source.
func NewLineEmitter(bus *eventbus.Bus, source string) *LineEmitter {
	return &LineEmitter{bus: bus, source: source, now: time.Now}
}

func (e *LineEmitter) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = append(e.buf, p...)
	for {
		i := bytes.IndexByte(e.buf, '\n')
		if i < 0 {
			break
		}
		e.emit(string(e.buf[:i]))
		e.buf = e.buf[i+1:]
	}
	if len(e.buf) >= maxLineBytes {
		e.emit(string(e.buf))
		e.buf = e.buf[:0]
	}
	return len(p), nil
}

// Flush publishes a trailing line that has no newline yet.
func (e *LineEmitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buf) > 0 {
		e.emit(string(e.buf))
		e.buf = e.buf[:0]
	}
}

func (e *LineEmitter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	eventbus.Emit(e.bus, eventbus.LogEntries, eventbus.LogEntry{
		Source:  e.source,
		Level:   lineLevel(line),
		Message: line,
		At:      e.now().UTC(),
	})
}

// lineLevel guesses a severity from the text game servers usually print.
func lineLevel(line string) string {
	u := strings.ToUpper(line)
	switch {
	case strings.Contains(u, "ERROR"), strings.Contains(u, "FATAL"), strings.Contains(u, "EXCEPTION"):
		return "ERROR"
	case strings.Contains(u, "WARN"):
		return "WARN"
	}
	return "INFO"
}
