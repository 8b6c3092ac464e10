package collect

import (
	"fmt"
	"io"
	"time"
)

// Emitter writes an ESP-IDF style log stream: "I (<ms>) TAG: message" for
// log lines and bare lines for console prints.
type Emitter struct {
	w       io.Writer
	elapsed func() time.Duration
	err     error
}

// NewEmitter returns an Emitter whose timestamps count from now.
func NewEmitter(w io.Writer) *Emitter {
	start := time.Now()
	return &Emitter{
		w:       w,
		elapsed: func() time.Duration { return time.Since(start) },
	}
}

// Info writes one info-level log line.
func (e *Emitter) Info(tag, format string, args ...any) {
	e.write(fmt.Sprintf("I (%d) %s: %s\n", e.elapsed().Milliseconds(), tag, fmt.Sprintf(format, args...)))
}

// Printf writes a line without log prefix.
func (e *Emitter) Printf(format string, args ...any) {
	e.write(fmt.Sprintf(format, args...) + "\n")
}

func (e *Emitter) write(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

// Err returns the first write error, if any.
func (e *Emitter) Err() error {
	return e.err
}
