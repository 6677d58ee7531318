package dispatch

import (
	"strings"
	"sync"
	"time"
)

// debouncer coalesces streamed text and emits it in batches so event
// subscribers see words, not single tokens.
type debouncer struct {
	mu       sync.Mutex
	buf      strings.Builder
	timer    *time.Timer
	interval time.Duration
	sink     func(string)
}

func newDebouncer(interval time.Duration, sink func(string)) *debouncer {
	return &debouncer{interval: interval, sink: sink}
}

// Write buffers text and arms the flush timer.
func (d *debouncer) Write(text string) {
	if d.sink == nil || text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.WriteString(text)
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.Flush)
	}
}

// Flush emits everything buffered so far.
func (d *debouncer) Flush() {
	if d.sink == nil {
		return
	}
	d.mu.Lock()
	text := d.buf.String()
	d.buf.Reset()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	if text != "" {
		d.sink(text)
	}
}
