// Package progress renders a single, continuously overwritten status line
// with an ETA estimate for long-running batches.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/term"
)

// DefaultInterval is how often the line is redrawn between updates.
const DefaultInterval = 500 * time.Millisecond

const clearLine = "\r\x1b[2K"

var spinner = [...]byte{'-', '\\', '|', '/'}

// Option configures a Bar.
type Option func(*Bar)

// WithInterval sets the redraw interval. Zero disables background redraws.
func WithInterval(d time.Duration) Option {
	return func(b *Bar) { b.interval = d }
}

// WithTerminal overrides terminal detection.
func WithTerminal(interactive bool, width int) Option {
	return func(b *Bar) {
		b.interactive = interactive
		b.width = width
		b.detect = false
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bar) { b.now = now }
}

// Bar is a progress line. All writes are serialized, so at most one status
// line is ever being drawn.
type Bar struct {
	mu          sync.Mutex
	w           io.Writer
	now         func() time.Time
	interval    time.Duration
	detect      bool
	interactive bool
	width       int

	start     time.Time
	completed int
	total     int
	renders   int
	finished  bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type fdWriter interface {
	Fd() uintptr
}

// Start begins timing and, when w is a terminal, starts redrawing.
func Start(w io.Writer, opts ...Option) *Bar {
	b := &Bar{
		w:        w,
		now:      time.Now,
		interval: DefaultInterval,
		detect:   true,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.detect {
		if f, ok := w.(fdWriter); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
			b.interactive = true
			if width, _, err := term.GetSize(int(f.Fd())); err == nil { //nolint:gosec // fd fits in int
				b.width = width
			}
		}
	}
	b.start = b.now()

	if b.interactive && b.interval > 0 {
		b.wg.Add(1)
		go b.tick()
	}
	return b
}

func (b *Bar) tick() {
	defer b.wg.Done()
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			b.mu.Lock()
			if !b.finished {
				b.render()
			}
			b.mu.Unlock()
		}
	}
}

// Update records progress and redraws the line.
func (b *Bar) Update(completed, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.completed, b.total = completed, total
	b.render()
}

// Done clears the line and writes a one-line summary. Later calls do nothing.
func (b *Bar) Done() {
	b.halt()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	if b.interactive {
		_, _ = io.WriteString(b.w, clearLine)
	}
	_, _ = fmt.Fprintf(b.w, "%d file(s) indexed in %s.\n", b.completed, FormatDuration(b.now().Sub(b.start)))
}

// Dispose clears the line and suppresses any further output.
func (b *Bar) Dispose() {
	b.halt()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	if b.interactive {
		_, _ = io.WriteString(b.w, clearLine)
	}
}

func (b *Bar) halt() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

// render must be called with mu held.
func (b *Bar) render() {
	if !b.interactive {
		return
	}
	elapsed := b.now().Sub(b.start)
	eta := "?"
	if b.completed > 0 {
		eta = FormatDuration(Estimate(elapsed, b.completed, b.total))
	}
	line := fmt.Sprintf("%c %d/%d indexed | %s elapsed | ~%s total",
		spinner[b.renders%len(spinner)], b.completed, b.total, FormatDuration(elapsed), eta)
	b.renders++

	if b.width > 1 && len(line) >= b.width {
		line = line[:b.width-1]
	}
	_, _ = io.WriteString(b.w, clearLine+line)
}

// Estimate projects the total duration from the observed rate.
// It returns zero when nothing has completed yet.
func Estimate(elapsed time.Duration, completed, total int) time.Duration {
	if completed <= 0 {
		return 0
	}
	return time.Duration(float64(elapsed) / float64(completed) * float64(total))
}

// FormatDuration renders d as "<m>m <s>s", or "<s>s" under a minute.
func FormatDuration(d time.Duration) string {
	secs := int(d / time.Second)
	if m := secs / 60; m > 0 {
		return fmt.Sprintf("%dm %ds", m, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}
