// Package progress carries the one-way status stream between the
// provisioning workflow and its operator-facing observer.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Event is either a status line or a percentage in [0,100].
type Event struct {
	Text      string
	Percent   int
	IsPercent bool
}

// Line renders the event in the stream's wire format: "# <text>" for status
// lines, a bare integer for percentages.
func (e Event) Line() string {
	if e.IsPercent {
		return fmt.Sprintf("%d", e.Percent)
	}
	return "# " + e.Text
}

// NewChannel creates the event channel. The creating side owns the
// lifecycle: it closes the channel via Reporter and the observer drains it.
func NewChannel() chan Event {
	return make(chan Event, 64)
}

// Reporter is the producer half. Percentages it emits are strictly
// increasing, ending in exactly one 100 from Done. Sends are best-effort:
// a slow or absent observer never stalls the workflow.
type Reporter struct {
	ch     chan Event
	last   int
	closed bool
}

func NewReporter(ch chan Event) *Reporter {
	return &Reporter{ch: ch, last: -1}
}

func (r *Reporter) send(ev Event) {
	if r.closed {
		return
	}
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *Reporter) Statusf(format string, args ...any) {
	r.send(Event{Text: fmt.Sprintf(format, args...)})
}

// Percent reports workflow progress. Values at or below the last reported
// percentage are dropped, which keeps the observed sequence monotonic.
func (r *Reporter) Percent(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p <= r.last {
		return
	}
	r.last = p
	r.send(Event{Percent: p, IsPercent: true})
}

// Done emits the terminal 100 and closes the channel.
func (r *Reporter) Done() {
	if r.closed {
		return
	}
	r.Percent(100)
	r.closed = true
	close(r.ch)
}

// Close closes the channel without reaching 100, for aborted runs.
func (r *Reporter) Close() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Observe drains ch, rendering events to an operator-facing progress bar on
// w. It returns once the channel is closed and fully drained.
func Observe(ch <-chan Event, w io.Writer) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Preparing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
	)
	for ev := range ch {
		if ev.IsPercent {
			_ = bar.Set(ev.Percent)
		} else {
			bar.Describe(ev.Text)
		}
	}
	_ = bar.Finish()
	fmt.Fprintln(w)
}

// ObserveStderr runs Observe against the controlling terminal.
func ObserveStderr(ch <-chan Event) {
	Observe(ch, os.Stderr)
}
