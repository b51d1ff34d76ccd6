package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"pipeweaver/internal/dag"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/store"
)

// printer writes human output. Colors are dropped when disabled or when the
// output is not a terminal.
type printer struct {
	w io.Writer

	ok, warn, bad, faint, bold *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:     w,
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
		faint: color.New(color.Faint),
		bold:  color.New(color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.faint, p.bold} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) println(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// state renders a target state as a fixed-width label.
func (p *printer) state(s dag.TaskState) string {
	switch s {
	case dag.TaskSucceeded:
		return p.ok.Sprintf("%-10s", "built")
	case dag.TaskRecovered:
		return p.ok.Sprintf("%-10s", "recovered")
	case dag.TaskSkipped:
		return p.faint.Sprintf("%-10s", "current")
	case dag.TaskFailedSelf:
		return p.bad.Sprintf("%-10s", "failed")
	case dag.TaskFailedUpstream:
		return p.warn.Sprintf("%-10s", "upstream")
	case dag.TaskNotAttempted:
		return p.warn.Sprintf("%-10s", "skipped")
	default:
		return fmt.Sprintf("%-10s", s)
	}
}

func (p *printer) outcome(o store.Outcome) string {
	switch o {
	case store.OutcomeSucceeded, store.OutcomeRecovered:
		return p.ok.Sprintf("%-9s", o)
	case store.OutcomeFailed:
		return p.bad.Sprintf("%-9s", o)
	default:
		return fmt.Sprintf("%-9s", o)
	}
}

func (p *printer) runStatus(s state.RunStatus) string {
	switch s {
	case state.RunStatusSucceeded:
		return p.ok.Sprintf("%-9s", s)
	case state.RunStatusFailed:
		return p.bad.Sprintf("%-9s", s)
	default:
		return p.warn.Sprintf("%-9s", s)
	}
}

func elapsed(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func count(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%s %ss", humanize.Comma(int64(n)), noun)
}

func humanizeInt(n int) string { return humanize.Comma(int64(n)) }
