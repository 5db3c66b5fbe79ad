package style

import (
	"fmt"
	"io"
	"os"
)

// Reporter receives the progress of every completed step
type Reporter interface {
	Report(p Progress)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(p Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

// ConsoleReporter prints one progress line per step
type ConsoleReporter struct {
	Out io.Writer // defaults to stdout
}

func (c *ConsoleReporter) Report(p Progress) {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "step: %d, loss_value: %8.4f, content_value: %8.4f, style_value: %8.4f\n",
		p.Step, p.Losses.Total, p.Losses.Content, p.Losses.Style)
}
