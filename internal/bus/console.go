package bus

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Console prints one line per notification: the kind, colored by outcome,
// followed by the JSON payload.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	ok   *color.Color
	fail *color.Color
	info *color.Color
}

func NewConsole(out io.Writer) *Console {
	return &Console{
		out:  out,
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed),
		info: color.New(color.FgCyan),
	}
}

func (c *Console) Send(n Notification) error {
	data, err := Encode(n)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.colorFor(n).Fprintf(c.out, "%-18s", Kind(n)); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if _, err := fmt.Fprintf(c.out, " %s\n", data); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

func (c *Console) colorFor(n Notification) *color.Color {
	switch v := n.(type) {
	case ConnectResult:
		return c.pick(v.Success)
	case PairResult:
		return c.pick(v.Success)
	case UnpairResult:
		return c.pick(v.Success)
	case DisconnectResult:
		return c.fail
	default:
		return c.info
	}
}

func (c *Console) pick(success bool) *color.Color {
	if success {
		return c.ok
	}
	return c.fail
}
