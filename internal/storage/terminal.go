package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Terminal is for displaying data on terminal.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

var terminal Terminal

// TerminalTimestamp is used as a format to display only the time.
const TerminalTimestamp = "15:04:05.999"

// InitTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing where a buffer will be set as output terminal.
func InitTerminal(out io.Writer) *Terminal {
	terminal.mu.Lock()
	defer terminal.mu.Unlock()
	if terminal.out == nil {
		terminal.out = out
	}
	return &terminal
}

// GetTerminal returns already prepared terminal instance.
func GetTerminal() *Terminal {
	return &terminal
}

// NewTerminal creates a terminal display writing to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// CommitTrades batch outputs input trade data to terminal.
func (t *Terminal) CommitTrades(_ context.Context, data []Trade) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, trade := range data {
		_, err := fmt.Fprintf(t.out, "%-15s%-15s%-12d%-5s%20s%20s%20s\n", trade.Exchange, trade.MktCommitName, trade.ID, trade.Orientation, trade.Size, trade.Price, trade.Date.Local().Format(TerminalTimestamp))
		if err != nil {
			return err
		}
	}
	return nil
}
