package console

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/pkg/log"
)

// clearScreen moves the cursor home and erases the terminal.
const clearScreen = "\033[H\033[2J"

// Source supplies what the printer renders.
type Source interface {
	Snapshot() model.Snapshot
	States() []model.ChannelStatus
	Watch() (<-chan model.Snapshot, func())
}

// Printer redraws the table whenever the fleet changes, at most once per
// interval, and at least once per interval so channel state stays fresh.
type Printer struct {
	out      io.Writer
	source   Source
	interval time.Duration
	clear    bool
}

func NewPrinter(out io.Writer, source Source, interval time.Duration, clear bool) *Printer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Printer{out: out, source: source, interval: interval, clear: clear}
}

// Start renders until ctx is done.
func (p *Printer) Start(ctx context.Context) error {
	updates, cancel := p.source.Watch()
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	dirty := true
	for {
		if dirty {
			if err := p.draw(); err != nil {
				return err
			}
			dirty = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			// Coalesce bursts: wait for the next tick before redrawing.
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			dirty = true
		case <-ticker.C:
			dirty = true
		}
	}
}

func (p *Printer) draw() error {
	var buf bytes.Buffer
	if p.clear {
		buf.WriteString(clearScreen)
	}
	if err := Render(&buf, p.source.Snapshot(), p.source.States(), nil); err != nil {
		return err
	}
	if _, err := p.out.Write(buf.Bytes()); err != nil {
		log.Error(err, "Failed to write fleet table")
		return err
	}
	return nil
}
