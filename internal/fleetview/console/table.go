// Package console renders the fleet state as a terminal table.
package console

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gosuri/uitable"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
)

const maxColWidth = 28

// FormatSpeed converts a speed in m/s to km/h with one decimal.
func FormatSpeed(mps float64) string {
	return fmt.Sprintf("%.1f km/h", mps*3.6)
}

// FormatPosition renders a coordinate pair with six decimals.
func FormatPosition(p model.Position) string {
	return fmt.Sprintf("%.6f, %.6f", p.Latitude, p.Longitude)
}

// Render writes the connection summary, one line per channel, and a table of
// every vehicle ordered by id.
func Render(w io.Writer, snap model.Snapshot, channels []model.ChannelStatus, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}

	header := uitable.New()
	header.AddRow("STATUS:", strings.ToUpper(string(model.Summarize(channels))))
	for _, c := range channels {
		line := string(c.State)
		if c.Message != "" {
			line += " (" + c.Message + ")"
		}
		header.AddRow("  "+c.Key+":", line)
	}
	header.AddRow("VEHICLES:", len(snap))
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}

	if len(snap) == 0 {
		_, err := fmt.Fprintln(w, "\nNo vehicle data received yet.")
		return err
	}

	table := uitable.New()
	table.MaxColWidth = maxColWidth
	table.AddRow("VEHICLE", "LOCATION", "SPEED", "DIRECTION", "ALTITUDE", "SATELLITES", "TEMPERATURE", "CHECKPOINT", "NEXT", "LAST UPDATE")
	for _, s := range snap.Sorted() {
		table.AddRow(
			s.VehicleID,
			FormatPosition(s.Position),
			FormatSpeed(s.Speed),
			s.Direction,
			s.Altitude,
			s.Satellites,
			s.Temperature,
			s.Checkpoint,
			s.NextCheckpoint,
			lastUpdate(s, loc),
		)
	}
	_, err := fmt.Fprintln(w, "\n"+table.String())
	return err
}

func lastUpdate(s model.VehicleSample, loc *time.Location) string {
	if ts, ok := s.ParsedTimestamp(); ok {
		return ts.In(loc).Format(time.TimeOnly)
	}
	if !s.ReceivedAt.IsZero() {
		return s.ReceivedAt.In(loc).Format(time.TimeOnly)
	}
	return model.NotAvailable
}
