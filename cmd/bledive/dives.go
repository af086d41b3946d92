package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/srg/bledive/internal/dive"
)

func displayDives(out io.Writer, records []dive.Record, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if records == nil {
			records = []dive.Record{}
		}
		return encoder.Encode(records)
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]string, 0, len(records))
	for i := range records {
		r := &records[i]
		if !r.OK() {
			rows = append(rows, fmt.Sprintf("%d\tERROR: %s", r.Number, r.Error))
			continue
		}
		rows = append(rows, fmt.Sprintf("%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d",
			r.Number,
			formatTime(r.DateTime),
			formatDuration(r.Duration),
			formatFloat(r.MaxDepth, "%.1f m"),
			formatFloat(r.AvgDepth, "%.1f m"),
			formatFloat(r.TempMin, "%.1f °C"),
			formatMode(r),
			formatGas(r),
			len(r.Samples),
		))
	}
	return writeTable(out, "#\tDATE\tDURATION\tMAX DEPTH\tAVG DEPTH\tMIN TEMP\tMODE\tGAS\tSAMPLES", rows)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func formatDuration(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

func formatFloat(v *float64, layout string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(layout, *v)
}

func formatMode(r *dive.Record) string {
	if r.Mode == nil {
		return "-"
	}
	return r.Mode.String()
}

// formatGas lists the mixes as EAN32, 21/35 or air.
func formatGas(r *dive.Record) string {
	if len(r.GasMixes) == 0 {
		return "-"
	}
	names := make([]string, 0, len(r.GasMixes))
	for _, g := range r.GasMixes {
		o2 := int(g.Oxygen*100 + 0.5)
		he := int(g.Helium*100 + 0.5)
		switch {
		case he > 0:
			names = append(names, fmt.Sprintf("%d/%d", o2, he))
		case o2 == 21:
			names = append(names, "air")
		default:
			names = append(names, fmt.Sprintf("EAN%d", o2))
		}
	}
	return strings.Join(names, ",")
}
