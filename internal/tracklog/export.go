package tracklog

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "fixes"

var exportHeader = []string{
	"id", "time_utc", "kind", "valid", "lat_deg", "lon_deg",
	"speed_knots", "course", "hdop", "satellites", "fix_quality", "altitude_m",
}

// Export writes every entry, oldest first, to an xlsx workbook at path.
// It returns the number of rows written.
func (l *Log) Export(path string) (int, error) {
	entries, err := l.Entries(0)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return 0, fmt.Errorf("tracklog: export: %w", err)
	}

	for col, h := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return 0, err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return 0, fmt.Errorf("tracklog: export header: %w", err)
		}
	}

	row := 2
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		values := []any{
			e.ID, e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.Valid, e.LatDeg, e.LonDeg,
			e.SpeedKnots, e.Course, e.HDOP, e.Satellites, e.FixQuality, e.AltitudeM,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return 0, err
			}
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return 0, fmt.Errorf("tracklog: export row %d: %w", row, err)
			}
		}
		row++
	}

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("tracklog: save %s: %w", path, err)
	}
	return len(entries), nil
}
