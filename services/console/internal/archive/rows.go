package archive

import (
	"math"
	"time"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

// BuildSensorRows converts store sensors into archive rows.
func BuildSensorRows(sensors []telemetry.Sensor) []SensorRow {
	rows := make([]SensorRow, 0, len(sensors))
	for _, s := range sensors {
		rows = append(rows, SensorRow{
			ID:           s.ID,
			InternalID:   s.InternalID,
			Name:         s.Name,
			SerialNumber: s.SerialNumber,
			Address:      s.Address,
			RegionID:     s.RegionID,
			DistrictID:   s.DistrictID,
			Lng:          s.Coords.Lng,
			Lat:          s.Coords.Lat,
			Status:       s.Status,
		})
	}
	return rows
}

// SensorIDs extracts ids from sensor rows.
func SensorIDs(rows []SensorRow) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}

// BuildReadings snapshots each sensor's telemetry at its last update,
// truncated to the second.
func BuildReadings(sensors []telemetry.Sensor) []Reading {
	out := make([]Reading, 0, len(sensors))
	for _, s := range sensors {
		if s.Status == telemetry.StatusOffline && s.Telemetry == (telemetry.Telemetry{}) {
			continue
		}
		out = append(out, Reading{
			SensorID:  s.ID,
			TS:        s.LastUpdate.UTC().Truncate(time.Second),
			Telemetry: s.Telemetry,
			Status:    s.Status,
		})
	}
	return out
}

// FilterNewReadings selects readings worth storing: the sensor has no stored
// reading, the last one is at least minInterval old, or a value moved by more
// than epsilon.
func FilterNewReadings(candidates []Reading, last map[string]LastReading, minInterval time.Duration, epsilon float64) []Reading {
	out := make([]Reading, 0, len(candidates))
	for _, cand := range candidates {
		prev, ok := last[cand.SensorID]
		if !ok {
			out = append(out, cand)
			continue
		}
		if !cand.TS.After(prev.TS) {
			continue
		}
		if cand.TS.Sub(prev.TS) >= minInterval {
			out = append(out, cand)
			continue
		}
		if !TelemetryEqual(prev.Telemetry, cand.Telemetry, epsilon) {
			out = append(out, cand)
		}
	}
	return out
}

// TelemetryEqual compares readings field by field with tolerance.
func TelemetryEqual(a, b telemetry.Telemetry, epsilon float64) bool {
	return math.Abs(a.TOut-b.TOut) <= epsilon &&
		math.Abs(a.TIn-b.TIn) <= epsilon &&
		math.Abs(a.Pressure-b.Pressure) <= epsilon &&
		math.Abs(a.Flow-b.Flow) <= epsilon
}
