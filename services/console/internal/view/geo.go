package view

import "github.com/vgold/heatwatch/services/console/internal/telemetry"

// FeatureCollection is a GeoJSON feature collection of sensors.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string            `json:"type"`
	Geometry   Point             `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

// Point coordinates are [lng, lat] as GeoJSON requires.
type Point struct {
	Type        string                `json:"type"`
	Coordinates telemetry.Coordinates `json:"coordinates"`
}

type FeatureProperties struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       telemetry.Status `json:"status"`
	TOut         float64          `json:"t_out"`
	TIn          float64          `json:"t_in"`
	DistrictName string           `json:"district_name,omitempty"`
}

// Map builds the map layer. Sensors without a position are left out.
func Map(sensors []telemetry.Sensor) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(sensors))}
	for _, s := range sensors {
		if !s.Coords.Known() {
			continue
		}
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Point{Type: "Point", Coordinates: s.Coords},
			Properties: FeatureProperties{
				ID:           s.ID,
				Name:         s.Name,
				Status:       s.Status,
				TOut:         s.Telemetry.TOut,
				TIn:          s.Telemetry.TIn,
				DistrictName: s.DistrictName,
			},
		})
	}
	return fc
}
