// Package telemetry owns the in-memory sensor collection and keeps it
// converged with the full-list poll, single-sensor live reads, history pages
// and push events.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the normalized health of a sensor.
type Status string

const (
	StatusActive  Status = "active"
	StatusDanger  Status = "danger"
	StatusOffline Status = "offline"
)

// NormalizeStatus maps an upstream status string to a Status. Unknown and
// empty values are offline.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "online", "ok":
		return StatusActive
	case "danger", "critical", "error":
		return StatusDanger
	default:
		return StatusOffline
	}
}

// ParseStatus accepts only the three normalized values. Used for filters.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusDanger, StatusOffline:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Telemetry is one reading of a boiler loop. Absent upstream values are 0.
type Telemetry struct {
	TOut     float64 `json:"t_out"`
	TIn      float64 `json:"t_in"`
	Pressure float64 `json:"pressure"`
	Flow     float64 `json:"flow"`
}

// Delta is the feed minus return temperature.
func (t Telemetry) Delta() float64 { return t.TOut - t.TIn }

// Sample is a historical reading.
type Sample struct {
	Time time.Time `json:"time"`
	Telemetry
}

// Coordinates are stored and serialized in [lng, lat] order.
type Coordinates struct {
	Lng float64
	Lat float64
}

// Known reports whether the pair is set. (0, 0) is what freshly provisioned
// sensors carry.
func (c Coordinates) Known() bool { return c.Lng != 0 || c.Lat != 0 }

func (c Coordinates) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lng, c.Lat})
}

func (c *Coordinates) UnmarshalJSON(b []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	c.Lng, c.Lat = pair[0], pair[1]
	return nil
}

// Sensor is one monitored unit.
type Sensor struct {
	ID           string      `json:"id"`
	InternalID   int64       `json:"internal_id,omitempty"`
	Name         string      `json:"name"`
	SerialNumber string      `json:"serial_number"`
	Address      string      `json:"address"`
	RegionID     int64       `json:"region_id"`
	RegionName   string      `json:"region_name"`
	DistrictID   int64       `json:"district_id"`
	DistrictName string      `json:"district_name"`
	Coords       Coordinates `json:"coords"`
	Status       Status      `json:"status"`
	Telemetry    Telemetry   `json:"telemetry"`
	LastUpdate   time.Time   `json:"last_update"`
	History      []Sample    `json:"history"`
}

func (s Sensor) clone() Sensor {
	if s.History != nil {
		s.History = append([]Sample(nil), s.History...)
	}
	return s
}

// HistoryMeta is the store-wide history cursor. Only one sensor's history is
// active at a time.
type HistoryMeta struct {
	SensorID string `json:"sensor_id"`
	Page     int    `json:"page"`
	LastPage int    `json:"last_page"`
	Total    int    `json:"total"`
	PageSize int    `json:"page_size"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	TOut     *float64
	TIn      *float64
	Pressure *float64
	Flow     *float64
	Status   *Status
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.TOut == nil && p.TIn == nil && p.Pressure == nil && p.Flow == nil && p.Status == nil
}

func (p Patch) applyTo(s *Sensor) {
	if p.TOut != nil {
		s.Telemetry.TOut = *p.TOut
	}
	if p.TIn != nil {
		s.Telemetry.TIn = *p.TIn
	}
	if p.Pressure != nil {
		s.Telemetry.Pressure = *p.Pressure
	}
	if p.Flow != nil {
		s.Telemetry.Flow = *p.Flow
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
}
