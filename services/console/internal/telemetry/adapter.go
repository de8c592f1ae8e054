package telemetry

import (
	"sort"
	"time"

	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

// Candidate keys, in priority order. The upstream schema is not fixed, so
// every field is read through one of these lists.
var (
	idKeys        = []string{"uuid", "id", "sensor_id"}
	tOutKeys      = []string{"out_temp", "t_out", "feed_temp"}
	tInKeys       = []string{"in_temp", "t_in", "return_temp"}
	pressureKeys  = []string{"pressure"}
	flowKeys      = []string{"flow"}
	timeKeys      = []string{"timestamp", "time", "recorded_at", "created_at"}
	updateKeys    = []string{"last_update", "lastUpdate", "updated_at", "last_seen"}
	readingKeys   = []string{"telemetry", "last_reading", "latest_reading", "live"}
	historyKeys   = []string{"history", "readings"}
	serialKeys    = []string{"serial_number", "serialNumber", "serial"}
	addressKeys   = []string{"address", "description", "location"}
	lngKeys       = []string{"longitude", "lng", "lon"}
	latKeys       = []string{"latitude", "lat"}
	regionIDKeys  = []string{"region_id", "city_id"}
	districtIDKey = []string{"district_id"}
)

// MaxInlineHistory bounds history carried inside list records.
const MaxInlineHistory = 20

// ResolveID returns the first non-empty of uuid, id, sensor_id.
func ResolveID(r upstream.Record) string {
	return r.String(idKeys...)
}

// Adapt converts a raw list record into a Sensor. now is used when the record
// carries no timestamp. ok is false when no id can be resolved.
func Adapt(r upstream.Record, now time.Time) (Sensor, bool) {
	id := ResolveID(r)
	if id == "" {
		return Sensor{}, false
	}

	s := Sensor{
		ID:           id,
		Name:         r.String("name"),
		SerialNumber: r.String(serialKeys...),
		Address:      r.String(addressKeys...),
		Status:       NormalizeStatus(r.String("status")),
		Coords:       coordinates(r),
	}
	if r.Has("uuid") {
		if n, ok := r.Int("id"); ok {
			s.InternalID = n
		}
	}
	if s.Name == "" {
		s.Name = id
	}

	district := r.Object("district")
	region := r.Object("region")
	if region == nil && district != nil {
		region = district.Object("region")
	}
	s.DistrictID, _ = r.Int(districtIDKey...)
	if district != nil {
		if s.DistrictID == 0 {
			s.DistrictID, _ = district.Int("id")
		}
		s.DistrictName = district.String("name")
	}
	if s.DistrictName == "" {
		s.DistrictName = r.String("district_name")
	}
	s.RegionID, _ = r.Int(regionIDKeys...)
	if s.RegionID == 0 && district != nil {
		s.RegionID, _ = district.Int("region_id")
	}
	if region != nil {
		if s.RegionID == 0 {
			s.RegionID, _ = region.Int("id")
		}
		s.RegionName = region.String("name")
	}
	if s.RegionName == "" {
		s.RegionName = r.String("region_name", "city_name")
	}

	s.Telemetry = readTelemetry(reading(r))
	if t, ok := r.Time(updateKeys...); ok {
		s.LastUpdate = t
	} else if t, ok := reading(r).Time(timeKeys...); ok {
		s.LastUpdate = t
	} else {
		s.LastUpdate = now
	}

	if raw := r.Objects(historyKeys...); len(raw) > 0 {
		s.History = AdaptSamples(raw)
		if len(s.History) > MaxInlineHistory {
			s.History = s.History[:MaxInlineHistory]
		}
	}
	return s, true
}

// reading returns the nested object holding the latest values, or the record
// itself when the values are flat.
func reading(r upstream.Record) upstream.Record {
	for _, key := range readingKeys {
		if obj := r.Object(key); obj != nil {
			return obj
		}
	}
	return r
}

func readTelemetry(r upstream.Record) Telemetry {
	var t Telemetry
	t.TOut, _ = r.Float(tOutKeys...)
	t.TIn, _ = r.Float(tInKeys...)
	t.Pressure, _ = r.Float(pressureKeys...)
	t.Flow, _ = r.Float(flowKeys...)
	return t
}

func coordinates(r upstream.Record) Coordinates {
	lng, okLng := r.Float(lngKeys...)
	lat, okLat := r.Float(latKeys...)
	if okLng && okLat {
		return Coordinates{Lng: lng, Lat: lat}
	}
	if pair := r.Floats("coords", "coordinates"); len(pair) == 2 {
		return Coordinates{Lng: pair[0], Lat: pair[1]}
	}
	return Coordinates{}
}

// AdaptSamples converts history records into most-recent-first order. When
// any sample lacks a timestamp the upstream order is kept as is.
func AdaptSamples(raw []upstream.Record) []Sample {
	out := make([]Sample, 0, len(raw))
	timed := true
	for _, r := range raw {
		smp := Sample{Telemetry: readTelemetry(r)}
		var ok bool
		smp.Time, ok = r.Time(timeKeys...)
		timed = timed && ok
		out = append(out, smp)
	}
	if timed {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	}
	return out
}

// TelemetryPatch reads only the telemetry fields present in r.
func TelemetryPatch(r upstream.Record) Patch {
	var p Patch
	if v, ok := r.Float(tOutKeys...); ok {
		p.TOut = &v
	}
	if v, ok := r.Float(tInKeys...); ok {
		p.TIn = &v
	}
	if v, ok := r.Float(pressureKeys...); ok {
		p.Pressure = &v
	}
	if v, ok := r.Float(flowKeys...); ok {
		p.Flow = &v
	}
	return p
}

// PushPatch reads a sensor_update payload: telemetry fields plus status.
func PushPatch(r upstream.Record) Patch {
	p := TelemetryPatch(reading(r))
	if r.Has("status") {
		st := NormalizeStatus(r.String("status"))
		p.Status = &st
	}
	return p
}
