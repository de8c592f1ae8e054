// Package view derives table, map and dashboard views from the sensor
// collection. Everything here is a pure function of its inputs.
package view

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

// SortKey names a sortable column.
type SortKey string

const (
	SortName       SortKey = "name"
	SortTOut       SortKey = "t_out"
	SortTIn        SortKey = "t_in"
	SortLastUpdate SortKey = "lastUpdate"
	SortID         SortKey = "id"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort is a column and direction.
type Sort struct {
	Key SortKey   `json:"key"`
	Dir Direction `json:"direction"`
}

// DefaultSort shows the most recently updated units first.
var DefaultSort = Sort{Key: SortLastUpdate, Dir: Desc}

// Toggle selects key. Re-selecting the current key while ascending flips to
// descending; anything else starts ascending.
func (s Sort) Toggle(key SortKey) Sort {
	if s.Key == key && s.Dir == Asc {
		return Sort{Key: key, Dir: Desc}
	}
	return Sort{Key: key, Dir: Asc}
}

// Filter is the operator's current table query. Zero values match all.
type Filter struct {
	Query      string
	RegionID   int64
	DistrictID int64
	Status     telemetry.Status
	Sort       Sort
}

// ParseFilter reads a filter from query values. "all" and "" mean no filter.
func ParseFilter(get func(string) string) (Filter, error) {
	f := Filter{Query: strings.TrimSpace(get("q")), Sort: DefaultSort}

	var err error
	if f.RegionID, err = parseID(get("region")); err != nil {
		return Filter{}, fmt.Errorf("invalid region: %w", err)
	}
	if f.DistrictID, err = parseID(get("district")); err != nil {
		return Filter{}, fmt.Errorf("invalid district: %w", err)
	}
	if st := get("status"); st != "" && st != "all" {
		if f.Status, err = telemetry.ParseStatus(st); err != nil {
			return Filter{}, fmt.Errorf("invalid status: %w", err)
		}
	}
	if key := get("sort"); key != "" {
		f.Sort.Key = SortKey(key)
		f.Sort.Dir = Asc
	}
	switch dir := Direction(get("dir")); dir {
	case "":
	case Asc, Desc:
		f.Sort.Dir = dir
	default:
		return Filter{}, fmt.Errorf("invalid direction %q", dir)
	}
	return f, nil
}

func parseID(s string) (int64, error) {
	if s == "" || s == "all" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Apply filters and sorts sensors. The input is not modified.
func Apply(sensors []telemetry.Sensor, f Filter) []telemetry.Sensor {
	q := strings.ToLower(f.Query)
	out := make([]telemetry.Sensor, 0, len(sensors))
	for _, s := range sensors {
		if q != "" && !matches(s, q) {
			continue
		}
		if f.RegionID != 0 && s.RegionID != f.RegionID {
			continue
		}
		if f.DistrictID != 0 && s.DistrictID != f.DistrictID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}

	sortBy := f.Sort
	if sortBy.Key == "" {
		sortBy = DefaultSort
	}
	slices.SortStableFunc(out, func(a, b telemetry.Sensor) int {
		c := compare(a, b, sortBy.Key)
		if sortBy.Dir == Desc {
			return -c
		}
		return c
	})
	return out
}

func matches(s telemetry.Sensor, q string) bool {
	return strings.Contains(strings.ToLower(s.Name), q) ||
		strings.Contains(strings.ToLower(s.ID), q) ||
		strings.Contains(strings.ToLower(s.SerialNumber), q)
}

func compare(a, b telemetry.Sensor, key SortKey) int {
	switch key {
	case SortName:
		return cmp.Compare(a.Name, b.Name)
	case SortTOut:
		return cmp.Compare(a.Telemetry.TOut, b.Telemetry.TOut)
	case SortTIn:
		return cmp.Compare(a.Telemetry.TIn, b.Telemetry.TIn)
	case SortLastUpdate:
		return a.LastUpdate.Compare(b.LastUpdate)
	default:
		return cmp.Compare(a.ID, b.ID)
	}
}
