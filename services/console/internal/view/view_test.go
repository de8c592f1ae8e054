package view

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

var base = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func fixture() []telemetry.Sensor {
	return []telemetry.Sensor{
		{ID: "KOT-101", Name: "Boiler-TASH-1", SerialNumber: "84920-11029", RegionID: 1, DistrictID: 10, Status: telemetry.StatusActive,
			Telemetry: telemetry.Telemetry{TOut: 82.5, TIn: 63}, LastUpdate: base.Add(-time.Minute), Coords: telemetry.Coordinates{Lng: 69.23, Lat: 41.34}},
		{ID: "KOT-102", Name: "Boiler-TASH-2", SerialNumber: "11234-55821", RegionID: 1, DistrictID: 11, Status: telemetry.StatusActive,
			Telemetry: telemetry.Telemetry{TOut: 68, TIn: 52}, LastUpdate: base},
		{ID: "KOT-103", Name: "Boiler-SAM-1", SerialNumber: "99881-00293", RegionID: 2, DistrictID: 20, Status: telemetry.StatusDanger,
			Telemetry: telemetry.Telemetry{TOut: 45, TIn: 40}, LastUpdate: base.Add(-2 * time.Minute), Coords: telemetry.Coordinates{Lng: 66.96, Lat: 39.65}},
		{ID: "KOT-104", Name: "Boiler-BUK-1", SerialNumber: "00000-11111", RegionID: 3, DistrictID: 30, Status: telemetry.StatusOffline,
			Telemetry: telemetry.Telemetry{TOut: 99}, LastUpdate: base.Add(-4 * time.Hour)},
	}
}

func idsOf(sensors []telemetry.Sensor) []string {
	out := make([]string, 0, len(sensors))
	for _, s := range sensors {
		out = append(out, s.ID)
	}
	return out
}

func TestApply_DefaultSortIsNewestFirst(t *testing.T) {
	got := Apply(fixture(), Filter{})
	assert.Equal(t, []string{"KOT-102", "KOT-101", "KOT-103", "KOT-104"}, idsOf(got))
}

func TestApply_Filters(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"query by name", Filter{Query: "tash", Sort: Sort{Key: SortID, Dir: Asc}}, []string{"KOT-101", "KOT-102"}},
		{"query by serial", Filter{Query: "99881"}, []string{"KOT-103"}},
		{"region", Filter{RegionID: 1, Sort: Sort{Key: SortName, Dir: Asc}}, []string{"KOT-101", "KOT-102"}},
		{"district", Filter{DistrictID: 20}, []string{"KOT-103"}},
		{"status", Filter{Status: telemetry.StatusOffline}, []string{"KOT-104"}},
		{"feed temp desc", Filter{Sort: Sort{Key: SortTOut, Dir: Desc}}, []string{"KOT-104", "KOT-101", "KOT-102", "KOT-103"}},
		{"return temp asc", Filter{Sort: Sort{Key: SortTIn, Dir: Asc}}, []string{"KOT-104", "KOT-103", "KOT-102", "KOT-101"}},
		{"no match", Filter{Query: "nope"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, idsOf(Apply(fixture(), tt.filter)))
		})
	}
}

func TestApply_DoesNotModifyInput(t *testing.T) {
	in := fixture()
	_ = Apply(in, Filter{Sort: Sort{Key: SortName, Dir: Asc}})
	assert.Equal(t, fixture(), in)
}

func TestSortToggle(t *testing.T) {
	s := DefaultSort.Toggle(SortName)
	assert.Equal(t, Sort{Key: SortName, Dir: Asc}, s)
	s = s.Toggle(SortName)
	assert.Equal(t, Sort{Key: SortName, Dir: Desc}, s)
	s = s.Toggle(SortName)
	assert.Equal(t, Sort{Key: SortName, Dir: Asc}, s)
	assert.Equal(t, Sort{Key: SortTOut, Dir: Asc}, s.Toggle(SortTOut))
}

func TestParseFilter(t *testing.T) {
	q := url.Values{"q": {" boiler "}, "region": {"2"}, "district": {"all"}, "status": {"danger"}, "sort": {"t_out"}}
	f, err := ParseFilter(q.Get)
	require.NoError(t, err)
	assert.Equal(t, Filter{Query: "boiler", RegionID: 2, Status: telemetry.StatusDanger, Sort: Sort{Key: SortTOut, Dir: Asc}}, f)

	f, err = ParseFilter(url.Values{}.Get)
	require.NoError(t, err)
	assert.Equal(t, DefaultSort, f.Sort)

	for _, bad := range []url.Values{{"region": {"x"}}, {"status": {"warm"}}, {"dir": {"up"}}} {
		_, err := ParseFilter(bad.Get)
		assert.Error(t, err, "%v", bad)
	}
}

func TestMap_SkipsUnknownPositions(t *testing.T) {
	fc := Map(fixture())
	require.Len(t, fc.Features, 2)

	b, err := json.Marshal(fc.Features[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "Feature",
		"geometry": {"type": "Point", "coordinates": [69.23, 41.34]},
		"properties": {"id": "KOT-101", "name": "Boiler-TASH-1", "status": "active", "t_out": 82.5, "t_in": 63}
	}`, string(b))
}

func TestSummarize(t *testing.T) {
	sum := Summarize(fixture())
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.ByStatus[telemetry.StatusActive])
	assert.Equal(t, 1, sum.ByStatus[telemetry.StatusDanger])
	assert.Equal(t, 1, sum.ByStatus[telemetry.StatusOffline])
	assert.InDelta(t, 65.2, sum.AvgTOut, 1e-9)
	assert.Equal(t, []string{"KOT-101", "KOT-102", "KOT-103"}, idsOf(sum.Hottest))

	empty := Summarize(nil)
	assert.Zero(t, empty.AvgTOut)
	assert.Empty(t, empty.Hottest)
}
