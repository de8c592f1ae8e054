package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"online":   StatusActive,
		"active":   StatusActive,
		"ok":       StatusActive,
		"OK ":      StatusActive,
		"critical": StatusDanger,
		"danger":   StatusDanger,
		"error":    StatusDanger,
		"offline":  StatusOffline,
		"":         StatusOffline,
		"unknown":  StatusOffline,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStatus(in), "input %q", in)
	}
}

func TestAdapt_FullRecord(t *testing.T) {
	r := rec(t, `{
		"uuid": "3f1c",
		"id": 17,
		"name": "Boiler-TASH-1",
		"serial_number": "84920-11029",
		"description": "Yunusabad, st. 12",
		"status": "online",
		"latitude": "41.3495",
		"longitude": 69.2301,
		"district": {"id": 4, "name": "Yunusabad", "region_id": "1", "region": {"id": 1, "name": "Tashkent"}},
		"telemetry": {"t_out": 82.5, "t_in": 63.0, "pressure": 5.2, "flow": 180},
		"updated_at": "2026-01-15T07:59:00Z"
	}`)

	s, ok := Adapt(r, fixedNow)
	require.True(t, ok)
	assert.Equal(t, "3f1c", s.ID)
	assert.Equal(t, int64(17), s.InternalID)
	assert.Equal(t, "84920-11029", s.SerialNumber)
	assert.Equal(t, "Yunusabad, st. 12", s.Address)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, Coordinates{Lng: 69.2301, Lat: 41.3495}, s.Coords)
	assert.Equal(t, int64(4), s.DistrictID)
	assert.Equal(t, "Yunusabad", s.DistrictName)
	assert.Equal(t, int64(1), s.RegionID)
	assert.Equal(t, "Tashkent", s.RegionName)
	assert.Equal(t, Telemetry{TOut: 82.5, TIn: 63, Pressure: 5.2, Flow: 180}, s.Telemetry)
	assert.Equal(t, time.Date(2026, 1, 15, 7, 59, 0, 0, time.UTC), s.LastUpdate)
}

func TestAdapt_Defaults(t *testing.T) {
	s, ok := Adapt(rec(t, `{"id": 9, "coords": [64.45, 39.76], "out_temp": 45}`), fixedNow)
	require.True(t, ok)
	assert.Equal(t, "9", s.ID)
	assert.Zero(t, s.InternalID)
	assert.Equal(t, "9", s.Name)
	assert.Equal(t, StatusOffline, s.Status)
	assert.Equal(t, Coordinates{Lng: 64.45, Lat: 39.76}, s.Coords)
	assert.Equal(t, Telemetry{TOut: 45}, s.Telemetry)
	assert.Equal(t, fixedNow, s.LastUpdate)

	_, ok = Adapt(rec(t, `{"name": "orphan"}`), fixedNow)
	assert.False(t, ok)
}

func TestAdapt_InlineHistoryIsBounded(t *testing.T) {
	raw := make([]map[string]any, 0, 30)
	for i := 0; i < 30; i++ {
		raw = append(raw, map[string]any{
			"time":  fixedNow.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"t_out": float64(i),
		})
	}
	body, err := json.Marshal(map[string]any{"uuid": "a", "history": raw})
	require.NoError(t, err)
	var r upstream.Record
	require.NoError(t, json.Unmarshal(body, &r))

	s, ok := Adapt(r, fixedNow)
	require.True(t, ok)
	require.Len(t, s.History, MaxInlineHistory)
	assert.InDelta(t, 29.0, s.History[0].TOut, 1e-9)
}

func TestCoordinatesJSON(t *testing.T) {
	b, err := json.Marshal(Coordinates{Lng: 69.2, Lat: 41.3})
	require.NoError(t, err)
	assert.JSONEq(t, `[69.2, 41.3]`, string(b))

	var c Coordinates
	require.NoError(t, json.Unmarshal(b, &c))
	assert.Equal(t, Coordinates{Lng: 69.2, Lat: 41.3}, c)
}

func TestPushPatch(t *testing.T) {
	p := PushPatch(rec(t, `{"uuid":"a","out_temp":"90.1","status":"error"}`))
	require.NotNil(t, p.TOut)
	assert.InDelta(t, 90.1, *p.TOut, 1e-9)
	assert.Nil(t, p.TIn)
	require.NotNil(t, p.Status)
	assert.Equal(t, StatusDanger, *p.Status)

	assert.True(t, PushPatch(rec(t, `{"uuid":"a"}`)).Empty())
}
