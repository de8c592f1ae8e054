package view

import (
	"cmp"
	"math"
	"slices"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

const hottestCount = 3

// Summary backs the dashboard cards.
type Summary struct {
	Total    int                      `json:"total"`
	ByStatus map[telemetry.Status]int `json:"by_status"`
	AvgTOut  float64                  `json:"avg_t_out"`
	Hottest  []telemetry.Sensor       `json:"hottest"`
}

// Summarize counts units per status and averages feed temperature over units
// that are not offline. Hottest holds up to three units by feed temperature.
func Summarize(sensors []telemetry.Sensor) Summary {
	sum := Summary{
		Total: len(sensors),
		ByStatus: map[telemetry.Status]int{
			telemetry.StatusActive:  0,
			telemetry.StatusDanger:  0,
			telemetry.StatusOffline: 0,
		},
		Hottest: []telemetry.Sensor{},
	}

	var total float64
	var online []telemetry.Sensor
	for _, s := range sensors {
		sum.ByStatus[s.Status]++
		if s.Status == telemetry.StatusOffline {
			continue
		}
		total += s.Telemetry.TOut
		online = append(online, s)
	}
	if len(online) > 0 {
		sum.AvgTOut = math.Round(total/float64(len(online))*10) / 10
	}

	slices.SortStableFunc(online, func(a, b telemetry.Sensor) int {
		return cmp.Compare(b.Telemetry.TOut, a.Telemetry.TOut)
	})
	for i := 0; i < len(online) && i < hottestCount; i++ {
		s := online[i]
		s.History = nil
		sum.Hottest = append(sum.Hottest, s)
	}
	return sum
}
