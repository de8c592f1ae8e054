package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vgold/heatwatch/services/console/internal/export"
	"github.com/vgold/heatwatch/services/console/internal/telemetry"
	"github.com/vgold/heatwatch/services/console/internal/view"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleListSensors returns the filtered and sorted table view.
// GET /api/v1/sensors?q&region&district&status&sort&dir
func (s *Server) handleListSensors(c *gin.Context) {
	filter, err := view.ParseFilter(c.Query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	all := s.deps.Sensors.Sensors()
	sensors := view.Apply(all, filter)
	meta := gin.H{
		"count":  len(sensors),
		"total":  len(all),
		"loaded": s.deps.Sensors.Loaded(),
		"sort":   filter.Sort,
	}
	if err := s.deps.Sensors.Err(); err != nil {
		meta["stale"] = true
	}
	c.JSON(http.StatusOK, gin.H{"data": sensors, "meta": meta})
}

// handleGetSensor returns one sensor.
// GET /api/v1/sensors/:id
func (s *Server) handleGetSensor(c *gin.Context) {
	sensor, ok := s.deps.Sensors.Sensor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sensor})
}

// handleLive refreshes one sensor's live reading. A live timeout answers with
// the unchanged sensor.
// POST /api/v1/sensors/:id/live
func (s *Server) handleLive(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Sensors.FetchLive(c.Request.Context(), id); err != nil {
		if errors.Is(err, telemetry.ErrUnknownSensor) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
			return
		}
		respondUpstreamError(c, err)
		return
	}
	s.handleGetSensor(c)
}

func pageParams(c *gin.Context, defaultLimit int) (page, limit int, ok bool) {
	page, limit = 1, defaultLimit
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
			return 0, 0, false
		}
		page = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return 0, 0, false
		}
		limit = n
	}
	return page, limit, true
}

// handleHistory loads one history page and moves the history cursor to it.
// GET /api/v1/sensors/:id/history?page&limit
func (s *Server) handleHistory(c *gin.Context) {
	page, limit, ok := pageParams(c, s.cfg.HistoryPageSize)
	if !ok {
		return
	}

	samples, meta, err := s.deps.Sensors.FetchHistory(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		if errors.Is(err, telemetry.ErrUnknownSensor) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
			return
		}
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": samples, "meta": meta})
}

// handleHistoryExport downloads one history page as XLSX. The page already
// loaded by the history cursor is exported as is; other pages are fetched.
// GET /api/v1/sensors/:id/history/export?page&limit
func (s *Server) handleHistoryExport(c *gin.Context) {
	page, limit, ok := pageParams(c, s.cfg.HistoryPageSize)
	if !ok {
		return
	}

	id := c.Param("id")
	sensor, found := s.deps.Sensors.Sensor(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
		return
	}

	var samples []telemetry.Sample
	cursor := s.deps.Sensors.HistoryMeta()
	if cursor.SensorID == id && cursor.Page == page && (c.Query("limit") == "" || limit == cursor.PageSize) {
		samples = sensor.History
	} else {
		fetched, _, err := s.deps.Sensors.FetchHistory(c.Request.Context(), id, page, limit)
		if err != nil {
			if errors.Is(err, telemetry.ErrUnknownSensor) {
				c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
				return
			}
			respondUpstreamError(c, err)
			return
		}
		samples = fetched
	}

	data, err := export.HistoryXLSX(samples)
	if errors.Is(err, export.ErrNoHistory) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history on this page"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+export.FileName(sensor.Name, page)+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

// handleSync asks the upstream to re-read one sensor, or all of them. The
// store re-fetches in the background.
// POST /api/v1/sensors/sync, POST /api/v1/sensors/:id/sync
func (s *Server) handleSync(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Sensors.Sync(c.Request.Context(), id); err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sync requested", "sensor_id": id})
}

// handleMap returns the sensors as GeoJSON.
// GET /api/v1/map
func (s *Server) handleMap(c *gin.Context) {
	c.JSON(http.StatusOK, view.Map(s.deps.Sensors.Sensors()))
}

// handleSummary returns the dashboard figures.
// GET /api/v1/summary
func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": view.Summarize(s.deps.Sensors.Sensors())})
}
