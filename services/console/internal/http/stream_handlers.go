package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleEvents streams store changes, notifications and logouts.
// GET /api/v1/events
func (s *Server) handleEvents(c *gin.Context) {
	changes, cancelChanges := s.deps.Sensors.Subscribe()
	defer cancelChanges()
	toasts, cancelToasts := s.deps.Notifications.Subscribe()
	defer cancelToasts()
	logouts, cancelLogouts := s.subscribeLogout()
	defer cancelLogouts()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change := <-changes:
			c.SSEvent("sensors", change)
			return true
		case n := <-toasts:
			c.SSEvent("notification", n)
			return true
		case <-logouts:
			c.SSEvent("logout", gin.H{"redirect": "/login"})
			return false
		}
	})
}

// handleWatch polls one sensor's live reading while the client stays
// connected and streams every update of that sensor.
// GET /api/v1/sensors/:id/watch
func (s *Server) handleWatch(c *gin.Context) {
	id := c.Param("id")
	sensor, ok := s.deps.Sensors.Sensor(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
		return
	}

	changes, cancel := s.deps.Sensors.Subscribe()
	defer cancel()
	ctx := c.Request.Context()
	stop := s.deps.Sensors.WatchLive(ctx, id, s.cfg.LiveInterval)
	defer stop()

	c.SSEvent("sensor", sensor)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change := <-changes:
			if change.SensorID != "" && change.SensorID != id {
				return true
			}
			if current, ok := s.deps.Sensors.Sensor(id); ok {
				c.SSEvent("sensor", current)
			}
			return true
		}
	})
}

// handleProvisioningStream streams workflow snapshots. The workflow is bound
// to the stream: when the client goes away the session it owns is stopped.
// GET /api/v1/provisioning/stream
func (s *Server) handleProvisioningStream(c *gin.Context) {
	snaps, cancel := s.deps.Provisioning.Subscribe()
	defer cancel()
	ctx := c.Request.Context()
	s.deps.Provisioning.Bind(ctx)

	c.SSEvent("provisioning", s.deps.Provisioning.Snapshot())
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap := <-snaps:
			c.SSEvent("provisioning", snap)
			return true
		}
	})
}
