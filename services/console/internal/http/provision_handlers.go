package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vgold/heatwatch/services/console/internal/provision"
)

// GET /api/v1/provisioning
func (s *Server) handleProvisioningSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Provisioning.Snapshot()})
}

// handleProvisioningStart opens a pairing session.
// POST /api/v1/provisioning/start
func (s *Server) handleProvisioningStart(c *gin.Context) {
	err := s.deps.Provisioning.Start(c.Request.Context())
	switch {
	case errors.Is(err, provision.ErrAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": "a provisioning session is already active"})
		return
	case errors.Is(err, provision.ErrNoConnection):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No connection to HQ (Socket Disconnected)"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": s.deps.Provisioning.Snapshot()})
}

// POST /api/v1/provisioning/stop
func (s *Server) handleProvisioningStop(c *gin.Context) {
	s.deps.Provisioning.Stop()
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Provisioning.Snapshot()})
}

type saveRequest struct {
	Name     string `json:"name" binding:"required"`
	Location string `json:"location"`
}

// handleProvisioningSave names the new sensor and closes the workflow.
// POST /api/v1/provisioning/save
func (s *Server) handleProvisioningSave(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	err := s.deps.Provisioning.Save(c.Request.Context(), req.Name, req.Location)
	if errors.Is(err, provision.ErrNothingToSave) {
		c.JSON(http.StatusConflict, gin.H{"error": "no provisioned sensor to save"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": s.deps.Provisioning.Snapshot().Error,
			"data":  s.deps.Provisioning.Snapshot(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Provisioning.Snapshot()})
}
