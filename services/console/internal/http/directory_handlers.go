package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListRegions returns regions with their districts, loading the
// directory on first use.
// GET /api/v1/regions
func (s *Server) handleListRegions(c *gin.Context) {
	if err := s.deps.Directory.EnsureLoaded(c.Request.Context()); err != nil {
		respondUpstreamError(c, err)
		return
	}
	regions := s.deps.Directory.Regions()
	c.JSON(http.StatusOK, gin.H{"data": regions, "meta": gin.H{"count": len(regions)}})
}

type createRegionRequest struct {
	Name string `json:"name" binding:"required"`
}

// POST /api/v1/regions
func (s *Server) handleCreateRegion(c *gin.Context) {
	var req createRegionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	region, err := s.deps.Directory.CreateRegion(c.Request.Context(), req.Name)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": region})
}

type createDistrictRequest struct {
	Name     string `json:"name" binding:"required"`
	RegionID int64  `json:"region_id" binding:"required"`
}

// POST /api/v1/districts
func (s *Server) handleCreateDistrict(c *gin.Context) {
	var req createDistrictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and region_id are required"})
		return
	}
	district, err := s.deps.Directory.CreateDistrict(c.Request.Context(), req.Name, req.RegionID)
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": district})
}

// GET /api/v1/notifications
func (s *Server) handleListNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Notifications.List()})
}

// DELETE /api/v1/notifications/:id
func (s *Server) handleDismissNotification(c *gin.Context) {
	if !s.deps.Notifications.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
