package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/api/v1")
	v1.Use(s.sessionMiddleware())

	auth := v1.Group("/auth")
	{
		auth.POST("/login", s.handleLogin)
		auth.POST("/logout", s.handleLogout)
		auth.GET("/me", s.handleMe)
	}

	sensors := v1.Group("/sensors")
	{
		sensors.GET("", s.handleListSensors)
		sensors.POST("/sync", s.handleSync)
		sensors.GET("/:id", s.handleGetSensor)
		sensors.POST("/:id/live", s.handleLive)
		sensors.GET("/:id/history", s.handleHistory)
		sensors.GET("/:id/history/export", s.handleHistoryExport)
		sensors.GET("/:id/watch", s.handleWatch)
		sensors.POST("/:id/sync", s.handleSync)
	}

	v1.GET("/map", s.handleMap)
	v1.GET("/summary", s.handleSummary)

	v1.GET("/regions", s.handleListRegions)
	v1.POST("/regions", s.handleCreateRegion)
	v1.POST("/districts", s.handleCreateDistrict)

	v1.GET("/notifications", s.handleListNotifications)
	v1.DELETE("/notifications/:id", s.handleDismissNotification)
	v1.GET("/events", s.handleEvents)

	prov := v1.Group("/provisioning")
	{
		prov.GET("", s.handleProvisioningSnapshot)
		prov.POST("/start", s.handleProvisioningStart)
		prov.POST("/stop", s.handleProvisioningStop)
		prov.POST("/save", s.handleProvisioningSave)
		prov.GET("/stream", s.handleProvisioningStream)
	}
}
