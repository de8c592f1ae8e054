package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin authenticates against the remote API and stores the session.
// POST /api/v1/auth/login
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	if err := s.deps.Session.Login(c.Request.Context(), req.Username, req.Password); err != nil {
		respondUpstreamError(c, err)
		return
	}
	s.respondSession(c)
}

// handleLogout ends the session.
// POST /api/v1/auth/logout
func (s *Server) handleLogout(c *gin.Context) {
	s.deps.Session.Logout(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"logged_in": false, "redirect": "/login"})
}

// handleMe returns the session state. The token never leaves the process.
// GET /api/v1/auth/me
func (s *Server) handleMe(c *gin.Context) {
	s.respondSession(c)
}

func (s *Server) respondSession(c *gin.Context) {
	body := gin.H{"logged_in": s.deps.Session.LoggedIn()}
	if user, ok := s.deps.Session.User(); ok {
		body["user"] = user
	}
	c.JSON(http.StatusOK, body)
}
