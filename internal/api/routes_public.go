package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleVersion returns the gateway version as plain text.
func (s *Server) handleVersion(c *gin.Context) {
	version := s.cfg.GetGateway().Version
	if version == "" {
		version = "unknown"
	}
	c.String(http.StatusOK, version)
}

// handlePing reports liveness of the gateway itself, not of the game server.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "palboard-gateway",
	})
}
