package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/palserver"
)

type shutdownRequest struct {
	Time    uint32 `json:"time"`
	Message string `json:"message"`
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

type playerRequest struct {
	SteamID string `json:"steamid" binding:"required"`
}

// commandContext bounds a request by rcon.timeout_sec.
func (s *Server) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if timeout := config.Seconds(s.cfg.GetRCON().TimeoutSec); timeout > 0 {
		return context.WithTimeout(c.Request.Context(), timeout)
	}
	return context.WithCancel(c.Request.Context())
}

// command runs fn on the current session under the configured RCON timeout
// and writes the server reply as plain text.
func (s *Server) command(c *gin.Context, fn func(ctx context.Context, cl *palserver.Client) (string, error)) {
	client := s.sessions.Current()
	if client == nil {
		respondError(c, palserver.ErrSessionTerminated)
		return
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()

	body, err := fn(ctx, client)
	if err != nil {
		respondError(c, err)
		return
	}
	c.String(http.StatusOK, body)
}

func (s *Server) handleShutdown(c *gin.Context) {
	var req shutdownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Uint32("seconds", req.Time).
		Str("client_ip", c.ClientIP()).
		Msg("API: shutdown scheduled")

	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.Shutdown(ctx, req.Time, req.Message)
	})
}

func (s *Server) handleExit(c *gin.Context) {
	log.Warn().Str("client_ip", c.ClientIP()).Msg("API: immediate server exit")
	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.DoExit(ctx)
	})
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.Broadcast(ctx, req.Message)
	})
}

func (s *Server) handleKick(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.KickPlayer(ctx, req.SteamID)
	})
}

func (s *Server) handleBan(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("steamid", req.SteamID).Msg("API: player banned")
	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.BanPlayer(ctx, req.SteamID)
	})
}

// handlePlayers returns the player table as a JSON array.
func (s *Server) handlePlayers(c *gin.Context) {
	client := s.sessions.Current()
	if client == nil {
		respondError(c, palserver.ErrSessionTerminated)
		return
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()

	players, err := client.Players(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, players)
}

func (s *Server) handleInfo(c *gin.Context) {
	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.Info(ctx)
	})
}

func (s *Server) handleSave(c *gin.Context) {
	s.command(c, func(ctx context.Context, cl *palserver.Client) (string, error) {
		return cl.Save(ctx)
	})
}
