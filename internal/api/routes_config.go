package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/events"
)

// maxGameConfigSize bounds uploaded ini files.
const maxGameConfigSize = 1 << 20

func (s *Server) handleGameConfigDefault(c *gin.Context) {
	s.serveGameConfig(c, s.cfg.GetGameConfig().DefaultPath)
}

func (s *Server) handleGameConfigCurrent(c *gin.Context) {
	s.serveGameConfig(c, s.cfg.GetGameConfig().CurrentPath)
}

func (s *Server) serveGameConfig(c *gin.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "game config not found"})
		return
	}
	c.File(path)
}

// handleGameConfigSave writes the request body to the current ini file,
// creating its directory when needed.
func (s *Server) handleGameConfigSave(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxGameConfigSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "game config too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path := s.cfg.GetGameConfig().CurrentPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		respondError(c, err)
		return
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		respondError(c, err)
		return
	}

	log.Info().Str("path", path).Int("bytes", len(body)).Msg("API: game config saved")
	s.eventBus.Emit(context.WithoutCancel(c.Request.Context()), events.Event{
		Type:   events.EventGameConfigSaved,
		Source: "api",
		Payload: events.GameConfigSavedPayload{
			Path:  path,
			Bytes: len(body),
		},
	})

	c.Status(http.StatusOK)
}
