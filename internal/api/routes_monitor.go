package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/palboard-project/gateway/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultLogCount     = 100
	maxLogCount         = 1000
)

func queryLimit(c *gin.Context, key string, fallback, ceiling int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

// handleHistory returns recent commands, updates and session terminations.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history database is disabled"})
		return
	}
	limit := queryLimit(c, "limit", defaultHistoryLimit, maxHistoryLimit)
	ctx := c.Request.Context()

	commands, err := s.history.RecentCommands(ctx, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	updates, err := s.history.RecentUpdates(ctx, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	terminations, err := s.history.RecentTerminations(ctx, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"commands":     commands,
		"updates":      updates,
		"terminations": terminations,
	})
}

// handleSystem returns host information and a resource sample covering the
// server install disk.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"stats":  util.SampleHost(s.cfg.GetSteamCMD().InstallDir),
	})
}

// handleSession reports the command session, the running update and the
// last health checks.
func (s *Server) handleSession(c *gin.Context) {
	session := gin.H{"alive": false}
	if client := s.sessions.Current(); client != nil {
		session["alive"] = client.Alive()
		if err := client.Err(); err != nil {
			session["error"] = err.Error()
		}
	}
	session["address"] = s.cfg.GetRCON().Address

	resp := gin.H{"session": session, "update": nil}
	if info, ok := s.updater.Current(); ok {
		resp["update"] = info
	}
	if s.health != nil {
		resp["health"] = s.health.Statuses()
	}
	c.JSON(http.StatusOK, resp)
}

// handleLogEntries returns the newest entries of the current log file.
func (s *Server) handleLogEntries(c *gin.Context) {
	count := queryLimit(c, "count", defaultLogCount, maxLogCount)

	entries, err := readRecentLogEntries(s.cfg.GetLogging().Directory, count)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is one structured log line.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest
// gateway log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []logEntry{}, nil
		}
		return nil, err
	}

	// Log files are named by date, so the lexical maximum is the newest.
	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "gateway_") && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []logEntry{}, nil
	}
	sort.Strings(names)
	latestFile := filepath.Join(logDir, names[len(names)-1])

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}

		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
