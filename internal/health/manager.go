// Package health runs periodic checks on the gateway's dependencies: the
// game server command session and the disk holding the server install.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/palserver"
	"github.com/palboard-project/gateway/internal/util"
)

const (
	CheckSession = "rcon_session"
	CheckDisk    = "disk"
)

// Status is the last outcome of one check.
type Status struct {
	Check     string    `json:"check"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

// Settings configures a Manager.
type Settings struct {
	Health config.HealthConfig
	// DiskPath is the directory whose filesystem is watched.
	DiskPath string
	// ReconnectInterval enables redialing a terminated session. Zero
	// disables it.
	ReconnectInterval time.Duration
}

// Manager runs the health checks and tracks their last status.
type Manager struct {
	settings Settings
	eventBus *events.EventBus
	sessions *palserver.Holder

	diskUsage func(path string) (*util.DiskUsage, error)

	mu         sync.RWMutex
	statuses   map[string]Status
	lastRedial time.Time
}

// NewManager creates a health check manager. sessions may be nil when the
// gateway runs without a command session.
func NewManager(settings Settings, eventBus *events.EventBus, sessions *palserver.Holder) *Manager {
	return &Manager{
		settings:  settings,
		eventBus:  eventBus,
		sessions:  sessions,
		diskUsage: util.GetDiskUsage,
		statuses:  make(map[string]Status),
	}
}

// Start runs the checks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := config.Seconds(m.settings.Health.CheckIntervalSec)
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if m.eventBus != nil {
		// Terminations are checked immediately.
		m.eventBus.Subscribe(events.EventSessionTerminated, "health.session", func(ctx context.Context, e events.Event) error {
			m.checkSession(ctx)
			return nil
		})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("health check manager started")
	m.RunChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// RunChecks runs every check once.
func (m *Manager) RunChecks(ctx context.Context) {
	m.checkSession(ctx)
	m.checkDisk(ctx)
}

// Statuses returns the last status of every check, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check < out[j].Check })
	return out
}

// checkSession reports the command session state and redials a terminated
// session when enabled.
func (m *Manager) checkSession(ctx context.Context) {
	if m.sessions == nil {
		return
	}

	client := m.sessions.Current()
	if client != nil && client.Alive() {
		m.record(ctx, CheckSession, true, "session alive")
		return
	}

	message := "session terminated"
	if client != nil && client.Err() != nil {
		message = fmt.Sprintf("session terminated: %v", client.Err())
	}

	if m.settings.ReconnectInterval > 0 && m.redialDue() {
		replaced, err := m.sessions.Redial(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("command session redial failed")
			message = fmt.Sprintf("%s; redial failed: %v", message, err)
		case replaced:
			log.Info().Msg("command session re-established")
			m.record(ctx, CheckSession, true, "session re-established")
			return
		}
	}

	m.record(ctx, CheckSession, false, message)
}

func (m *Manager) redialDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastRedial) < m.settings.ReconnectInterval {
		return false
	}
	m.lastRedial = time.Now()
	return true
}

// checkDisk warns when the install filesystem fills past the threshold.
func (m *Manager) checkDisk(ctx context.Context) {
	threshold := m.settings.Health.DiskWarnPercent
	if threshold <= 0 || threshold > 100 || m.settings.DiskPath == "" {
		return
	}

	usage, err := m.diskUsage(m.settings.DiskPath)
	if err != nil {
		log.Warn().Err(err).Msg("disk utilization check failed")
		m.record(ctx, CheckDisk, false, err.Error())
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	message := fmt.Sprintf("disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
	m.record(ctx, CheckDisk, usage.UsedPercent < threshold, message)
}

// record stores the status and emits EventHealthChanged when the health of
// the check flipped, or on its first result.
func (m *Manager) record(ctx context.Context, check string, healthy bool, message string) {
	m.mu.Lock()
	prev, seen := m.statuses[check]
	m.statuses[check] = Status{
		Check:     check,
		Healthy:   healthy,
		Message:   message,
		CheckedAt: time.Now(),
	}
	m.mu.Unlock()

	if seen && prev.Healthy == healthy {
		return
	}

	event := log.Info()
	if !healthy {
		event = log.Warn()
	}
	event.Str("check", check).Bool("healthy", healthy).Msg(message)

	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHealthChanged,
		Source: "health_check",
		Payload: events.HealthChangedPayload{
			Check:   check,
			Healthy: healthy,
			Message: message,
		},
	})
}
