// Package events defines the in-process notifications exchanged between the
// gateway components.
package events

import "time"

// EventType names a kind of gateway event.
type EventType string

const (
	// Command session
	EventCommandExecuted   EventType = "command_executed"
	EventSessionTerminated EventType = "session_terminated"

	// Update sessions
	EventUpdateStarted  EventType = "update_started"
	EventUpdateProgress EventType = "update_progress"
	EventUpdateFinished EventType = "update_finished"

	// Game configuration
	EventGameConfigSaved EventType = "game_config_saved"

	// Health
	EventHealthChanged EventType = "health_changed"

	// System
	EventShutdown EventType = "shutdown"
)

// Event is a single notification published on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// CommandExecutedPayload describes one command served by the command session,
// including keepalive probes.
type CommandExecutedPayload struct {
	Command   string
	Response  string
	Duration  time.Duration
	Err       error
	Keepalive bool
}

// SessionTerminatedPayload carries the reason a command session stopped.
type SessionTerminatedPayload struct {
	Address string
	Cause   error
}

// UpdateStartedPayload is emitted once the updater process is spawned.
type UpdateStartedPayload struct {
	SessionID string
	Kind      string
	Args      []string
}

// UpdateProgressPayload wraps one parsed updater event. Update is the
// steamcmd event value, kept opaque here to avoid an import cycle.
type UpdateProgressPayload struct {
	SessionID string
	Update    interface{}
}

// UpdateResult is the outcome recorded for a finished update run.
type UpdateResult string

const (
	UpdateResultSuccess     UpdateResult = "success"
	UpdateResultFailed      UpdateResult = "failed"
	UpdateResultSpawnFailed UpdateResult = "spawn_failed"
	UpdateResultUnknown     UpdateResult = "unknown"
)

// UpdateFinishedPayload is emitted after an update session is torn down.
type UpdateFinishedPayload struct {
	SessionID string
	Kind      string
	ExitCode  int
	Result    UpdateResult
	Reason    string
	StartedAt time.Time
	Duration  time.Duration
}

// GameConfigSavedPayload is emitted when the current game ini is replaced.
type GameConfigSavedPayload struct {
	Path  string
	Bytes int
}

// HealthChangedPayload is emitted when a health check changes status.
type HealthChangedPayload struct {
	Check   string
	Healthy bool
	Message string
}
