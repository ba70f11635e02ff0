// Package notify posts gateway incidents to a Discord webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/events"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

const webhookTimeout = 10 * time.Second

// DiscordNotifier sends embeds to a Discord webhook when the command session
// drops, an update finishes or a health check changes state.
type DiscordNotifier struct {
	cfg    config.NotifyConfig
	client *http.Client

	mu        sync.Mutex
	unhealthy map[string]bool
}

// NewDiscordNotifier creates a notifier. It returns an error when
// notifications are disabled or no webhook is configured.
func NewDiscordNotifier(cfg config.NotifyConfig) (*DiscordNotifier, error) {
	if !cfg.Enabled {
		return nil, errors.New("notifications are disabled")
	}
	if cfg.WebhookURL == "" {
		return nil, errors.New("no webhook URL configured")
	}
	return &DiscordNotifier{
		cfg:       cfg,
		client:    &http.Client{Timeout: webhookTimeout},
		unhealthy: make(map[string]bool),
	}, nil
}

// Attach subscribes the notifier to bus.
func (dn *DiscordNotifier) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventSessionTerminated, "notify.session_terminated", dn.onSessionTerminated)
	bus.Subscribe(events.EventUpdateFinished, "notify.update_finished", dn.onUpdateFinished)
	bus.Subscribe(events.EventHealthChanged, "notify.health_changed", dn.onHealthChanged)
}

// Send posts one embed.
func (dn *DiscordNotifier) Send(ctx context.Context, title, message, level string) error {
	var color int
	switch level {
	case LevelError:
		color = 0xFF0000
	case LevelWarning:
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "Palboard Gateway",
				},
			},
		},
	}
	if dn.cfg.Username != "" {
		payload["username"] = dn.cfg.Username
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dn.cfg.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dn.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", title).Msg("Discord webhook notification sent")
	return nil
}

func (dn *DiscordNotifier) onSessionTerminated(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SessionTerminatedPayload)
	if !ok {
		return nil
	}
	cause := "unknown cause"
	if payload.Cause != nil {
		cause = payload.Cause.Error()
	}
	return dn.Send(ctx, "RCON session lost",
		fmt.Sprintf("Connection to `%s` terminated: %s", payload.Address, cause), LevelError)
}

func (dn *DiscordNotifier) onUpdateFinished(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.UpdateFinishedPayload)
	if !ok {
		return nil
	}

	if payload.Result == events.UpdateResultSuccess {
		if !dn.cfg.NotifyUpdates {
			return nil
		}
		return dn.Send(ctx, "Update finished",
			fmt.Sprintf("%s update completed in %s.", payload.Kind, payload.Duration.Round(time.Second)), LevelInfo)
	}

	msg := fmt.Sprintf("%s update ended with %s (exit code %d).", payload.Kind, payload.Result, payload.ExitCode)
	if payload.Reason != "" {
		msg += "\n" + payload.Reason
	}
	return dn.Send(ctx, "Update failed", msg, LevelError)
}

func (dn *DiscordNotifier) onHealthChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.HealthChangedPayload)
	if !ok {
		return nil
	}

	// Only a check that was reported unhealthy can recover.
	dn.mu.Lock()
	wasUnhealthy := dn.unhealthy[payload.Check]
	dn.unhealthy[payload.Check] = !payload.Healthy
	dn.mu.Unlock()

	if payload.Healthy {
		if !wasUnhealthy {
			return nil
		}
		return dn.Send(ctx, "Recovered: "+payload.Check, payload.Message, LevelInfo)
	}
	return dn.Send(ctx, "Unhealthy: "+payload.Check, payload.Message, LevelWarning)
}
