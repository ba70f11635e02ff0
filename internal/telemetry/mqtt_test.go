package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (doneToken) Error() error                   { return nil }

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakePublisher) last(t *testing.T) (string, map[string]interface{}) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.messages)
	msg := f.messages[len(f.messages)-1]
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &doc))
	return msg.topic, doc
}

func newTestHandler(t *testing.T, connected bool) (*MQTTHandler, *fakePublisher) {
	t.Helper()
	cfg := config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "127.0.0.1",
		Port:        1883,
		TopicPrefix: "palboard",
	}
	h, err := NewMQTTHandler(cfg, events.NewEventBus(), "test")
	require.NoError(t, err)
	pub := &fakePublisher{connected: connected}
	h.pub = pub
	return h, pub
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, nil, "test")
	assert.Error(t, err)
}

func TestNewMQTTHandlerBadCAFile(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:   true,
		BrokerURL: "broker",
		Port:      8883,
		UseTLS:    true,
		CAFile:    "/nonexistent/ca.pem",
	}, nil, "test")
	assert.Error(t, err)
}

func TestPublishCarriesMetadata(t *testing.T) {
	h, pub := newTestHandler(t, true)

	require.NoError(t, h.onUpdateFinished(context.Background(), events.Event{
		Type: events.EventUpdateFinished,
		Payload: events.UpdateFinishedPayload{
			SessionID: "s1",
			Kind:      "game",
			ExitCode:  8,
			Result:    events.UpdateResultFailed,
			Reason:    "No subscription",
			Duration:  2 * time.Second,
		},
	}))

	topic, doc := pub.last(t)
	assert.Equal(t, "palboard/update/finished", topic)
	assert.Equal(t, "test", doc["app_version"])
	assert.NotEmpty(t, doc["timestamp"])

	payload := doc["payload"].(map[string]interface{})
	assert.Equal(t, "failed", payload["result"])
	assert.Equal(t, "No subscription", payload["reason"])
	assert.Equal(t, float64(8), payload["exit_code"])
	assert.Equal(t, float64(2000), payload["duration_ms"])
}

func TestSessionTerminatedCause(t *testing.T) {
	h, pub := newTestHandler(t, true)

	require.NoError(t, h.onSessionTerminated(context.Background(), events.Event{
		Payload: events.SessionTerminatedPayload{Address: "pal:25575", Cause: errors.New("connection reset")},
	}))

	topic, doc := pub.last(t)
	assert.Equal(t, "palboard/session/terminated", topic)
	payload := doc["payload"].(map[string]interface{})
	assert.Equal(t, "connection reset", payload["cause"])
}

func TestKeepalivesAreNotPublished(t *testing.T) {
	h, pub := newTestHandler(t, true)

	require.NoError(t, h.onCommandExecuted(context.Background(), events.Event{
		Payload: events.CommandExecutedPayload{Command: "ShowPlayers", Keepalive: true},
	}))
	assert.Empty(t, pub.messages)

	require.NoError(t, h.onCommandExecuted(context.Background(), events.Event{
		Payload: events.CommandExecutedPayload{Command: "Save"},
	}))
	topic, _ := pub.last(t)
	assert.Equal(t, "palboard/session/command", topic)
}

func TestDisconnectedDropsMessages(t *testing.T) {
	h, pub := newTestHandler(t, false)
	h.PublishShutdown()
	assert.Empty(t, pub.messages)
}

func TestTopicWithoutPrefix(t *testing.T) {
	h, _ := newTestHandler(t, true)
	h.cfg.TopicPrefix = ""
	assert.Equal(t, "health", h.topic(TopicHealth))
}
