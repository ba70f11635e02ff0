// Package telemetry publishes gateway events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/util"
)

// Topic suffixes, joined to the configured prefix.
const (
	TopicGatewayStatus     = "gateway/status"
	TopicCommand           = "session/command"
	TopicSessionTerminated = "session/terminated"
	TopicUpdateStarted     = "update/started"
	TopicUpdateProgress    = "update/progress"
	TopicUpdateFinished    = "update/finished"
	TopicHealth            = "health"
)

// publisher is the subset of mqtt.Client the handler needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards gateway events to MQTT as JSON documents carrying
// host metadata.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	metadata map[string]interface{}
}

// NewMQTTHandler creates the handler and its broker client. It does not
// connect.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"app_version": version,
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("palboard-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
		h.publish(TopicGatewayStatus, map[string]interface{}{"status": "online"})
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	// Last will marks the gateway offline if it disappears without a
	// clean shutdown.
	will, _ := json.Marshal(h.buildMessage(map[string]interface{}{"status": "offline"}))
	opts.SetWill(h.topic(TopicGatewayStatus), string(will), 1, true)

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects, subscribes to the bus and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	// With connect retry enabled the token completes once connected or
	// when Disconnect is called.
	h.client.Connect()
	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventCommandExecuted, "mqtt.command", h.onCommandExecuted)
	h.eventBus.Subscribe(events.EventSessionTerminated, "mqtt.sessionTerminated", h.onSessionTerminated)
	h.eventBus.Subscribe(events.EventUpdateStarted, "mqtt.updateStarted", h.onUpdateStarted)
	h.eventBus.Subscribe(events.EventUpdateProgress, "mqtt.updateProgress", h.onUpdateProgress)
	h.eventBus.Subscribe(events.EventUpdateFinished, "mqtt.updateFinished", h.onUpdateFinished)
	h.eventBus.Subscribe(events.EventHealthChanged, "mqtt.health", h.onHealthChanged)
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends payload as JSON with QoS 1. Messages are dropped while
// disconnected.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *MQTTHandler) onCommandExecuted(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.CommandExecutedPayload)
	if !ok || p.Keepalive {
		return nil
	}
	h.publish(TopicCommand, map[string]interface{}{
		"command":     p.Command,
		"duration_ms": p.Duration.Milliseconds(),
		"error":       errString(p.Err),
	})
	return nil
}

func (h *MQTTHandler) onSessionTerminated(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SessionTerminatedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicSessionTerminated, map[string]interface{}{
		"address": p.Address,
		"cause":   errString(p.Cause),
	})
	return nil
}

func (h *MQTTHandler) onUpdateStarted(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.UpdateStartedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicUpdateStarted, map[string]interface{}{
		"session_id": p.SessionID,
		"kind":       p.Kind,
	})
	return nil
}

func (h *MQTTHandler) onUpdateProgress(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.UpdateProgressPayload)
	if !ok {
		return nil
	}
	h.publish(TopicUpdateProgress, map[string]interface{}{
		"session_id": p.SessionID,
		"update":     p.Update,
	})
	return nil
}

func (h *MQTTHandler) onUpdateFinished(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.UpdateFinishedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicUpdateFinished, map[string]interface{}{
		"session_id":  p.SessionID,
		"kind":        p.Kind,
		"exit_code":   p.ExitCode,
		"result":      p.Result,
		"reason":      p.Reason,
		"duration_ms": p.Duration.Milliseconds(),
	})
	return nil
}

func (h *MQTTHandler) onHealthChanged(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.HealthChangedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicHealth, map[string]interface{}{
		"check":   p.Check,
		"healthy": p.Healthy,
		"message": p.Message,
	})
	return nil
}

// PublishShutdown announces a clean gateway shutdown.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicGatewayStatus, map[string]interface{}{"status": "shutdown"})
}
